package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/events"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// fakeBackend accepts realtime connections, records every client frame and
// lets tests push server frames.
type fakeBackend struct {
	server   *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 4),
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err == nil {
				b.received <- msg
			}
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBackend) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("expected backend connection")
	}
	return nil
}

func (b *fakeBackend) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-b.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("expected client frame")
	}
	return nil
}

func (b *fakeBackend) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-b.received:
		t.Fatalf("expected no client frame, got %v", msg)
	case <-time.After(d):
	}
}

func TestStartSessionSendsSingleInit(t *testing.T) {
	backend := newFakeBackend(t)
	var opens atomic.Int32
	p := New(backend.URL(), WithOnOpen(func(string) { opens.Add(1) }))
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.StartSession(context.Background())
		}()
	}
	wg.Wait()
	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected repeated start to be a no-op, got %v", err)
	}

	if got := p.State(); got != StateOpen {
		t.Fatalf("expected open state, got %s", got)
	}
	if msg := backend.next(t); msg["type"] != "session.start" {
		t.Fatalf("expected session.start, got %v", msg["type"])
	}
	backend.expectSilence(t, 100*time.Millisecond)

	if got := opens.Load(); got != 1 {
		t.Fatalf("expected one open callback, got %d", got)
	}
	if got := backend.accepted.Load(); got != 1 {
		t.Fatalf("expected one connection, got %d", got)
	}
	if p.SessionID() == "" {
		t.Fatalf("expected a session id")
	}
}

func TestSendAudioDropsWhenNotOpen(t *testing.T) {
	backend := newFakeBackend(t)
	p := New(backend.URL())

	chunk := audio.NewChunk(0, audio.GetDefaultEncodingInfo(), []byte{1, 2})
	if err := p.SendAudio(chunk); err != nil {
		t.Fatalf("expected dropped chunk to return nil, got %v", err)
	}
	if err := p.ClearAudioBuffer(); err != nil {
		t.Fatalf("expected clear to be a no-op, got %v", err)
	}
	if got := backend.accepted.Load(); got != 0 {
		t.Fatalf("expected no connection, got %d", got)
	}
}

func TestSendAudioAndClearWhenOpen(t *testing.T) {
	backend := newFakeBackend(t)
	p := New(backend.URL())
	defer p.Close()

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to open, got %v", err)
	}
	backend.next(t) // session.start

	format := audio.GetDefaultEncodingInfo()
	_ = p.SendAudio(audio.NewChunk(1, format, []byte{1, 2, 3, 4}))
	_ = p.SendAudio(audio.NewChunk(1, format, []byte{9, 9}))
	_ = p.SendAudio(audio.NewChunk(0, format, []byte{9, 9}))
	_ = p.SendAudio(audio.NewChunk(2, format, []byte{5, 6}))
	if err := p.ClearAudioBuffer(); err != nil {
		t.Fatalf("expected clear to succeed, got %v", err)
	}

	first := backend.next(t)
	if first["type"] != "input_audio_buffer.append" || first["audio"] != audio.EncodeBytes([]byte{1, 2, 3, 4}) {
		t.Fatalf("expected first append with seq 1 audio, got %v", first)
	}
	second := backend.next(t)
	if second["audio"] != audio.EncodeBytes([]byte{5, 6}) {
		t.Fatalf("expected out of order chunks to be dropped, got %v", second)
	}
	if clear := backend.next(t); clear["type"] != "input_audio_buffer.clear" {
		t.Fatalf("expected input_audio_buffer.clear, got %v", clear["type"])
	}
}

func TestHandlersRunInArrivalOrder(t *testing.T) {
	backend := newFakeBackend(t)

	var mu sync.Mutex
	var seen []string
	record := func(name string) {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
	}
	var panicked atomic.Bool
	var running atomic.Int32
	var overlapped atomic.Bool
	guard := func(name string) {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		record(name)
		time.Sleep(time.Millisecond)
		running.Add(-1)
	}

	p := New(backend.URL(), WithHandlers(Handlers{
		OnAudioDelta:    func(events.AudioDelta) error { guard("audio"); return nil },
		OnSpeechStarted: func(events.SpeechStarted) error { guard("speech_started"); return nil },
		OnTextDelta: func(e events.TextDelta) error {
			guard("text:" + e.Delta)
			if !panicked.Swap(true) {
				panic("handler bug")
			}
			return nil
		},
		OnToolResult: func(events.ToolResult) error { guard("tool"); return errors.New("bad payload") },
		OnError:      func(e events.Error) error { guard("error:" + e.Message); return nil },
	}))
	defer p.Close()

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to open, got %v", err)
	}
	conn := backend.conn(t)
	frames := []string{
		`{"type":"response.audio.delta","delta":"AAA="}`,
		`{"type":"response.created"}`,
		`{"type":"response.text.delta","delta":"a"}`,
		`not json`,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"response.text.delta","delta":"b"}`,
		`{"type":"extension.middle_tier_tool_response","tool_result":"{}"}`,
		`{"type":"error","message":"last"}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("expected frame to be written, got %v", err)
		}
	}

	want := []string{"audio", "text:a", "speech_started", "text:b", "tool", "error:last"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= len(want) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected handlers %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected handlers %v, got %v", want, seen)
		}
	}
	if overlapped.Load() {
		t.Fatalf("expected handlers never to run concurrently")
	}
	if got := p.State(); got != StateOpen {
		t.Fatalf("expected session to stay open after handler failures, got %s", got)
	}
}

func TestStartSessionTimesOut(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("expected listener, got %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			// Never answer the handshake.
			defer conn.Close()
		}
	}()

	var onErr atomic.Value
	p := New("ws://"+listener.Addr().String(),
		WithOpenTimeout(100*time.Millisecond),
		WithOnError(func(err error) { onErr.Store(err) }))

	start := time.Now()
	err = p.StartSession(context.Background())
	if !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected timeout to also be a connection error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected timeout near 100ms, took %s", elapsed)
	}
	if got := p.State(); got != StateErrored {
		t.Fatalf("expected errored state, got %s", got)
	}
	if onErr.Load() == nil {
		t.Fatalf("expected error callback")
	}
}

func TestStartSessionDialFailure(t *testing.T) {
	listener, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := listener.Addr().String()
	listener.Close()

	p := New("ws://" + addr)
	err := p.StartSession(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected refused dial not to be a timeout, got %v", err)
	}
}

func TestServerCloseMovesToClosedWithoutReconnect(t *testing.T) {
	backend := newFakeBackend(t)
	closed := make(chan error, 1)
	p := New(backend.URL(), WithOnClose(func(err error) { closed <- err }))

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to open, got %v", err)
	}
	conn := backend.conn(t)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

	select {
	case err := <-closed:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected close callback")
	}

	if got := p.State(); got != StateClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := backend.accepted.Load(); got != 1 {
		t.Fatalf("expected no automatic reconnect, got %d connections", got)
	}
}

func TestAbnormalDisconnectMovesToErrored(t *testing.T) {
	backend := newFakeBackend(t)
	errored := make(chan error, 1)
	p := New(backend.URL(), WithOnError(func(err error) { errored <- err }))

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to open, got %v", err)
	}
	backend.conn(t).UnderlyingConn().Close()

	select {
	case err := <-errored:
		var connErr *ConnectionError
		if !errors.As(err, &connErr) || connErr.Op != "read" {
			t.Fatalf("expected read ConnectionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected error callback")
	}
	if got := p.State(); got != StateErrored {
		t.Fatalf("expected errored state, got %s", got)
	}
}

func TestCloseThenRestartOpensNewSession(t *testing.T) {
	backend := newFakeBackend(t)
	var closes atomic.Int32
	p := New(backend.URL(), WithOnClose(func(err error) {
		if err == nil {
			closes.Add(1)
		}
	}))

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to open, got %v", err)
	}
	firstID := p.SessionID()
	if err := p.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if got := p.State(); got != StateClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
	if err := p.SendAudio(audio.NewChunk(5, audio.GetDefaultEncodingInfo(), []byte{1, 2})); err != nil {
		t.Fatalf("expected send after close to be dropped, got %v", err)
	}

	if err := p.StartSession(context.Background()); err != nil {
		t.Fatalf("expected session to reopen, got %v", err)
	}
	defer p.Close()
	if p.SessionID() == firstID {
		t.Fatalf("expected a new session id")
	}
	if got := closes.Load(); got != 1 {
		t.Fatalf("expected one local close callback, got %d", got)
	}

	// Seq tracking restarts with the session.
	_ = p.SendAudio(audio.NewChunk(0, audio.GetDefaultEncodingInfo(), []byte{7, 7}))
	var sawAppend bool
	for i := 0; i < 3 && !sawAppend; i++ {
		msg := backend.next(t)
		sawAppend = msg["type"] == "input_audio_buffer.append"
	}
	if !sawAppend {
		t.Fatalf("expected audio to be sent on the new session")
	}
}
