// Package realtime implements the client side of a duplex realtime voice
// session: it opens the connection, streams captured audio up and dispatches
// server events to typed handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voicerag/core/audio"
	"github.com/koscakluka/ema-voicerag/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Protocol owns one session connection at a time. It never reconnects on
// its own; call StartSession again after Closed or Errored.
type Protocol struct {
	url         string
	header      http.Header
	dialer      Dialer
	openTimeout time.Duration
	handlers    Handlers
	onOpen      func(sessionID string)
	onClose     func(err error)
	onError     func(err error)
	logger      *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	sessionID string
	lastSeq   uint64
	hasSeq    bool

	// writeMu serializes frames on the connection. It is taken before mu.
	writeMu sync.Mutex
	// dispatchMu keeps handlers serial even across reconnects.
	dispatchMu sync.Mutex

	chunksSent       metric.Int64Counter
	chunksDropped    metric.Int64Counter
	eventsDispatched metric.Int64Counter
}

func New(url string, opts ...Option) *Protocol {
	p := &Protocol{
		url:         url,
		header:      http.Header{},
		dialer:      NewWebsocketDialer(nil),
		openTimeout: DefaultOpenTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.chunksSent, _ = meter.Int64Counter("realtime.audio.chunks_sent")
	p.chunksDropped, _ = meter.Int64Counter("realtime.audio.chunks_dropped",
		metric.WithDescription("Audio chunks dropped because the session was not open or out of order"))
	p.eventsDispatched, _ = meter.Int64Counter("realtime.events.dispatched")

	return p
}

func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID is the id assigned by the last successful open.
func (p *Protocol) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// StartSession opens the connection and sends the session init command. It
// is a no-op while a session is connecting or open, so the init command is
// sent exactly once per session.
func (p *Protocol) StartSession(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "start session")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	p.mu.Lock()
	if p.state == StateConnecting || p.state == StateOpen {
		state := p.state
		p.mu.Unlock()
		span.SetAttributes(attribute.String("realtime.state", state.String()))
		return nil
	}
	p.state = StateConnecting
	p.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, p.openTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(openCtx, p.url, p.header)
	if err != nil {
		return p.failOpen(nil, p.classifyOpenError(ctx, openCtx, "dial", err))
	}

	init, err := json.Marshal(events.NewSessionStart())
	if err != nil {
		return p.failOpen(conn, fmt.Errorf("failed to marshal session start: %w", err))
	}
	p.writeMu.Lock()
	deadline, _ := openCtx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	err = conn.WriteMessage(websocket.TextMessage, init)
	p.writeMu.Unlock()
	if err != nil {
		return p.failOpen(conn, p.classifyOpenError(ctx, openCtx, "open", err))
	}

	sessionID := uuid.NewString()
	p.mu.Lock()
	if p.state != StateConnecting {
		// Closed while the handshake was in flight.
		p.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: "open", Err: ErrConnectionClosed}
	}
	p.conn = conn
	p.state = StateOpen
	p.sessionID = sessionID
	p.hasSeq = false
	p.lastSeq = 0
	p.mu.Unlock()
	span.SetAttributes(attribute.String("realtime.session_id", sessionID))

	p.logger.Info("realtime session opened", "session_id", sessionID)
	if p.onOpen != nil {
		p.onOpen(sessionID)
	}

	go p.readLoop(conn, sessionID)
	return nil
}

func (p *Protocol) classifyOpenError(parent, openCtx context.Context, op string, err error) error {
	var netErr net.Error
	if parent.Err() == nil && (errors.Is(openCtx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())) {
		return &ConnectionError{Op: op, Err: fmt.Errorf("%w after %s: %w", ErrConnectionTimeout, p.openTimeout, err)}
	}
	return &ConnectionError{Op: op, Err: err}
}

func (p *Protocol) failOpen(conn Conn, err error) error {
	if conn != nil {
		_ = conn.Close()
	}

	p.mu.Lock()
	p.state = StateErrored
	p.mu.Unlock()

	p.logger.Warn("failed to open realtime session", "error", err)
	if p.onError != nil {
		p.onError(err)
	}
	return err
}

// SendAudio uploads one captured chunk. When the session is not open the
// chunk is dropped and nil is returned; chunks older than the last one sent
// are dropped too.
func (p *Protocol) SendAudio(chunk audio.Chunk) error {
	p.writeMu.Lock()

	p.mu.Lock()
	conn, state := p.conn, p.state
	if state != StateOpen || conn == nil {
		p.mu.Unlock()
		p.writeMu.Unlock()
		p.logger.Debug("dropping audio chunk, session not open", "state", state.String(), "seq", chunk.Seq())
		p.countDropped("not_open")
		return nil
	}
	if p.hasSeq && chunk.Seq() <= p.lastSeq {
		lastSeq := p.lastSeq
		p.mu.Unlock()
		p.writeMu.Unlock()
		p.logger.Warn("dropping out of order audio chunk", "seq", chunk.Seq(), "last_seq", lastSeq)
		p.countDropped("out_of_order")
		return nil
	}
	p.lastSeq = chunk.Seq()
	p.hasSeq = true
	p.mu.Unlock()

	err := p.writeLocked(conn, events.NewInputAudioBufferAppend(audio.Encode(chunk)))
	p.writeMu.Unlock()
	if err != nil {
		return p.fail(conn, "write", err)
	}

	if p.chunksSent != nil {
		p.chunksSent.Add(context.Background(), 1)
	}
	return nil
}

// ClearAudioBuffer asks the server to discard uncommitted input audio. It is
// a no-op when the session is not open.
func (p *Protocol) ClearAudioBuffer() error {
	p.writeMu.Lock()

	p.mu.Lock()
	conn, state := p.conn, p.state
	p.mu.Unlock()
	if state != StateOpen || conn == nil {
		p.writeMu.Unlock()
		p.logger.Debug("skipping input audio clear, session not open", "state", state.String())
		return nil
	}

	err := p.writeLocked(conn, events.NewInputAudioBufferClear())
	p.writeMu.Unlock()
	if err != nil {
		return p.fail(conn, "write", err)
	}
	return nil
}

// Close ends the session with a normal close frame.
func (p *Protocol) Close() error {
	p.mu.Lock()
	conn := p.conn
	if conn == nil {
		if p.state == StateConnecting || p.state == StateOpen {
			p.state = StateClosed
		}
		p.mu.Unlock()
		return nil
	}
	p.conn = nil
	p.state = StateClosed
	sessionID := p.sessionID
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	p.writeMu.Unlock()

	err := conn.Close()
	p.logger.Info("realtime session closed", "session_id", sessionID)
	if p.onClose != nil {
		p.onClose(nil)
	}
	if err != nil {
		return fmt.Errorf("failed to close realtime connection: %w", err)
	}
	return nil
}

func (p *Protocol) writeLocked(conn Conn, command events.Command) error {
	data, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", command.CommandType(), err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", command.CommandType(), err)
	}
	return nil
}

// fail moves the session to errored if conn is still the live connection.
func (p *Protocol) fail(conn Conn, op string, err error) error {
	connErr := &ConnectionError{Op: op, Err: err}

	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return connErr
	}
	p.conn = nil
	p.state = StateErrored
	p.mu.Unlock()

	_ = conn.Close()
	p.logger.Error("realtime connection failed", "op", op, "error", err)
	if p.onError != nil {
		p.onError(connErr)
	}
	return connErr
}

func (p *Protocol) readLoop(conn Conn, sessionID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.handleReadError(conn, sessionID, err)
			return
		}
		p.dispatch(sessionID, data)
	}
}

func (p *Protocol) handleReadError(conn Conn, sessionID string, err error) {
	p.mu.Lock()
	if p.conn != conn {
		// Closed locally or replaced by a newer session.
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.mu.Lock()
		if p.conn != conn {
			p.mu.Unlock()
			return
		}
		p.conn = nil
		p.state = StateClosed
		p.mu.Unlock()

		_ = conn.Close()
		p.logger.Info("realtime session closed by server", "session_id", sessionID)
		if p.onClose != nil {
			p.onClose(ErrConnectionClosed)
		}
		return
	}

	_ = p.fail(conn, "read", err)
}

func (p *Protocol) dispatch(sessionID string, data []byte) {
	event, err := events.Decode(data)
	if err != nil {
		if errors.Is(err, events.ErrUnsupportedEvent) {
			p.logger.Debug("dropping unsupported event", "session_id", sessionID, "error", err)
		} else {
			p.logger.Warn("dropping malformed event", "session_id", sessionID, "error", err)
		}
		return
	}

	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	p.invoke(sessionID, event)
}

func (p *Protocol) invoke(sessionID string, event events.Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("event handler panicked",
				"session_id", sessionID, "kind", string(event.Kind()), "panic", recovered)
		}
	}()

	handled, err := p.handlers.handle(event)
	if err != nil {
		p.logger.Warn("event handler failed", "session_id", sessionID, "kind", string(event.Kind()), "error", err)
	}
	if handled && p.eventsDispatched != nil {
		p.eventsDispatched.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", string(event.Kind()))))
	}
}

func (p *Protocol) countDropped(reason string) {
	if p.chunksDropped != nil {
		p.chunksDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
