// Package relay implements the middle tier between voice clients and the
// upstream realtime model. It owns the model configuration, executes tools
// on the model's behalf and rewrites the event stream so clients only see
// the simplified client protocol.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voicerag/core/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAPIVersion = "2024-10-01-preview"
	DefaultVoice      = "alloy"

	clientRequestIDHeader = "x-ms-client-request-id"
	writeWait             = 10 * time.Second
	maxMessageSize        = 16 << 20
)

// errTransport marks a failed write to either peer. It ends the session.
var errTransport = errors.New("relay transport failed")

// Config holds the model settings enforced on every session. Nil pointers
// leave the client's value in place.
type Config struct {
	Endpoint   string
	Deployment string
	APIVersion string
	Credential credentials.Credential

	Instructions string
	Temperature  *float64
	MaxTokens    *int
	DisableAudio *bool
	Voice        string
}

// MiddleTier is an http.Handler that upgrades each request into a relayed
// realtime session.
type MiddleTier struct {
	config    Config
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
	authorize func(*http.Request) error
	logger    *slog.Logger

	toolsMu   sync.RWMutex
	tools     map[string]Tool
	toolOrder []string

	sessions       metric.Int64UpDownCounter
	toolExecutions metric.Int64Counter
}

type Option func(*MiddleTier)

// WithAuthorizer rejects the upgrade with 401 when authorize fails.
func WithAuthorizer(authorize func(*http.Request) error) Option {
	return func(m *MiddleTier) {
		m.authorize = authorize
	}
}

func WithUpgrader(upgrader websocket.Upgrader) Option {
	return func(m *MiddleTier) {
		m.upgrader = upgrader
	}
}

// WithUpstreamDialer overrides the dialer used to reach the model.
func WithUpstreamDialer(dialer *websocket.Dialer) Option {
	return func(m *MiddleTier) {
		m.dialer = dialer
	}
}

func WithTool(tool Tool) Option {
	return func(m *MiddleTier) {
		m.AddTool(tool)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *MiddleTier) {
		m.logger = l
	}
}

func New(config Config, opts ...Option) (*MiddleTier, error) {
	if config.Endpoint == "" {
		return nil, errors.New("relay endpoint is required")
	}
	if config.Deployment == "" {
		return nil, errors.New("relay deployment is required")
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.Voice == "" {
		config.Voice = DefaultVoice
	}

	m := &MiddleTier{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: websocket.DefaultDialer,
		logger: logger,
		tools:  map[string]Tool{},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sessions, _ = meter.Int64UpDownCounter("relay.sessions.active")
	m.toolExecutions, _ = meter.Int64Counter("relay.tools.executions")

	return m, nil
}

// AddTool registers tool, replacing any tool with the same name.
func (m *MiddleTier) AddTool(tool Tool) {
	m.toolsMu.Lock()
	defer m.toolsMu.Unlock()
	if _, ok := m.tools[tool.Name]; !ok {
		m.toolOrder = append(m.toolOrder, tool.Name)
	}
	m.tools[tool.Name] = tool
}

func (m *MiddleTier) Tools() []Tool {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	tools := make([]Tool, 0, len(m.toolOrder))
	for _, name := range m.toolOrder {
		tools = append(tools, m.tools[name])
	}
	return tools
}

func (m *MiddleTier) tool(name string) (Tool, bool) {
	m.toolsMu.RLock()
	defer m.toolsMu.RUnlock()
	tool, ok := m.tools[name]
	return tool, ok
}

// UpstreamURL is the realtime endpoint for the configured deployment.
func (m *MiddleTier) UpstreamURL() (string, error) {
	u, err := url.Parse(m.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid relay endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid relay endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/openai/realtime"
	query := url.Values{}
	query.Set("api-version", m.config.APIVersion)
	query.Set("deployment", m.config.Deployment)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (m *MiddleTier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "relay session")
	defer span.End()

	if m.authorize != nil {
		if err := m.authorize(r); err != nil {
			m.logger.WarnContext(ctx, "rejected relay session", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	upstream, err := m.dialUpstream(ctx, r.Header.Get(clientRequestIDHeader))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.ErrorContext(ctx, "failed to reach realtime model", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	client, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		m.logger.WarnContext(ctx, "failed to upgrade relay session", "error", err)
		return
	}
	client.SetReadLimit(maxMessageSize)

	if m.sessions != nil {
		m.sessions.Add(ctx, 1)
		defer m.sessions.Add(context.WithoutCancel(ctx), -1)
	}

	m.logger.InfoContext(ctx, "relay session started", "remote", r.RemoteAddr)
	s := newSession(m, client, upstream)
	if err := s.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.WarnContext(ctx, "relay session ended with error", "error", err)
		return
	}
	m.logger.InfoContext(ctx, "relay session ended")
}

func (m *MiddleTier) dialUpstream(ctx context.Context, requestID string) (*websocket.Conn, error) {
	target, err := m.UpstreamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if m.config.Credential != nil {
		if err := m.config.Credential.Apply(ctx, header); err != nil {
			return nil, fmt.Errorf("failed to authorize upstream: %w", err)
		}
	}
	if requestID != "" {
		header.Set(clientRequestIDHeader, requestID)
	}

	conn, resp, err := m.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial upstream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial upstream: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// wsConn is the subset of a websocket connection a session uses.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session relays one client connection. pending is only touched by the
// upstream pump.
type session struct {
	m        *MiddleTier
	client   wsConn
	upstream wsConn

	clientMu   sync.Mutex
	upstreamMu sync.Mutex

	// pending maps in-flight function call ids to their conversation item.
	pending map[string]string

	closing   atomic.Bool
	closeOnce sync.Once
}

func newSession(m *MiddleTier, client, upstream wsConn) *session {
	return &session{
		m:        m,
		client:   client,
		upstream: upstream,
		pending:  map[string]string{},
	}
}

func (s *session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.close()
		return s.pumpClient(ctx)
	})
	g.Go(func() error {
		defer s.close()
		return s.pumpUpstream(ctx)
	})
	go func() {
		<-ctx.Done()
		s.close()
	}()
	return g.Wait()
}

func (s *session) pumpClient(ctx context.Context) error {
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			return s.readError("client", err)
		}
		if messageType != websocket.TextMessage {
			s.m.logger.DebugContext(ctx, "ignoring non-text client frame", "type", messageType)
			continue
		}

		out, err := s.toServer(data)
		if err != nil {
			s.m.logger.WarnContext(ctx, "dropping malformed client message", "error", err)
			continue
		}
		if out == nil {
			continue
		}
		if err := s.writeUpstream(out); err != nil {
			return err
		}
	}
}

func (s *session) pumpUpstream(ctx context.Context) error {
	for {
		messageType, data, err := s.upstream.ReadMessage()
		if err != nil {
			return s.readError("upstream", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		out, err := s.toClient(ctx, data)
		if errors.Is(err, errTransport) {
			return err
		}
		if err != nil {
			s.m.logger.WarnContext(ctx, "dropping malformed upstream message", "error", err)
			continue
		}
		if out == nil {
			continue
		}
		if err := s.writeClient(out); err != nil {
			return err
		}
	}
}

func (s *session) readError(side string, err error) error {
	if s.closing.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		s.m.logger.Debug("relay peer closed", "side", side)
		return nil
	}
	return fmt.Errorf("%s read failed: %w", side, err)
}

func (s *session) writeClient(data []byte) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	_ = s.client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.client.WriteMessage(websocket.TextMessage, data); err != nil {
		if s.closing.Load() {
			return nil
		}
		return fmt.Errorf("%w: failed to write to client: %w", errTransport, err)
	}
	return nil
}

func (s *session) writeUpstream(data []byte) error {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	_ = s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.upstream.WriteMessage(websocket.TextMessage, data); err != nil {
		if s.closing.Load() {
			return nil
		}
		return fmt.Errorf("%w: failed to write upstream: %w", errTransport, err)
	}
	return nil
}

// close ends both sides with a normal close frame.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		for _, side := range []struct {
			conn wsConn
			mu   *sync.Mutex
		}{{s.client, &s.clientMu}, {s.upstream, &s.upstreamMu}} {
			side.mu.Lock()
			_ = side.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = side.conn.WriteMessage(websocket.CloseMessage, closeFrame)
			side.mu.Unlock()
			_ = side.conn.Close()
		}
	})
}

func (s *session) recordToolExecution(ctx context.Context, name string, err error) {
	if s.m.toolExecutions == nil {
		return
	}
	s.m.toolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("error", err != nil),
	))
}
