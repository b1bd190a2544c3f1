package realtime

import (
	"log/slog"
	"net/http"
	"time"
)

type Option func(*Protocol)

func WithHeader(header http.Header) Option {
	return func(p *Protocol) {
		p.header = header.Clone()
	}
}

func WithOpenTimeout(timeout time.Duration) Option {
	return func(p *Protocol) {
		if timeout > 0 {
			p.openTimeout = timeout
		}
	}
}

func WithDialer(dialer Dialer) Option {
	return func(p *Protocol) {
		if dialer != nil {
			p.dialer = dialer
		}
	}
}

// WithHandlers registers the inbound event handlers. Handlers are fixed for
// the lifetime of the protocol.
func WithHandlers(handlers Handlers) Option {
	return func(p *Protocol) {
		p.handlers = handlers
	}
}

// WithOnOpen is called once per successful open with the new session id,
// before any inbound event of that session is dispatched.
func WithOnOpen(callback func(sessionID string)) Option {
	return func(p *Protocol) {
		p.onOpen = callback
	}
}

// WithOnClose is called when the session ends normally. err is nil for a
// local Close and ErrConnectionClosed when the server closed the session.
func WithOnClose(callback func(err error)) Option {
	return func(p *Protocol) {
		p.onClose = callback
	}
}

// WithOnError is called when the protocol enters the errored state.
func WithOnError(callback func(err error)) Option {
	return func(p *Protocol) {
		p.onError = callback
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}
