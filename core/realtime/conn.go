package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultOpenTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
	maxMessageSize     = 16 * 1024 * 1024
)

// Conn is the subset of a websocket connection the protocol uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn. The handshake must honour ctx's deadline.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer wraps a gorilla dialer. A nil dialer uses
// websocket.DefaultDialer settings.
func NewWebsocketDialer(dialer *websocket.Dialer) Dialer {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultOpenTimeout,
		}
	}
	return websocketDialer{dialer: dialer}
}

func (d websocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}
