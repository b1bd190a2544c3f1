package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionTimeout is returned when the session is not open within
	// the open timeout.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionClosed is passed to OnClose when the server closes the
	// session normally.
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnection       = errors.New("connection error")
)

// ConnectionError describes a transport failure. Op is one of "dial",
// "open", "read" or "write".
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
