package session

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrMalformedGreeting = errors.New("malformed greeting")
)

// ConnectionError reports a failed handshake. The session was never opened.
type ConnectionError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a failure on an open session. The session is closed
// when one is returned.
type TransportError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
