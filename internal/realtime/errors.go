package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrConnectTimeout is returned when the handshake does not finish within Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("realtime: connect timeout")
	// ErrClientClosed is returned to callers waiting on a connect that Disconnect aborted.
	ErrClientClosed = errors.New("realtime: client disconnected")
	// ErrNoActiveRoom is returned by typing and leave calls before JoinRoom.
	ErrNoActiveRoom = errors.New("realtime: no active room")
)

// HTTPError represents a non-2xx response from the upload endpoint.
type HTTPError struct {
	StatusCode int
	// Code is the relay's machine-readable reason, empty if the body had none.
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus returns true if err (or any wrapped error) is an HTTPError with the given status code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}

// ListenerPanic is delivered on the error event when a listener panics.
type ListenerPanic struct {
	Event string
	Value any
}

func (p *ListenerPanic) Error() string {
	return fmt.Sprintf("realtime: listener for %q panicked: %v", p.Event, p.Value)
}

// RelayError is delivered on the error event when the relay rejects a frame.
type RelayError struct {
	Code    string
	Message string
	Ref     string
}

func (e *RelayError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("relay rejected %s: %s", e.Ref, e.Message)
	}
	return "relay: " + e.Message
}
