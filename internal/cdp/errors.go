package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportLost is returned when the WebSocket closes or errors while
	// requests are in flight. Once raised, the connection is unusable.
	ErrTransportLost = errors.New("cdp: transport lost")

	// ErrTimeout is returned when a deadline-bounded await expires.
	ErrTimeout = errors.New("cdp: deadline expired")
)

// ProtocolError carries the error object the browser returned for a request.
type ProtocolError struct {
	Code    int64
	Message string
	Method  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}
