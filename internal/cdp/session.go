package cdp

import (
	"context"
	"encoding/json"
	"time"
)

// Session projects a Conn onto a single attached target. All three transport
// operations are scoped to the fixed session id obtained from
// Target.attachToTarget with flatten mode.
type Session struct {
	conn *Conn
	id   string
}

// ID returns the flattened session identifier.
func (s *Session) ID() string { return s.id }

// Conn returns the underlying connection, for browser-level calls.
func (s *Session) Conn() *Conn { return s.conn }

// Send issues a request against this session.
func (s *Session) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.conn.Send(ctx, method, params, s.id)
}

// On subscribes to an event emitted by this session.
func (s *Session) On(method string, fn Handler) func() {
	return s.conn.On(method, s.id, fn)
}

// Once waits for one occurrence of an event emitted by this session.
func (s *Session) Once(ctx context.Context, method string, timeout time.Duration) (json.RawMessage, error) {
	return s.conn.Once(ctx, method, s.id, timeout)
}
