// Package cdp implements a minimal Chrome DevTools Protocol client over a
// single WebSocket. Requests are correlated by numeric id; events are routed
// to per-session and global subscribers. Flattened session mode is used
// throughout: the session identifier travels at the top level of both
// outbound requests and inbound events.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler receives event parameters. The session id is passed so that global
// subscribers can tell which target emitted the event. Handlers run on the
// reader goroutine and must not block.
type Handler func(params json.RawMessage, sessionID string)

type request struct {
	ID        int64       `json:"id"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type response struct {
	result json.RawMessage
	err    error
}

type subKey struct {
	method    string
	sessionID string
}

type subscription struct {
	fn Handler
}

// Conn is a single multiplexed CDP connection. One reader goroutine owns all
// socket reads; writes are serialized by a mutex. The pending table is the
// single source of truth for response delivery, so responses and events may
// interleave arbitrarily.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan response
	handlers map[subKey][]*subscription
	closed   bool
	closeErr error
	done     chan struct{}
}

// Dial opens a WebSocket to the given CDP URL and starts the reader.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Conn{
		ws:       ws,
		logger:   logger.Named("cdp"),
		pending:  make(map[int64]chan response),
		handlers: make(map[subKey][]*subscription),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send issues a request and blocks until the matching response arrives, the
// context expires, or the transport is lost. An empty sessionID targets the
// browser itself.
func (c *Conn) Send(ctx context.Context, method string, params interface{}, sessionID string) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := codec.Marshal(request{ID: id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("%w: write %s: %v", ErrTransportLost, method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("%w: awaiting %s: %v", ErrTimeout, method, ctx.Err())
	case <-c.done:
		return nil, c.closeErr
	}
}

// On registers a handler for a named event. Handlers registered with a
// session id fire before global handlers for the same event. The returned
// function removes the handler; it is safe to call more than once.
func (c *Conn) On(method, sessionID string, fn Handler) func() {
	sub := &subscription{fn: fn}
	key := subKey{method: method, sessionID: sessionID}

	c.mu.Lock()
	c.handlers[key] = append(c.handlers[key], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[key]
		for i, s := range subs {
			if s == sub {
				c.handlers[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.handlers[key]) == 0 {
			delete(c.handlers, key)
		}
	}
}

// Once waits for a single occurrence of the named event. The subscription is
// removed on every return path so listener sets cannot grow without bound.
func (c *Conn) Once(ctx context.Context, method, sessionID string, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	var once sync.Once
	off := c.On(method, sessionID, func(params json.RawMessage, _ string) {
		once.Do(func() { ch <- params })
	})
	defer off()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params := <-ch:
		return params, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, method)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s: %v", ErrTimeout, method, ctx.Err())
	case <-c.done:
		return nil, c.closeErr
	}
}

// Session returns a view of the connection scoped to a fixed session id.
func (c *Conn) Session(id string) *Session {
	return &Session{conn: c, id: id}
}

// Close tears the connection down and fails any in-flight requests.
func (c *Conn) Close() error {
	c.fail(fmt.Errorf("%w: connection closed", ErrTransportLost))
	return nil
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrTransportLost, err))
			return
		}

		var env envelope
		if err := codec.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Discarding malformed frame.", zap.Error(err))
			continue
		}

		if env.Method != "" {
			c.dispatchEvent(&env)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if env.Error != nil {
			ch <- response{err: &ProtocolError{Code: env.Error.Code, Message: env.Error.Message}}
		} else {
			ch <- response{result: env.Result}
		}
	}
}

func (c *Conn) dispatchEvent(env *envelope) {
	c.mu.Lock()
	var targets []*subscription
	if env.SessionID != "" {
		targets = append(targets, c.handlers[subKey{method: env.Method, sessionID: env.SessionID}]...)
	}
	targets = append(targets, c.handlers[subKey{method: env.Method}]...)
	c.mu.Unlock()

	for _, sub := range targets {
		sub.fn(env.Params, env.SessionID)
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail marks the connection dead exactly once, fails all pending requests,
// and wakes every waiter via the done channel.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		ch <- response{err: err}
		delete(c.pending, id)
	}
	close(c.done)
	c.mu.Unlock()

	_ = c.ws.Close()
}
