package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The httptest server keeps an accept goroutine alive briefly.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeEndpoint upgrades a single WebSocket connection and hands every decoded
// frame to the script, which may write response or event frames back.
type fakeEndpoint struct {
	t      *testing.T
	srv    *httptest.Server
	script func(conn *websocket.Conn, env envelope)

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeEndpoint(t *testing.T, script func(conn *websocket.Conn, env envelope)) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{t: t, script: script}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			require.NoError(t, json.Unmarshal(data, &env))
			f.script(conn, env)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeEndpoint) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

func writeFrame(conn *websocket.Conn, v interface{}) {
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func dialTest(t *testing.T, f *fakeEndpoint) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, f.wsURL(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendCorrelatesById(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		// Answer out of order relative to an interleaved event.
		writeFrame(conn, map[string]interface{}{
			"method": "Page.frameNavigated",
			"params": map[string]string{"noise": "yes"},
		})
		writeFrame(conn, map[string]interface{}{
			"id":     env.ID,
			"result": map[string]string{"echo": env.Method},
		})
	})
	c := dialTest(t, f)

	ctx := context.Background()
	res, err := c.Send(ctx, "Target.getTargets", nil, "")
	require.NoError(t, err)

	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, "Target.getTargets", out.Echo)
}

func TestSendRemoteError(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		writeFrame(conn, map[string]interface{}{
			"id":    env.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})
	})
	c := dialTest(t, f)

	_, err := c.Send(context.Background(), "Bogus.method", nil, "")
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32601), perr.Code)
	assert.Equal(t, "method not found", perr.Message)
}

func TestEventRoutingSessionBeforeGlobal(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		writeFrame(conn, map[string]interface{}{
			"method":    "Page.loadEventFired",
			"params":    map[string]float64{"timestamp": 1},
			"sessionId": "SESS1",
		})
		writeFrame(conn, map[string]interface{}{"id": env.ID, "result": map[string]string{}})
	})
	c := dialTest(t, f)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	c.On("Page.loadEventFired", "SESS1", func(_ json.RawMessage, sid string) {
		mu.Lock()
		order = append(order, "session:"+sid)
		mu.Unlock()
	})
	c.On("Page.loadEventFired", "", func(_ json.RawMessage, sid string) {
		mu.Lock()
		order = append(order, "global:"+sid)
		mu.Unlock()
		close(done)
	})

	_, err := c.Send(context.Background(), "poke", nil, "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"session:SESS1", "global:SESS1"}, order)
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		writeFrame(conn, map[string]interface{}{"id": env.ID, "result": map[string]string{}})
	})
	c := dialTest(t, f)

	off := c.On("Network.requestWillBeSent", "S", func(json.RawMessage, string) {})
	c.mu.Lock()
	assert.Len(t, c.handlers, 1)
	c.mu.Unlock()

	off()
	off() // second call is a no-op

	c.mu.Lock()
	assert.Empty(t, c.handlers)
	c.mu.Unlock()
}

func TestOnceTimesOutAndCleansUp(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {})
	c := dialTest(t, f)

	_, err := c.Once(context.Background(), "Page.loadEventFired", "S", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// The timed-out waiter must not leak its listener.
	c.mu.Lock()
	assert.Empty(t, c.handlers)
	c.mu.Unlock()
}

func TestOnceReceivesEvent(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		writeFrame(conn, map[string]interface{}{"id": env.ID, "result": map[string]string{}})
		writeFrame(conn, map[string]interface{}{
			"method":    "Page.loadEventFired",
			"params":    map[string]float64{"timestamp": 42},
			"sessionId": "S",
		})
	})
	c := dialTest(t, f)

	sess := c.Session("S")
	// Fire the request that triggers the scripted event.
	go func() { _, _ = sess.Send(context.Background(), "poke", nil) }()

	params, err := sess.Once(context.Background(), "Page.loadEventFired", 2*time.Second)
	require.NoError(t, err)
	var out struct {
		Timestamp float64 `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(params, &out))
	assert.Equal(t, float64(42), out.Timestamp)
}

func TestTransportLossFailsPending(t *testing.T) {
	started := make(chan struct{})
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		close(started)
		// Never answer; the connection will be dropped instead.
	})
	c := dialTest(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"}, "S")
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the endpoint")
	}
	f.dropConnection()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on transport loss")
	}

	// Subsequent sends fail immediately.
	_, err := c.Send(context.Background(), "anything", nil, "")
	require.ErrorIs(t, err, ErrTransportLost)
}

func TestSessionViewScopesRequests(t *testing.T) {
	var gotSession string
	var mu sync.Mutex
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		mu.Lock()
		gotSession = env.SessionID
		mu.Unlock()
		writeFrame(conn, map[string]interface{}{"id": env.ID, "result": map[string]string{}})
	})
	c := dialTest(t, f)

	sess := c.Session("PAGE-7")
	_, err := sess.Send(context.Background(), "DOM.enable", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "PAGE-7", gotSession)
}

func TestSendContextDeadline(t *testing.T) {
	f := newFakeEndpoint(t, func(conn *websocket.Conn, env envelope) {
		// Swallow the request.
	})
	c := dialTest(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "Page.navigate", nil, "")
	require.ErrorIs(t, err, ErrTimeout)

	// The pending slot must be reclaimed.
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestProtocolErrorMessage(t *testing.T) {
	err := &ProtocolError{Code: -32000, Message: "no node", Method: "DOM.getBoxModel"}
	assert.Equal(t, "cdp: DOM.getBoxModel failed: no node (code -32000)", err.Error())
	assert.Equal(t, fmt.Sprintf("%v", err), err.Error())
}
