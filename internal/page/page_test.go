package page

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagescope/internal/cdp"
	"github.com/xkilldash9x/pagescope/internal/snapshot"
	"github.com/xkilldash9x/pagescope/internal/storage"
)

func TestGotoAwaitsLoadEvent(t *testing.T) {
	f := newFakeBrowser(t)
	f.autoLoad = true
	p := newTestPage(t, f, Options{})

	require.NoError(t, p.Goto(context.Background(), "https://example.com"))

	nav := f.callsOf("Page.navigate")
	require.Len(t, nav, 1)
	assert.Equal(t, "SESS-1", nav[0].SessionID)
	assert.Contains(t, string(nav[0].Params), "https://example.com")
}

func TestGotoNavigationError(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Page.navigate", map[string]string{
		"frameId":   "F1",
		"errorText": "net::ERR_NAME_NOT_RESOLVED",
	})
	p := newTestPage(t, f, Options{})

	err := p.Goto(context.Background(), "https://no.such.host")
	require.ErrorIs(t, err, ErrNavigationFailed)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestGotoHonorsNavigationTimeout(t *testing.T) {
	f := newFakeBrowser(t)
	// Navigation is accepted but the load event never fires.
	p := newTestPage(t, f, Options{NavigationTimeout: 150 * time.Millisecond})

	start := time.Now()
	err := p.Goto(context.Background(), "https://slow.example.com")
	require.ErrorIs(t, err, cdp.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGotoRunsConsentDismisser(t *testing.T) {
	f := newFakeBrowser(t)
	f.autoLoad = true
	f.stubResult("Accessibility.getFullAXTree", map[string]interface{}{
		"nodes": []map[string]interface{}{
			{"nodeId": "1", "role": map[string]interface{}{"value": "RootWebArea"}},
			{"nodeId": "2", "parentId": "1",
				"role": map[string]interface{}{"value": "dialog"},
				"name": map[string]interface{}{"value": "Cookie preferences"}},
			{"nodeId": "3", "parentId": "2", "backendDOMNodeId": 9,
				"role": map[string]interface{}{"value": "button"},
				"name": map[string]interface{}{"value": "Accept all"}},
		},
	})
	f.stubResult("DOM.resolveNode", map[string]interface{}{
		"object": map[string]string{"objectId": "OBJ-9"},
	})
	f.stubResult("Runtime.callFunctionOn", map[string]interface{}{
		"result": map[string]interface{}{"value": true},
	})
	p := newTestPage(t, f, Options{ConsentPolicy: true})

	require.NoError(t, p.Goto(context.Background(), "https://example.com"))

	// The accept control was clicked through the JS path.
	calls := f.callsOf("Runtime.callFunctionOn")
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].Params), "this.click()")
}

func TestHistoryNavigation(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Page.getNavigationHistory", map[string]interface{}{
		"currentIndex": 1,
		"entries": []map[string]interface{}{
			{"id": 11, "url": "https://a.example"},
			{"id": 12, "url": "https://b.example"},
		},
	})
	p := newTestPage(t, f, Options{})

	require.NoError(t, p.GoBack(context.Background()))
	nav := f.callsOf("Page.navigateToHistoryEntry")
	require.Len(t, nav, 1)
	assert.Equal(t, float64(11), decode(t, nav[0].Params)["entryId"])

	// Forward past the end of the list.
	err := p.GoForward(context.Background())
	require.ErrorIs(t, err, ErrNoHistory)
}

func TestGoBackAtStart(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Page.getNavigationHistory", map[string]interface{}{
		"currentIndex": 0,
		"entries":      []map[string]interface{}{{"id": 11, "url": "about:blank"}},
	})
	p := newTestPage(t, f, Options{})
	require.ErrorIs(t, p.GoBack(context.Background()), ErrNoHistory)
}

func TestSnapshotReplacesRefMap(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Accessibility.getFullAXTree", map[string]interface{}{
		"nodes": []map[string]interface{}{
			{"nodeId": "1", "role": map[string]interface{}{"value": "RootWebArea"}},
			{"nodeId": "7", "parentId": "1", "backendDOMNodeId": 70,
				"role": map[string]interface{}{"value": "button"},
				"name": map[string]interface{}{"value": "Go"}},
		},
	})
	p := newTestPage(t, f, Options{})

	doc, err := p.Snapshot(context.Background(), snapshot.ModeAct)
	require.NoError(t, err)
	assert.Contains(t, doc, "[ref=7]")
	assert.Equal(t, snapshot.RefMap{"7": 70}, p.Refs())

	// A fresh snapshot with different ids replaces the map wholesale.
	f.stubResult("Accessibility.getFullAXTree", map[string]interface{}{
		"nodes": []map[string]interface{}{
			{"nodeId": "1", "role": map[string]interface{}{"value": "RootWebArea"}},
			{"nodeId": "8", "parentId": "1", "backendDOMNodeId": 80,
				"role": map[string]interface{}{"value": "link"},
				"name": map[string]interface{}{"value": "Next"}},
		},
	})
	_, err = p.Snapshot(context.Background(), snapshot.ModeAct)
	require.NoError(t, err)
	assert.Equal(t, snapshot.RefMap{"8": 80}, p.Refs())

	err = p.Click(context.Background(), "7")
	require.ErrorIs(t, err, ErrReferenceUnknown)
}

func TestDialogAutoDismissed(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})
	f.reset()

	f.emit("Page.javascriptDialogOpening", map[string]string{
		"type": "alert", "message": "hello",
	}, "SESS-1")
	require.True(t, f.waitForCall("Page.handleJavaScriptDialog", 2*time.Second))
	handled := decode(t, f.callsOf("Page.handleJavaScriptDialog")[0].Params)
	assert.Equal(t, true, handled["accept"])

	f.emit("Page.javascriptDialogOpening", map[string]string{
		"type": "beforeunload", "message": "",
	}, "SESS-1")
	require.Eventually(t, func() bool {
		return len(f.callsOf("Page.handleJavaScriptDialog")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	declined := decode(t, f.callsOf("Page.handleJavaScriptDialog")[1].Params)
	assert.Equal(t, false, declined["accept"])

	log := p.DialogLog()
	require.Len(t, log, 2)
	assert.Equal(t, "alert", log[0].Type)
	assert.Equal(t, "hello", log[0].Message)
	assert.Equal(t, "beforeunload", log[1].Type)
}

func TestConsoleCapture(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})

	f.emit("Runtime.consoleAPICalled", map[string]interface{}{
		"type": "error",
		"args": []map[string]interface{}{
			{"value": "boom"},
			{"value": 42},
		},
	}, "SESS-1")

	require.Eventually(t, func() bool { return len(p.ConsoleLog()) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := p.ConsoleLog()[0]
	assert.Equal(t, "error", entry.Level)
	assert.Equal(t, "boom 42", entry.Text)
}

func TestNetworkIdleAndLog(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})

	f.emit("Network.requestWillBeSent", map[string]interface{}{
		"requestId": "R1",
		"request":   map[string]string{"url": "https://example.com/app.js", "method": "GET"},
	}, "SESS-1")
	require.Eventually(t, func() bool { return len(p.NetworkLog()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// One request in flight: the idle wait must not resolve.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err := p.WaitForNetworkIdle(ctx, 50*time.Millisecond)
	cancel()
	require.ErrorIs(t, err, cdp.ErrTimeout)

	f.emit("Network.responseReceived", map[string]interface{}{
		"requestId": "R1",
		"response":  map[string]interface{}{"status": 200},
	}, "SESS-1")
	f.emit("Network.loadingFinished", map[string]interface{}{"requestId": "R1"}, "SESS-1")

	require.NoError(t, p.WaitForNetworkIdle(context.Background(), 50*time.Millisecond))

	log := p.NetworkLog()
	require.Len(t, log, 1)
	assert.Equal(t, "GET", log[0].Method)
	assert.Equal(t, 200, log[0].Status)
	assert.False(t, log[0].Failed)
}

func TestNetworkCounterClampsAtZero(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})

	// Finishes without matching sends must not drive the counter negative.
	f.emit("Network.loadingFinished", map[string]interface{}{"requestId": "ghost"}, "SESS-1")
	f.emit("Network.loadingFinished", map[string]interface{}{"requestId": "ghost2"}, "SESS-1")
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, p.WaitForNetworkIdle(context.Background(), 50*time.Millisecond))
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 0, p.inflight)
}

func TestNetworkLogBounded(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})

	total := networkLogLimit + 25
	for i := 0; i < total; i++ {
		f.emit("Network.requestWillBeSent", map[string]interface{}{
			"requestId": fmt.Sprintf("R%d", i),
			"request":   map[string]string{"url": fmt.Sprintf("https://example.com/r%d", i), "method": "GET"},
		}, "SESS-1")
	}
	require.Eventually(t, func() bool {
		log := p.NetworkLog()
		return len(log) == networkLogLimit && log[len(log)-1].RequestID == fmt.Sprintf("R%d", total-1)
	}, 5*time.Second, 20*time.Millisecond)

	// Oldest entries are evicted; survivors stay in arrival order.
	log := p.NetworkLog()
	assert.Equal(t, fmt.Sprintf("R%d", total-networkLogLimit), log[0].RequestID)

	// Marking by request id still works after the ring has wrapped.
	f.emit("Network.responseReceived", map[string]interface{}{
		"requestId": fmt.Sprintf("R%d", total-1),
		"response":  map[string]interface{}{"status": 204},
	}, "SESS-1")
	require.Eventually(t, func() bool {
		log := p.NetworkLog()
		return log[len(log)-1].Status == 204
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForText(t *testing.T) {
	f := newFakeBrowser(t)
	evals := 0
	f.stub("Runtime.evaluate", func(json.RawMessage) (interface{}, string) {
		evals++
		return map[string]interface{}{
			"result": map[string]interface{}{"type": "boolean", "value": evals >= 3},
		}, ""
	})
	p := newTestPage(t, f, Options{})

	start := time.Now()
	require.NoError(t, p.WaitFor(context.Background(), "Welcome", ""))
	assert.GreaterOrEqual(t, evals, 3)
	// Two failed polls at 200 ms pacing before success.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestScreenshotAndPDF(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Page.captureScreenshot", map[string]string{"data": "aW1hZ2U="})
	f.stubResult("Page.printToPDF", map[string]string{"data": "cGRm"})
	p := newTestPage(t, f, Options{})

	img, err := p.Screenshot(context.Background(), "jpeg", 80)
	require.NoError(t, err)
	assert.Equal(t, "aW1hZ2U=", img)
	shot := decode(t, f.callsOf("Page.captureScreenshot")[0].Params)
	assert.Equal(t, "jpeg", shot["format"])
	assert.Equal(t, float64(80), shot["quality"])

	pdf, err := p.PDF(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "cGRm", pdf)
	printed := decode(t, f.callsOf("Page.printToPDF")[0].Params)
	assert.Equal(t, true, printed["landscape"])
	assert.Equal(t, true, printed["printBackground"])
}

func TestTabsAndSwitch(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Target.getTargets", map[string]interface{}{
		"targetInfos": []map[string]interface{}{
			{"targetId": "T1", "type": "page", "url": "https://a.example", "title": "A"},
			{"targetId": "W1", "type": "service_worker", "url": "https://a.example/sw.js"},
			{"targetId": "T2", "type": "page", "url": "https://b.example", "title": "B"},
		},
	})
	p := newTestPage(t, f, Options{})

	tabs, err := p.Tabs(context.Background())
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, "T2", tabs[1].TargetID)

	require.NoError(t, p.SwitchTab(context.Background(), 1))
	activated := decode(t, f.callsOf("Target.activateTarget")[0].Params)
	assert.Equal(t, "T2", activated["targetId"])

	require.Error(t, p.SwitchTab(context.Background(), 7))
}

func TestSaveState(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Storage.getCookies", map[string]interface{}{
		"cookies": []map[string]interface{}{
			{"name": "sid", "value": "v1", "domain": "example.com", "path": "/", "secure": true},
		},
	})
	f.stubResult("Runtime.evaluate", map[string]interface{}{
		"result": map[string]interface{}{
			"type":  "object",
			"value": map[string]string{"cart": "[1]"},
		},
	})
	p := newTestPage(t, f, Options{})

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, p.SaveState(context.Background(), path))

	state, err := storage.Load(path)
	require.NoError(t, err)
	require.Len(t, state.Cookies, 1)
	assert.Equal(t, "sid", state.Cookies[0].Name)
	assert.Equal(t, map[string]string{"cart": "[1]"}, state.LocalStorage)
}

func TestInjectCookies(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})
	f.reset()

	source := sourceFunc(func(domain string) []storage.Cookie {
		assert.Equal(t, "example.com", domain)
		return []storage.Cookie{{Name: "sid", Value: "v", Domain: ".example.com"}}
	})
	p.InjectCookies(context.Background(), "https://www.example.com/cart", source)

	calls := f.callsOf("Network.setCookies")
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].Params), `"sid"`)
}

type sourceFunc func(domain string) []storage.Cookie

func (f sourceFunc) CookiesFor(domain string) []storage.Cookie { return f(domain) }

func TestEval(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Runtime.evaluate", map[string]interface{}{
		"result": map[string]interface{}{"type": "number", "value": 7},
	})
	p := newTestPage(t, f, Options{})

	raw, err := p.Eval(context.Background(), "3+4")
	require.NoError(t, err)
	assert.Equal(t, "7", strings.TrimSpace(string(raw)))
}

func TestEvalAwaitsPromises(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Runtime.evaluate", map[string]interface{}{
		"result": map[string]interface{}{"type": "number", "value": 7},
	})
	p := newTestPage(t, f, Options{})

	_, err := p.Eval(context.Background(), "Promise.resolve(7)")
	require.NoError(t, err)

	params := decode(t, f.callsOf("Runtime.evaluate")[0].Params)
	assert.Equal(t, true, params["awaitPromise"])
	assert.Equal(t, true, params["returnByValue"])
}

func TestEvalException(t *testing.T) {
	f := newFakeBrowser(t)
	f.stubResult("Runtime.evaluate", map[string]interface{}{
		"result":           map[string]interface{}{"type": "undefined"},
		"exceptionDetails": map[string]interface{}{"text": "Uncaught ReferenceError"},
	})
	p := newTestPage(t, f, Options{})

	_, err := p.Eval(context.Background(), "nope()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ReferenceError")
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeBrowser(t)
	p := newTestPage(t, f, Options{})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Len(t, f.callsOf("Target.closeTarget"), 1)

	err := p.Goto(context.Background(), "https://example.com")
	require.ErrorIs(t, err, ErrClosed)
	_, err = p.Snapshot(context.Background(), "")
	require.ErrorIs(t, err, ErrClosed)
}

func TestHybridFallback(t *testing.T) {
	// Headless endpoint serves a challenge page.
	headless := newFakeBrowser(t)
	headless.autoLoad = true
	headless.stubResult("Accessibility.getFullAXTree", map[string]interface{}{
		"nodes": []map[string]interface{}{
			{"nodeId": "1", "role": map[string]interface{}{"value": "RootWebArea"}},
			{"nodeId": "2", "parentId": "1",
				"role": map[string]interface{}{"value": "heading"},
				"name": map[string]interface{}{"value": "Just a moment..."}},
		},
	})

	// External endpoint serves the real content.
	external := newFakeBrowser(t)
	external.autoLoad = true
	external.stubResult("Accessibility.getFullAXTree", map[string]interface{}{
		"nodes": []map[string]interface{}{
			{"nodeId": "1", "role": map[string]interface{}{"value": "RootWebArea"}},
			{"nodeId": "2", "parentId": "1", "backendDOMNodeId": 5,
				"role": map[string]interface{}{"value": "button"},
				"name": map[string]interface{}{"value": "Add to cart"}},
		},
	})

	p := newTestPage(t, headless, Options{
		Headless:     true,
		FallbackPort: external.port(),
	})
	require.NoError(t, p.Goto(context.Background(), "https://shop.example"))

	doc, err := p.Snapshot(context.Background(), snapshot.ModeAct)
	require.NoError(t, err)

	// The returned document is the external browser's snapshot.
	assert.Contains(t, doc, "Add to cart")
	assert.NotContains(t, doc, "Just a moment")

	// The fallback re-created the pipeline on the external endpoint,
	// including the re-navigation, without stealth.
	require.Len(t, external.callsOf("Target.createTarget"), 1)
	require.Len(t, external.callsOf("Page.navigate"), 1)
	assert.Contains(t, string(external.callsOf("Page.navigate")[0].Params), "shop.example")
	assert.Empty(t, external.callsOf("Page.addScriptToEvaluateOnNewDocument"))

	// The headless target was torn down.
	assert.NotEmpty(t, headless.callsOf("Target.closeTarget"))

	// A second snapshot stays on the external browser.
	_, err = p.Snapshot(context.Background(), snapshot.ModeAct)
	require.NoError(t, err)
	assert.Len(t, external.callsOf("Accessibility.getFullAXTree"), 2)
}
