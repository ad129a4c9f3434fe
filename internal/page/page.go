package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagescope/internal/browser"
	"github.com/xkilldash9x/pagescope/internal/cdp"
	"github.com/xkilldash9x/pagescope/internal/snapshot"
	"github.com/xkilldash9x/pagescope/internal/storage"
)

const (
	// defaultNavTimeout bounds every navigation-related await unless the
	// options override it.
	defaultNavTimeout = 30 * time.Second

	// settleDelay gives the DOM a beat after the load event; SPA routers
	// often mutate right after.
	settleDelay = 500 * time.Millisecond

	// pollInterval paces WaitFor predicate evaluation.
	pollInterval = 200 * time.Millisecond

	// idleThreshold is the default continuous-quiet window for network idle.
	idleThreshold = 500 * time.Millisecond
)

// Goto navigates to the URL, awaits the load event, settles briefly, and
// runs the consent dismisser when the policy is on.
func (p *Page) Goto(ctx context.Context, rawURL string) error {
	if err := p.guard(); err != nil {
		return err
	}

	loaded := make(chan struct{}, 1)
	off := p.sess.On("Page.loadEventFired", func(json.RawMessage, string) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer off()

	raw, err := p.sess.Send(ctx, "Page.navigate", map[string]interface{}{"url": rawURL})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNavigationFailed, err)
	}
	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := codec.Unmarshal(raw, &nav); err == nil && nav.ErrorText != "" {
		return fmt.Errorf("%w: %s", ErrNavigationFailed, nav.ErrorText)
	}

	timer := time.NewTimer(p.navTimeout())
	defer timer.Stop()
	select {
	case <-loaded:
	case <-timer.C:
		return fmt.Errorf("%w: load event for %s", cdp.ErrTimeout, rawURL)
	case <-ctx.Done():
		return fmt.Errorf("%w: load event for %s: %v", cdp.ErrTimeout, rawURL, ctx.Err())
	case <-p.conn.Done():
		return cdp.ErrTransportLost
	}

	_ = sleepCtx(ctx, settleDelay)
	p.url = rawURL

	if p.opts.ConsentPolicy {
		p.dismissConsent(ctx)
	}
	return nil
}

// GoBack navigates to the previous history entry.
func (p *Page) GoBack(ctx context.Context) error { return p.stepHistory(ctx, -1) }

// GoForward navigates to the next history entry.
func (p *Page) GoForward(ctx context.Context) error { return p.stepHistory(ctx, +1) }

func (p *Page) stepHistory(ctx context.Context, delta int) error {
	if err := p.guard(); err != nil {
		return err
	}
	raw, err := p.sess.Send(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return err
	}
	var history struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID  int64  `json:"id"`
			URL string `json:"url"`
		} `json:"entries"`
	}
	if err := codec.Unmarshal(raw, &history); err != nil {
		return fmt.Errorf("page: decode history: %w", err)
	}

	idx := history.CurrentIndex + delta
	if idx < 0 || idx >= len(history.Entries) {
		return ErrNoHistory
	}
	if _, err := p.sess.Send(ctx, "Page.navigateToHistoryEntry", map[string]interface{}{
		"entryId": history.Entries[idx].ID,
	}); err != nil {
		return err
	}
	_ = sleepCtx(ctx, settleDelay)
	p.url = history.Entries[idx].URL
	return nil
}

// Snapshot captures and prunes the accessibility tree, replacing the
// reference map wholesale. With the hybrid fallback armed, a challenge page
// triggers one teardown and re-attachment to the external browser; the
// second snapshot is returned as-is either way.
func (p *Page) Snapshot(ctx context.Context, mode snapshot.Mode) (string, error) {
	if err := p.guard(); err != nil {
		return "", err
	}
	if mode == "" {
		mode = p.opts.SnapshotMode
	}
	if mode == "" {
		mode = snapshot.ModeAct
	}

	doc, err := p.snapshotOnce(ctx, mode)
	if err != nil {
		return "", err
	}
	if p.opts.FallbackPort == 0 || p.fellBack || !snapshot.ContainsChallenge(doc) {
		return doc, nil
	}

	p.logger.Info("Challenge page detected, falling back to external browser.",
		zap.Int("port", p.opts.FallbackPort))
	if err := p.fallbackToExternal(ctx); err != nil {
		p.logger.Warn("Hybrid fallback failed, returning headless snapshot.", zap.Error(err))
		return doc, nil
	}
	retried, err := p.snapshotOnce(ctx, mode)
	if err != nil {
		return doc, nil
	}
	return retried, nil
}

func (p *Page) snapshotOnce(ctx context.Context, mode snapshot.Mode) (string, error) {
	raw, err := p.sess.Send(ctx, "Accessibility.getFullAXTree", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		Nodes []snapshot.RawNode `json:"nodes"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("page: decode accessibility tree: %w", err)
	}

	res := snapshot.Render(result.Nodes, mode, p.opts.SnapshotContext)
	p.mu.Lock()
	p.refs = res.Refs
	p.mu.Unlock()
	return res.Document, nil
}

// fallbackToExternal tears the headless side down and rebuilds the full
// pipeline against a browser already running on the configured debug port.
func (p *Page) fallbackToExternal(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = p.conn.Send(closeCtx, "Target.closeTarget", map[string]interface{}{
		"targetId": p.targetID,
	}, "")
	cancel()
	_ = p.conn.Close()
	if p.proc != nil {
		_ = p.proc.Kill()
		p.proc = nil
	}

	wsURL, err := browser.ConnectExisting(ctx, p.opts.FallbackPort)
	if err != nil {
		return err
	}
	conn, err := cdp.Dial(ctx, wsURL, p.logger)
	if err != nil {
		return err
	}
	p.conn = conn
	p.fellBack = true

	if err := p.bootstrap(ctx, false); err != nil {
		return err
	}
	p.seedState(ctx)
	if p.opts.Source != nil && p.url != "" {
		p.InjectCookies(ctx, p.url, p.opts.Source)
	}
	if p.url != "" {
		if err := p.Goto(ctx, p.url); err != nil {
			return err
		}
	}
	return nil
}

// Click resolves the reference and clicks its content-box midpoint.
func (p *Page) Click(ctx context.Context, ref string) error {
	backendID, err := p.resolveRef(ref)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).click(ctx, backendID)
}

// Hover moves the mouse over the element.
func (p *Page) Hover(ctx context.Context, ref string) error {
	backendID, err := p.resolveRef(ref)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).hover(ctx, backendID)
}

// TypeOptions tune Type. Clear removes the existing value first; KeyEvents
// synthesizes per-character key events instead of the insertText fast path.
type TypeOptions struct {
	Clear     bool
	KeyEvents bool
}

// Type focuses the element and enters text.
func (p *Page) Type(ctx context.Context, ref, text string, opts TypeOptions) error {
	backendID, err := p.resolveRef(ref)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).typeText(ctx, backendID, text, opts.Clear, opts.KeyEvents)
}

// Press emits a keyDown/keyUp pair for a symbolic key name.
func (p *Page) Press(ctx context.Context, key string) error {
	if err := p.guard(); err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).press(ctx, key)
}

// Scroll dispatches a mouse wheel event at (x, y), defaulting to (400, 300).
func (p *Page) Scroll(ctx context.Context, deltaY, x, y float64) error {
	if err := p.guard(); err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).scroll(ctx, deltaY, x, y)
}

// Select picks a dropdown option by value or visible text.
func (p *Page) Select(ctx context.Context, ref, value string) error {
	backendID, err := p.resolveRef(ref)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).selectValue(ctx, backendID, value)
}

// Drag presses at the source element and releases at the target.
func (p *Page) Drag(ctx context.Context, fromRef, toRef string) error {
	fromID, err := p.resolveRef(fromRef)
	if err != nil {
		return err
	}
	toID, err := p.resolveRef(toRef)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).drag(ctx, fromID, toID)
}

// Upload assigns absolute file paths to a file input.
func (p *Page) Upload(ctx context.Context, ref string, files []string) error {
	backendID, err := p.resolveRef(ref)
	if err != nil {
		return err
	}
	return (&dispatcher{sess: p.sess}).upload(ctx, backendID, files)
}

// Screenshot captures the viewport and returns it base64-encoded.
func (p *Page) Screenshot(ctx context.Context, format string, quality int) (string, error) {
	if err := p.guard(); err != nil {
		return "", err
	}
	if format == "" {
		format = "png"
	}
	params := map[string]interface{}{"format": format}
	if quality > 0 && format != "png" {
		params["quality"] = quality
	}
	raw, err := p.sess.Send(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return "", err
	}
	return decodeDataField(raw)
}

// PDF prints the page with backgrounds and returns it base64-encoded.
func (p *Page) PDF(ctx context.Context, landscape bool) (string, error) {
	if err := p.guard(); err != nil {
		return "", err
	}
	raw, err := p.sess.Send(ctx, "Page.printToPDF", map[string]interface{}{
		"landscape":       landscape,
		"printBackground": true,
	})
	if err != nil {
		return "", err
	}
	return decodeDataField(raw)
}

func decodeDataField(raw json.RawMessage) (string, error) {
	var result struct {
		Data string `json:"data"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("page: decode capture: %w", err)
	}
	return result.Data, nil
}

// WaitForNavigation waits for the next load event. A quiet timeout is not an
// error: SPA route changes never fire load, so the handle settles briefly
// and returns.
func (p *Page) WaitForNavigation(ctx context.Context) error {
	if err := p.guard(); err != nil {
		return err
	}
	_, err := p.sess.Once(ctx, "Page.loadEventFired", p.navTimeout())
	if errors.Is(err, cdp.ErrTimeout) {
		return sleepCtx(ctx, settleDelay)
	}
	return err
}

// WaitForNetworkIdle resolves once the in-flight request count has been zero
// continuously for the idle window, or fails with Timeout at the deadline.
func (p *Page) WaitForNetworkIdle(ctx context.Context, idle time.Duration) error {
	if err := p.guard(); err != nil {
		return err
	}
	if idle <= 0 {
		idle = idleThreshold
	}

	deadline := time.NewTimer(p.navTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		p.mu.Lock()
		quiet := p.inflight == 0 && time.Since(p.idleSince) >= idle
		p.mu.Unlock()
		if quiet {
			return nil
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("%w: network never idled for %s", cdp.ErrTimeout, idle)
		case <-ctx.Done():
			return fmt.Errorf("%w: network idle: %v", cdp.ErrTimeout, ctx.Err())
		case <-p.conn.Done():
			return cdp.ErrTransportLost
		}
	}
}

// WaitFor polls until the page body contains text or the selector matches,
// whichever is configured; both set means either suffices.
func (p *Page) WaitFor(ctx context.Context, text, selector string) error {
	if err := p.guard(); err != nil {
		return err
	}
	if text == "" && selector == "" {
		return fmt.Errorf("page: WaitFor needs text or a selector")
	}

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	deadline := time.NewTimer(p.navTimeout())
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("%w: condition never held", cdp.ErrTimeout)
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", cdp.ErrTimeout, err)
		}

		if text != "" {
			ok, err := p.evalBool(ctx, fmt.Sprintf(
				`document.body ? document.body.innerText.includes(%s) : false`, jsString(text)))
			if err == nil && ok {
				return nil
			}
		}
		if selector != "" {
			ok, err := p.evalBool(ctx, fmt.Sprintf(
				`document.querySelector(%s) !== null`, jsString(selector)))
			if err == nil && ok {
				return nil
			}
		}
	}
}

// Eval evaluates an expression in the page and returns its JSON value.
func (p *Page) Eval(ctx context.Context, expression string) (json.RawMessage, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	raw, err := p.sess.Send(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("page: decode evaluate: %w", err)
	}
	if result.ExceptionDetails != nil {
		return nil, fmt.Errorf("page: script threw: %s", result.ExceptionDetails.Text)
	}
	return result.Result.Value, nil
}

func (p *Page) evalBool(ctx context.Context, expression string) (bool, error) {
	raw, err := p.Eval(ctx, expression)
	if err != nil {
		return false, err
	}
	var v bool
	if err := codec.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	return v, nil
}

func jsString(s string) string {
	quoted, _ := codec.MarshalToString(s)
	return quoted
}

// Info is the current target's identity.
type Info struct {
	URL   string
	Title string
}

// Info reports the page's current URL and title.
func (p *Page) Info(ctx context.Context) (Info, error) {
	if err := p.guard(); err != nil {
		return Info{}, err
	}
	raw, err := p.conn.Send(ctx, "Target.getTargetInfo", map[string]interface{}{
		"targetId": p.targetID,
	}, "")
	if err != nil {
		return Info{}, err
	}
	var result struct {
		TargetInfo struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"targetInfo"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return Info{}, fmt.Errorf("page: decode target info: %w", err)
	}
	return Info{URL: result.TargetInfo.URL, Title: result.TargetInfo.Title}, nil
}

// TabInfo describes one page-type target in the browser.
type TabInfo struct {
	TargetID string
	URL      string
	Title    string
}

// Tabs lists the browser's page-type targets.
func (p *Page) Tabs(ctx context.Context) ([]TabInfo, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	raw, err := p.conn.Send(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			URL      string `json:"url"`
			Title    string `json:"title"`
		} `json:"targetInfos"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("page: decode targets: %w", err)
	}
	var tabs []TabInfo
	for _, t := range result.TargetInfos {
		if t.Type == "page" {
			tabs = append(tabs, TabInfo{TargetID: t.TargetID, URL: t.URL, Title: t.Title})
		}
	}
	return tabs, nil
}

// SwitchTab activates the page-type target at the given index of Tabs().
func (p *Page) SwitchTab(ctx context.Context, index int) error {
	tabs, err := p.Tabs(ctx)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(tabs) {
		return fmt.Errorf("page: tab index %d out of range (%d tabs)", index, len(tabs))
	}
	_, err = p.conn.Send(ctx, "Target.activateTarget", map[string]interface{}{
		"targetId": tabs[index].TargetID,
	}, "")
	return err
}

// SaveState exports all cookies plus the page's localStorage to path.
func (p *Page) SaveState(ctx context.Context, path string) error {
	if err := p.guard(); err != nil {
		return err
	}
	raw, err := p.sess.Send(ctx, "Storage.getCookies", nil)
	if err != nil {
		return err
	}
	var result struct {
		Cookies []storage.Cookie `json:"cookies"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("page: decode cookies: %w", err)
	}

	local := map[string]string{}
	localRaw, err := p.Eval(ctx, `(() => {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
		return out;
	})()`)
	if err == nil {
		_ = codec.Unmarshal(localRaw, &local)
	} else {
		p.logger.Debug("localStorage export skipped.", zap.Error(err))
	}

	return storage.Save(path, &storage.State{Cookies: result.Cookies, LocalStorage: local})
}

// DialogLog returns a copy of the auto-dismissed dialog log.
func (p *Page) DialogLog() []DialogRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DialogRecord(nil), p.dialogs...)
}

// ConsoleLog returns a copy of the captured console output.
func (p *Page) ConsoleLog() []ConsoleRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConsoleRecord(nil), p.console...)
}

// NetworkLog returns a copy of the observed request log in arrival order,
// capped at the most recent networkLogLimit entries.
func (p *Page) NetworkLog() []NetworkRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NetworkRecord, 0, len(p.requests))
	for i := 0; i < len(p.requests); i++ {
		out = append(out, *p.requests[(p.reqHead+i)%len(p.requests)])
	}
	return out
}

// Refs returns the current reference map; it is only meaningful against the
// snapshot that produced it.
func (p *Page) Refs() snapshot.RefMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(snapshot.RefMap, len(p.refs))
	for k, v := range p.refs {
		out[k] = v
	}
	return out
}

// Close shuts the target, tears down the transport, and kills the owned
// child process. Safe to call more than once.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = p.conn.Send(ctx, "Target.closeTarget", map[string]interface{}{
		"targetId": p.targetID,
	}, "")
	_ = p.conn.Close()

	if p.proc != nil {
		if err := p.proc.Kill(); err != nil {
			return err
		}
		p.proc = nil
	}
	return nil
}

func (p *Page) navTimeout() time.Duration {
	if p.opts.NavigationTimeout > 0 {
		return p.opts.NavigationTimeout
	}
	return defaultNavTimeout
}

func (p *Page) guard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

func (p *Page) resolveRef(ref string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	backendID, ok := p.refs[ref]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrReferenceUnknown, ref)
	}
	return backendID, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
