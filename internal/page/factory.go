// Package page turns one CDP connection into a driveable page: a flattened
// target session with stealth and permission hardening applied, a snapshot
// and input surface for agents, and background capture of dialogs, console
// output, and network traffic.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/browser"
	"github.com/xkilldash9x/pagescope/internal/cdp"
	"github.com/xkilldash9x/pagescope/internal/page/stealth"
	"github.com/xkilldash9x/pagescope/internal/snapshot"
	"github.com/xkilldash9x/pagescope/internal/storage"
)

// Viewport is an explicit emulated viewport. Scale factor is fixed at 1,
// non-mobile.
type Viewport struct {
	Width  int
	Height int
}

// Options configure a page handle at creation.
type Options struct {
	// Headless marks the browser as an owned headless child; the stealth
	// script is only installed in that case.
	Headless bool

	// FallbackPort, when non-zero, enables the hybrid fallback: on a
	// challenge page the handle tears down and re-attaches to an external
	// browser on this debug port.
	FallbackPort int

	// Viewport, when set, is emulated after domain enablement.
	Viewport *Viewport

	// ConsentPolicy runs the consent dismisser after every navigation.
	ConsentPolicy bool

	// NavigationTimeout bounds load-event and idle waits. Zero means the
	// built-in 30 second default.
	NavigationTimeout time.Duration

	// SnapshotMode is the default pruning mode.
	SnapshotMode snapshot.Mode

	// SnapshotContext is the free-text keyword context for act pruning.
	SnapshotContext string

	// StatePath seeds cookies from a storage state file at creation. A
	// missing or unreadable file is skipped silently.
	StatePath string

	// Source, when set, is queried for cookies on InjectCookies and during
	// the hybrid fallback rebuild.
	Source CookieSource
}

// DialogRecord is one auto-dismissed JavaScript dialog.
type DialogRecord struct {
	Type    string
	Message string
	At      time.Time
}

// ConsoleRecord is one captured console API call.
type ConsoleRecord struct {
	Level string
	Text  string
	At    time.Time
}

// NetworkRecord is one observed request with its terminal status.
type NetworkRecord struct {
	RequestID string
	Method    string
	URL       string
	Status    int
	Failed    bool
}

// Page is the public façade over one attached page target. A handle owns its
// transport, its session, its reference map, and (in headless mode) the
// child browser process. Handles are not shared across goroutines; the
// internal mutex only guards against the transport reader appending to logs.
type Page struct {
	logger *zap.Logger
	opts   Options

	conn     *cdp.Conn
	sess     *cdp.Session
	targetID string
	proc     *browser.Process

	url      string
	fellBack bool

	mu        sync.Mutex
	refs      snapshot.RefMap
	dialogs   []DialogRecord
	console   []ConsoleRecord
	requests  []*NetworkRecord
	reqIndex  map[string]*NetworkRecord
	reqHead   int
	inflight  int
	idleSince time.Time
	closed    bool
}

// networkLogLimit caps the in-memory request log; once full the oldest entry
// is overwritten.
const networkLogLimit = 1024

// Attach creates a page target on the connection and wires it up end to end.
// proc may be nil when the browser is external.
func Attach(ctx context.Context, conn *cdp.Conn, proc *browser.Process, opts Options, logger *zap.Logger) (*Page, error) {
	p := &Page{
		logger:    logger.Named("page"),
		opts:      opts,
		conn:      conn,
		proc:      proc,
		refs:      snapshot.RefMap{},
		reqIndex:  map[string]*NetworkRecord{},
		idleSince: time.Now(),
	}
	if err := p.bootstrap(ctx, opts.Headless); err != nil {
		return nil, err
	}
	p.seedState(ctx)
	return p, nil
}

// bootstrap runs the target-creation pipeline on the current connection. It
// is re-run against a fresh connection during the hybrid fallback.
func (p *Page) bootstrap(ctx context.Context, headless bool) error {
	// 1. Create the page target on a blank document.
	raw, err := p.conn.Send(ctx, "Target.createTarget", map[string]interface{}{
		"url": "about:blank",
	}, "")
	if err != nil {
		return fmt.Errorf("page: create target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := codec.Unmarshal(raw, &created); err != nil {
		return fmt.Errorf("page: decode create target: %w", err)
	}
	p.targetID = created.TargetID

	// 2. Flat-attach to obtain the session id for all page-scoped traffic.
	raw, err = p.conn.Send(ctx, "Target.attachToTarget", map[string]interface{}{
		"targetId": p.targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return fmt.Errorf("page: attach target: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := codec.Unmarshal(raw, &attached); err != nil {
		return fmt.Errorf("page: decode attach: %w", err)
	}
	p.sess = p.conn.Session(attached.SessionID)

	// 3. Enable the domains the rest of the core depends on.
	for _, domain := range []string{"Page.enable", "Network.enable", "DOM.enable", "Runtime.enable"} {
		if _, err := p.sess.Send(ctx, domain, nil); err != nil {
			return fmt.Errorf("page: %s: %w", domain, err)
		}
	}

	// 4. Headless targets get the stealth persona before any page script.
	if headless {
		if err := stealth.Apply(ctx, p.sess, stealth.DefaultPersona, p.logger); err != nil {
			return err
		}
	}

	// 5. Optional viewport emulation, scale 1, non-mobile.
	if vp := p.opts.Viewport; vp != nil {
		if err := p.emulateViewport(ctx, vp.Width, vp.Height); err != nil {
			return err
		}
	}

	p.denyPermissions(ctx)
	p.installSubscriptions()
	return nil
}

func (p *Page) emulateViewport(ctx context.Context, width, height int) error {
	if _, err := p.sess.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]interface{}{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	}); err != nil {
		return fmt.Errorf("page: viewport override: %w", err)
	}
	return nil
}

// SetViewport re-emulates the viewport on a live page. The new dimensions
// also apply after a hybrid fallback rebuild.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	if err := p.guard(); err != nil {
		return err
	}
	if err := p.emulateViewport(ctx, width, height); err != nil {
		return err
	}
	p.opts.Viewport = &Viewport{Width: width, Height: height}
	return nil
}

// permissionTypes is the fixed list set to denied before any navigation.
var permissionTypes = []string{
	"geolocation",
	"notifications",
	"midi",
	"midiSysex",
	"durableStorage",
	"audioCapture",
	"videoCapture",
	"backgroundSync",
	"sensors",
	"idleDetection",
}

// denyPermissions suppresses permission prompts browser-wide. Types this
// browser version does not recognize are skipped silently.
func (p *Page) denyPermissions(ctx context.Context) {
	for _, name := range permissionTypes {
		_, err := p.conn.Send(ctx, "Browser.setPermission", map[string]interface{}{
			"permission": map[string]string{"name": name},
			"setting":    "denied",
		}, "")
		if err != nil {
			var perr *cdp.ProtocolError
			if errors.As(err, &perr) {
				p.logger.Debug("Permission type not recognized, skipping.",
					zap.String("permission", name))
				continue
			}
			p.logger.Debug("Permission suppression failed.",
				zap.String("permission", name), zap.Error(err))
		}
	}
}

// installSubscriptions wires the background captures. Handlers run on the
// transport reader and must not block; the dialog response is sent from a
// fresh goroutine for that reason.
func (p *Page) installSubscriptions() {
	p.sess.On("Page.javascriptDialogOpening", func(params json.RawMessage, _ string) {
		var ev struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			return
		}
		p.mu.Lock()
		p.dialogs = append(p.dialogs, DialogRecord{Type: ev.Type, Message: ev.Message, At: time.Now()})
		p.mu.Unlock()

		// Accept everything except beforeunload, which is declined so
		// navigation proceeds.
		accept := ev.Type != "beforeunload"
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.sess.Send(ctx, "Page.handleJavaScriptDialog", map[string]interface{}{
				"accept": accept,
			}); err != nil {
				p.logger.Debug("Dialog acknowledgement failed.", zap.Error(err))
			}
		}()
	})

	p.sess.On("Runtime.consoleAPICalled", func(params json.RawMessage, _ string) {
		var ev struct {
			Type string `json:"type"`
			Args []struct {
				Value       interface{} `json:"value"`
				Description string      `json:"description"`
			} `json:"args"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			return
		}
		parts := make([]string, 0, len(ev.Args))
		for _, a := range ev.Args {
			switch {
			case a.Value != nil:
				parts = append(parts, fmt.Sprintf("%v", a.Value))
			case a.Description != "":
				parts = append(parts, a.Description)
			}
		}
		p.mu.Lock()
		p.console = append(p.console, ConsoleRecord{Level: ev.Type, Text: strings.Join(parts, " "), At: time.Now()})
		p.mu.Unlock()
	})

	p.sess.On("Network.requestWillBeSent", func(params json.RawMessage, _ string) {
		var ev struct {
			RequestID string `json:"requestId"`
			Request   struct {
				URL    string `json:"url"`
				Method string `json:"method"`
			} `json:"request"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			return
		}
		p.mu.Lock()
		p.inflight++
		p.recordRequest(&NetworkRecord{
			RequestID: ev.RequestID,
			Method:    ev.Request.Method,
			URL:       ev.Request.URL,
		})
		p.mu.Unlock()
	})

	p.sess.On("Network.responseReceived", func(params json.RawMessage, _ string) {
		var ev struct {
			RequestID string `json:"requestId"`
			Response  struct {
				Status int `json:"status"`
			} `json:"response"`
		}
		if err := codec.Unmarshal(params, &ev); err != nil {
			return
		}
		p.mu.Lock()
		p.markRequest(ev.RequestID, ev.Response.Status, false)
		p.mu.Unlock()
	})

	requestDone := func(failed bool) cdp.Handler {
		return func(params json.RawMessage, _ string) {
			var ev struct {
				RequestID string `json:"requestId"`
			}
			if err := codec.Unmarshal(params, &ev); err != nil {
				return
			}
			p.mu.Lock()
			if failed {
				p.markRequest(ev.RequestID, 0, true)
			}
			// Clamp on underflow: finished events can outnumber sends after
			// a fallback rebuild.
			if p.inflight > 0 {
				p.inflight--
			}
			if p.inflight == 0 {
				p.idleSince = time.Now()
			}
			p.mu.Unlock()
		}
	}
	p.sess.On("Network.loadingFinished", requestDone(false))
	p.sess.On("Network.loadingFailed", requestDone(true))
}

// recordRequest appends to the bounded request log, overwriting the oldest
// entry ring-style once the cap is reached. Callers hold p.mu.
func (p *Page) recordRequest(rec *NetworkRecord) {
	if len(p.requests) < networkLogLimit {
		p.requests = append(p.requests, rec)
	} else {
		evicted := p.requests[p.reqHead]
		if p.reqIndex[evicted.RequestID] == evicted {
			delete(p.reqIndex, evicted.RequestID)
		}
		p.requests[p.reqHead] = rec
		p.reqHead = (p.reqHead + 1) % networkLogLimit
	}
	// Redirect chains reuse a request id; the index tracks the newest record.
	p.reqIndex[rec.RequestID] = rec
}

// markRequest updates the log entry for a request id. Callers hold p.mu.
func (p *Page) markRequest(requestID string, status int, failed bool) {
	rec, ok := p.reqIndex[requestID]
	if !ok {
		return
	}
	if status != 0 {
		rec.Status = status
	}
	if failed {
		rec.Failed = true
	}
}

// seedState loads the configured storage state and installs its cookies.
// Absent or invalid files are skipped; seeding never fails page creation.
func (p *Page) seedState(ctx context.Context) {
	if p.opts.StatePath == "" {
		return
	}
	state, err := storage.Load(p.opts.StatePath)
	if err != nil {
		p.logger.Debug("Storage state not seeded.", zap.String("path", p.opts.StatePath), zap.Error(err))
		return
	}
	if len(state.Cookies) == 0 {
		return
	}
	if err := p.setCookies(ctx, state.Cookies); err != nil {
		p.logger.Warn("Seeding cookies from storage state failed.", zap.Error(err))
		return
	}
	p.logger.Debug("Seeded cookies from storage state.", zap.Int("count", len(state.Cookies)))
}
