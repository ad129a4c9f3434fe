package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/browser"
	"github.com/xkilldash9x/pagescope/internal/cdp"
	"github.com/xkilldash9x/pagescope/internal/config"
	"github.com/xkilldash9x/pagescope/internal/page"
	"github.com/xkilldash9x/pagescope/internal/snapshot"
	"github.com/xkilldash9x/pagescope/internal/storage"
)

// openPage brings up one attached page handle from the resolved configuration:
// either an owned headless child or an already-running browser on the
// configured debug port. The returned cleanup tears everything down.
func openPage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*page.Page, func(), error) {
	var (
		proc  *browser.Process
		wsURL string
		err   error
	)

	if cfg.Browser().DebugPort > 0 {
		wsURL, err = browser.ConnectExisting(ctx, cfg.Browser().DebugPort)
		if err != nil {
			return nil, nil, err
		}
	} else {
		launchOpts := browser.LaunchOptions{Proxy: cfg.Browser().Proxy}
		if cfg.Browser().Binary != "" {
			proc, err = browser.LaunchBinary(ctx, cfg.Browser().Binary, launchOpts, logger)
		} else {
			proc, err = browser.Launch(ctx, launchOpts, logger)
		}
		if err != nil {
			return nil, nil, err
		}
		wsURL = proc.WebSocketURL
	}

	conn, err := cdp.Dial(ctx, wsURL, logger)
	if err != nil {
		if proc != nil {
			_ = proc.Kill()
		}
		return nil, nil, fmt.Errorf("dial browser: %w", err)
	}

	opts := page.Options{
		Headless:          proc != nil,
		FallbackPort:      cfg.Browser().FallbackPort,
		ConsentPolicy:     cfg.Page().DismissConsent,
		NavigationTimeout: cfg.Page().NavigationTimeout,
		SnapshotMode:      snapshot.Mode(cfg.Snapshot().Mode),
		SnapshotContext:   cfg.Snapshot().Context,
		StatePath:         cfg.Storage().StatePath,
	}
	if v := cfg.Browser().Viewport; v.Width > 0 && v.Height > 0 {
		opts.Viewport = &page.Viewport{Width: v.Width, Height: v.Height}
	}
	// The state file doubles as the cookie source for the fallback rebuild.
	if opts.StatePath != "" {
		if state, err := storage.Load(opts.StatePath); err == nil {
			opts.Source = state
		}
	}

	p, err := page.Attach(ctx, conn, proc, opts, logger)
	if err != nil {
		conn.Close()
		if proc != nil {
			_ = proc.Kill()
		}
		return nil, nil, fmt.Errorf("attach page: %w", err)
	}

	cleanup := func() { _ = p.Close() }
	return p, cleanup, nil
}
