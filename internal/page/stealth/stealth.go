// Package stealth makes a headless page target look like a user-operated
// browser: a user-agent persona and an evasion script installed before any
// page script runs.
package stealth

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/cdp"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent      string
	Platform       string
	AcceptLanguage string
	Timezone       string
	Locale         string
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:       "Win32",
	AcceptLanguage: "en-US,en;q=0.9",
	Timezone:       "America/Los_Angeles",
	Locale:         "en-US",
}

// Apply installs the persona on the session. The evasion script is registered
// with Page.addScriptToEvaluateOnNewDocument so it runs before any script of
// any subsequently loaded document.
func Apply(ctx context.Context, sess *cdp.Session, p Persona, logger *zap.Logger) error {
	logger.Debug("Applying stealth persona.",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	// 1. Override the user agent and platform.
	if _, err := sess.Send(ctx, "Emulation.setUserAgentOverride", map[string]interface{}{
		"userAgent": p.UserAgent,
		"platform":  p.Platform,
	}); err != nil {
		return fmt.Errorf("stealth: user agent override: %w", err)
	}

	// 2. Register the evasion script ahead of every new document.
	if _, err := sess.Send(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]interface{}{
		"source": evasionsScript,
	}); err != nil {
		return fmt.Errorf("stealth: inject evasions script: %w", err)
	}

	// 3. Pin the timezone and locale to the persona.
	if _, err := sess.Send(ctx, "Emulation.setTimezoneOverride", map[string]interface{}{
		"timezoneId": p.Timezone,
	}); err != nil {
		return fmt.Errorf("stealth: timezone override: %w", err)
	}
	if _, err := sess.Send(ctx, "Emulation.setLocaleOverride", map[string]interface{}{
		"locale": p.Locale,
	}); err != nil {
		return fmt.Errorf("stealth: locale override: %w", err)
	}

	// 4. Keep the HTTP Accept-Language header consistent with the persona.
	if _, err := sess.Send(ctx, "Network.setExtraHTTPHeaders", map[string]interface{}{
		"headers": map[string]string{"Accept-Language": p.AcceptLanguage},
	}); err != nil {
		return fmt.Errorf("stealth: accept-language header: %w", err)
	}
	return nil
}

// Script exposes the embedded evasion source, for tests and diagnostics.
func Script() string { return evasionsScript }
