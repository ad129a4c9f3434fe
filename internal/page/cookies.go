package page

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/storage"
)

// CookieSource is the external credential source contract. Decryption is
// entirely the source's problem; the sink only installs what it is handed.
type CookieSource interface {
	CookiesFor(domain string) []storage.Cookie
}

// InjectCookies reads cookies for the URL's host from the source and installs
// them on the session. The leading www. is stripped before querying so
// registrable-domain cookies are visible. Best effort: failures are logged,
// never returned, and never abort a navigation pipeline.
func (p *Page) InjectCookies(ctx context.Context, rawURL string, source CookieSource) {
	if source == nil {
		return
	}
	host := hostOf(rawURL)
	if host == "" {
		p.logger.Debug("Cookie injection skipped, URL has no host.", zap.String("url", rawURL))
		return
	}

	cookies := source.CookiesFor(strings.TrimPrefix(host, "www."))
	if len(cookies) == 0 {
		return
	}
	if err := p.setCookies(ctx, cookies); err != nil {
		p.logger.Warn("Cookie injection failed.",
			zap.String("host", host), zap.Int("count", len(cookies)), zap.Error(err))
		return
	}
	p.logger.Debug("Injected cookies.", zap.String("host", host), zap.Int("count", len(cookies)))
}

func (p *Page) setCookies(ctx context.Context, cookies []storage.Cookie) error {
	params := make([]map[string]interface{}, 0, len(cookies))
	for _, c := range cookies {
		cp := map[string]interface{}{
			"name":   c.Name,
			"value":  c.Value,
			"domain": c.Domain,
		}
		if c.Path != "" {
			cp["path"] = c.Path
		}
		if c.Expires > 0 {
			cp["expires"] = c.Expires
		}
		if c.Secure {
			cp["secure"] = true
		}
		if c.HTTPOnly {
			cp["httpOnly"] = true
		}
		if c.SameSite != "" {
			cp["sameSite"] = c.SameSite
		}
		params = append(params, cp)
	}
	_, err := p.sess.Send(ctx, "Network.setCookies", map[string]interface{}{
		"cookies": params,
	})
	return err
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
