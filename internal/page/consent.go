package page

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/snapshot"
)

// consentAcceptVocab lists accept-control labels across the locales consent
// walls commonly ship. Matching is case-insensitive on the trimmed name.
var consentAcceptVocab = []string{
	"accept all",
	"accept all cookies",
	"accept cookies",
	"accept",
	"i accept",
	"agree",
	"i agree",
	"agree and close",
	"allow all",
	"allow cookies",
	"allow",
	"got it",
	"ok, got it",
	"understood",
	"alle akzeptieren",
	"akzeptieren",
	"zustimmen",
	"einverstanden",
	"tout accepter",
	"accepter",
	"j'accepte",
	"aceptar todo",
	"aceptar",
	"accetta tutto",
	"accetta",
	"aceitar tudo",
	"aceitar",
	"alles accepteren",
	"akkoord",
	"accepteren",
	"godta alle",
	"acceptér alle",
	"godkänn alla",
	"hyväksy kaikki",
	"zaakceptuj wszystkie",
	"souhlasím",
	"elfogadom",
}

// consentContainerVocab recognizes consent wall containers by accessible name.
var consentContainerVocab = []string{
	"cookie", "consent", "privacy", "gdpr", "datenschutz", "confidentialit",
}

// dismissConsent is a best-effort after-load pass: walk the accessibility
// tree for an accept control and click it through a JavaScript path so
// overlay layers cannot swallow the event. Failures are logged and ignored;
// consent walls must never fail a navigation.
func (p *Page) dismissConsent(ctx context.Context) bool {
	raw, err := p.sess.Send(ctx, "Accessibility.getFullAXTree", nil)
	if err != nil {
		p.logger.Debug("Consent pass could not fetch the accessibility tree.", zap.Error(err))
		return false
	}
	var result struct {
		Nodes []snapshot.RawNode `json:"nodes"`
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		p.logger.Debug("Consent pass could not decode the accessibility tree.", zap.Error(err))
		return false
	}

	root, _ := snapshot.BuildTree(result.Nodes)
	if root == nil {
		return false
	}
	target := findAcceptControl(root)
	if target == nil || target.BackendID == 0 {
		return false
	}

	if err := p.clickViaJS(ctx, target.BackendID); err != nil {
		p.logger.Debug("Consent accept click failed.",
			zap.String("control", target.Name), zap.Error(err))
		return false
	}
	p.logger.Debug("Dismissed consent wall.", zap.String("control", target.Name))
	return true
}

// findAcceptControl prefers accept controls inside containers whose name
// matches the consent vocabulary; a clearly labelled control outside one is
// still taken when nothing better exists.
func findAcceptControl(root *snapshot.Node) *snapshot.Node {
	if n := searchAccept(root, false, true); n != nil {
		return n
	}
	return searchAccept(root, false, false)
}

func searchAccept(n *snapshot.Node, inConsent, requireScope bool) *snapshot.Node {
	if !inConsent && nameMatchesAny(n.Name, consentContainerVocab) {
		inConsent = true
	}
	if (n.Role == "button" || n.Role == "link") && matchesAccept(n.Name) {
		if inConsent || !requireScope {
			return n
		}
	}
	for _, c := range n.Children {
		if found := searchAccept(c, inConsent, requireScope); found != nil {
			return found
		}
	}
	return nil
}

// matchesAccept is deliberately strict: an exact label match, or a contained
// multi-word phrase on a short label. Loose substring matching on labels like
// "ok" clicks the wrong things.
func matchesAccept(name string) bool {
	label := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(name, "!")))
	if label == "" || len(label) > 48 {
		return false
	}
	for _, phrase := range consentAcceptVocab {
		if label == phrase {
			return true
		}
		if strings.Contains(phrase, " ") && strings.Contains(label, phrase) {
			return true
		}
	}
	return false
}

func nameMatchesAny(name string, vocab []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, phrase := range vocab {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// clickViaJS resolves the backing DOM node and invokes its click() method,
// bypassing hit testing entirely.
func (p *Page) clickViaJS(ctx context.Context, backendID int64) error {
	d := &dispatcher{sess: p.sess}
	objectID, err := d.resolveObject(ctx, backendID)
	if err != nil {
		return err
	}
	_, err = d.callBool(ctx, objectID, `function() { this.click(); return true; }`)
	return err
}
