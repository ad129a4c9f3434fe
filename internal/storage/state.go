// Package storage persists browser state between runs: cookies and
// localStorage entries, serialized to a single JSON file so a session
// survives process restarts.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/net/publicsuffix"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidState marks a state file that parsed but fails validation.
var ErrInvalidState = errors.New("storage: invalid state")

// Cookie carries the fields of Network.Cookie we round-trip. Expires is a
// unix timestamp in seconds; zero means session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// State is the on-disk session snapshot. LocalStorage holds the key/value
// pairs of the origin the session was saved from.
type State struct {
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
}

// Load reads and validates a state file. The path may start with ~.
func Load(path string) (*State, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("storage: expand %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("storage: read state: %w", err)
	}
	var s State
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the state to path with owner-only permissions, creating parent
// directories as needed.
func Save(path string, s *State) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("storage: expand %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := codec.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal state: %w", err)
	}
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("storage: create state dir: %w", err)
		}
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("storage: write state: %w", err)
	}
	return nil
}

// Validate checks the structural invariants of a loaded or about-to-be-saved
// state. Cookies without a name or domain cannot be replayed.
func (s *State) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}
	for i, c := range s.Cookies {
		if c.Name == "" {
			return fmt.Errorf("%w: cookie %d has no name", ErrInvalidState, i)
		}
		if c.Domain == "" {
			return fmt.Errorf("%w: cookie %q has no domain", ErrInvalidState, c.Name)
		}
	}
	return nil
}

// CookiesFor returns the cookies applicable to host: exact domain matches,
// parent-domain cookies (".example.com" style), and anything sharing the
// host's registrable domain. A leading www. on either side is ignored.
func (s *State) CookiesFor(host string) []Cookie {
	if s == nil {
		return nil
	}
	host = canonicalHost(host)
	site := registrableDomain(host)

	var out []Cookie
	for _, c := range s.Cookies {
		cd := canonicalHost(c.Domain)
		switch {
		case cd == host:
			out = append(out, c)
		case strings.HasSuffix(host, "."+cd):
			out = append(out, c)
		case site != "" && registrableDomain(cd) == site:
			out = append(out, c)
		}
	}
	return out
}

func canonicalHost(d string) string {
	d = strings.ToLower(strings.TrimPrefix(d, "."))
	return strings.TrimPrefix(d, "www.")
}

func registrableDomain(host string) string {
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return d
}
