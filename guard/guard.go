// Package guard decides which URLs pageclone may touch.
//
// Origin enforces the single allow-listed origin: exact host, compared
// case-insensitively after IDNA normalisation, with http and https treated
// alike. Port rules: when the configured origin names a port, the target's
// effective port must equal it; otherwise the target must sit on its own
// scheme's default port.
//
// The package also carries the SSRF and bounded-I/O helpers the fetcher and
// the CLI rely on.
package guard

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrRejected is wrapped by every Validate failure. Its text is surfaced
// verbatim to API callers.
var ErrRejected = errors.New("only the allowed origin may be fetched")

// ErrBadOrigin is returned by NewOrigin for an unusable configuration.
var ErrBadOrigin = errors.New("guard: invalid allowed origin")

// Origin is the single origin fetches are allowed to reach.
type Origin struct {
	scheme string // scheme of the configured origin, used by URL()
	host   string // lowercased ASCII hostname
	port   string // explicit port or ""
}

// NewOrigin parses the configured origin. A bare host ("example.com") is
// read as https, and the scheme's default port is dropped. Paths, queries
// and fragments are ignored.
func NewOrigin(raw string) (*Origin, error) {
	u, err := parseLoose(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadOrigin, raw, err)
	}
	host, err := normaliseHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadOrigin, raw, err)
	}
	port := u.Port()
	// A spelled-out default port is the same origin as no port.
	if port == defaultPort(u.Scheme) {
		port = ""
	}
	return &Origin{scheme: u.Scheme, host: host, port: port}, nil
}

// Validate returns nil when target points at the allowed origin. Otherwise
// it returns an error wrapping ErrRejected with a readable reason.
func (o *Origin) Validate(target string) error {
	if strings.TrimSpace(target) == "" {
		return o.reject("empty url")
	}
	u, err := parseLoose(target)
	if err != nil {
		return o.reject(err.Error())
	}
	host, err := normaliseHost(u.Hostname())
	if err != nil {
		return o.reject(err.Error())
	}
	if host != o.host {
		return o.reject(fmt.Sprintf("host %q is not allowed", host))
	}
	port := effectivePort(u)
	if o.port != "" {
		if port != o.port {
			return o.reject(fmt.Sprintf("port %s is not allowed", port))
		}
	} else if u.Port() != "" && u.Port() != defaultPort(u.Scheme) {
		return o.reject(fmt.Sprintf("port %s is not allowed", u.Port()))
	}
	return nil
}

// ValidateURL is Validate for an already-parsed URL, used on redirects.
func (o *Origin) ValidateURL(u *url.URL) error {
	return o.Validate(u.String())
}

func (o *Origin) reject(reason string) error {
	return fmt.Errorf("%w (allowed: %s): %s", ErrRejected, o, reason)
}

// String returns the origin as scheme://host[:port].
func (o *Origin) String() string {
	if o.port != "" {
		return o.scheme + "://" + o.host + ":" + o.port
	}
	return o.scheme + "://" + o.host
}

// Normalize turns an accepted target into an absolute URL string, filling
// in https for bare hosts. Callers must Validate first.
func Normalize(target string) (string, error) {
	u, err := parseLoose(target)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	return u.String(), nil
}

// SameOrigin reports whether a and b share host and effective port,
// ignoring the scheme. Used for stylesheet filtering.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	ha, errA := normaliseHost(a.Hostname())
	hb, errB := normaliseHost(b.Hostname())
	if errA != nil || errB != nil || ha != hb {
		return false
	}
	pa, pb := a.Port(), b.Port()
	if pa == "" && pb == "" {
		return true
	}
	return effectivePort(a) == effectivePort(b)
}

func parseLoose(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed url")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q is not supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

func normaliseHost(h string) (string, error) {
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if h == "" {
		return "", fmt.Errorf("url has no host")
	}
	if ip, err := netip.ParseAddr(h); err == nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("invalid host %q", h)
	}
	return ascii, nil
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	return defaultPort(u.Scheme)
}
