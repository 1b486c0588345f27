package guard

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"testing"
)

func TestOrigin_Validate(t *testing.T) {
	// WHAT: accept/reject grid for the allowed origin.
	// WHY: only the configured origin may ever reach the fetcher.
	o, err := NewOrigin("https://Example.com")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com", true},
		{"http://example.com/about", true},
		{"HTTPS://EXAMPLE.COM/Path?q=1", true},
		{"example.com/pricing", true},
		{"https://example.com.", true},
		{"https://example.com:443/", true},
		{"http://example.com:80/", true},
		{"https://www.google.com", false},
		{"https://www.example.com", false},
		{"https://example.com.evil.net", false},
		{"https://example.com@evil.net/", false},
		{"https://example.com:8443/", false},
		{"https://example.com:80/", false},
		{"ftp://example.com", false},
		{"javascript:alert(1)", false},
		{"", false},
		{"https://", false},
	}
	for _, tt := range tests {
		err := o.Validate(tt.url)
		if got := err == nil; got != tt.want {
			t.Errorf("Validate(%q) = %v, want ok=%v", tt.url, err, tt.want)
		}
		if err != nil && !errors.Is(err, ErrRejected) {
			t.Errorf("Validate(%q) error %v does not wrap ErrRejected", tt.url, err)
		}
	}
}

func TestOrigin_RejectMessage(t *testing.T) {
	o, _ := NewOrigin("example.com")
	err := o.Validate("https://www.google.com")
	if err == nil || !strings.HasPrefix(err.Error(), "only the allowed origin may be fetched") {
		t.Fatalf("message = %v", err)
	}
	if !strings.Contains(err.Error(), "https://example.com") {
		t.Fatalf("message should name the allowed origin: %v", err)
	}
}

func TestOrigin_ExplicitPort(t *testing.T) {
	o, err := NewOrigin("http://localhost:8081")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Validate("http://LOCALHOST:8081/x"); err != nil {
		t.Fatalf("same port rejected: %v", err)
	}
	if err := o.Validate("https://localhost:8081/x"); err != nil {
		t.Fatalf("scheme variant rejected: %v", err)
	}
	if err := o.Validate("http://localhost/x"); err == nil {
		t.Fatal("default port accepted for explicit-port origin")
	}
}

func TestOrigin_DefaultPortSpelledOut(t *testing.T) {
	// WHAT: "https://x:443" behaves like "https://x", scheme variants included.
	for _, raw := range []string{"https://example.com:443", "http://example.com:80"} {
		o, err := NewOrigin(raw)
		if err != nil {
			t.Fatal(err)
		}
		if o.String() != strings.SplitN(raw, ":", 3)[0]+"://example.com" {
			t.Errorf("%s: String() = %q", raw, o)
		}
		for _, target := range []string{"http://example.com/", "https://example.com/", "example.com/a", "https://example.com:443/", "http://example.com:80/"} {
			if err := o.Validate(target); err != nil {
				t.Errorf("%s: Validate(%q) = %v", raw, target, err)
			}
		}
		if err := o.Validate("https://example.com:8443/"); err == nil {
			t.Errorf("%s: non-default port accepted", raw)
		}
	}
}

func TestOrigin_IDN(t *testing.T) {
	o, err := NewOrigin("https://bücher.example")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Validate("https://xn--bcher-kva.example/"); err != nil {
		t.Fatalf("punycode form rejected: %v", err)
	}
}

func TestNewOrigin_Invalid(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "https://"} {
		if _, err := NewOrigin(raw); !errors.Is(err, ErrBadOrigin) {
			t.Errorf("NewOrigin(%q) = %v, want ErrBadOrigin", raw, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("example.com#top")
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://example.com/" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestSameOrigin(t *testing.T) {
	mu := func(s string) *url.URL { u, _ := url.Parse(s); return u }
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://example.com/a.css", "https://EXAMPLE.com/", true},
		{"http://example.com/a.css", "https://example.com/", true},
		{"https://cdn.example.com/a.css", "https://example.com/", false},
		{"http://127.0.0.1:8080/s.css", "http://127.0.0.1:8080/", true},
		{"http://127.0.0.1:9090/s.css", "http://127.0.0.1:8080/", false},
	}
	for _, tt := range tests {
		if got := SameOrigin(mu(tt.a), mu(tt.b)); got != tt.want {
			t.Errorf("SameOrigin(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
	if SameOrigin(nil, mu("https://example.com")) {
		t.Error("nil url must not be same origin")
	}
}

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if a, ok := f[host]; ok {
		return a, nil
	}
	return nil, errors.New("no such host")
}

func TestCheckPublicHost(t *testing.T) {
	r := fakeResolver{
		"public.example":   {netip.MustParseAddr("93.184.216.34")},
		"internal.example": {netip.MustParseAddr("10.1.2.3")},
	}
	tests := []struct {
		host    string
		wantErr bool
	}{
		{"public.example", false},
		{"internal.example", true},
		{"127.0.0.1", true},
		{"[::1]", true},
		{"169.254.169.254", true},
		{"8.8.8.8", false},
		{"unresolvable.example", false},
	}
	for _, tt := range tests {
		err := CheckPublicHost(context.Background(), r, tt.host)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckPublicHost(%q) = %v, wantErr=%v", tt.host, err, tt.wantErr)
		}
	}
}

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/out", "App.jsx", false},
		{"/out", "components/Header.jsx", false},
		{"/out", "../etc/passwd", true},
		{"/out", "", true},
	}
	for _, tt := range tests {
		_, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	if _, err := LimitedReadAll(bytes.NewReader(make([]byte, 10)), 10); err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if _, err := LimitedReadAll(bytes.NewReader(make([]byte, 11)), 10); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: %v", err)
	}
}
