package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
)

// ErrSSRF is returned when a host resolves to a private or loopback address.
var ErrSSRF = errors.New("guard: url targets a private or loopback address")

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("guard: path traversal detected")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("guard: body exceeds limit")

// Resolver is the subset of *net.Resolver used by CheckPublicHost.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// CheckPublicHost rejects hosts that are, or resolve to, private, loopback or
// link-local addresses. A DNS failure is let through: the dial will fail on
// its own.
func CheckPublicHost(ctx context.Context, r Resolver, host string) error {
	if r == nil {
		r = net.DefaultResolver
	}
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if isPrivate(ip) {
			return fmt.Errorf("%w: %s", ErrSSRF, host)
		}
		return nil
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if isPrivate(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRF, host, a)
		}
	}
	return nil
}

func isPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// SafePath joins base and name and fails if the result escapes base.
func SafePath(base, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, filepath.Clean("/"+name))
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}
