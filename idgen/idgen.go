// Package idgen provides the identifier strategies used across pageclone.
//
// Tasks are keyed by UUIDv7 (time-sortable, so registry listings order
// naturally). Previews and captcha tokens use short prefixed base-36 IDs
// because they travel in URLs and JSON bodies.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Bytes >= 252 are rejected so every symbol is equally likely.
func NanoID(length int) Generator {
	return func() string {
		b := make([]byte, 0, length)
		buf := make([]byte, length+length/4+1)
		for len(b) < length {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand failed: " + err.Error())
			}
			for _, c := range buf {
				if c >= 252 {
					continue
				}
				b = append(b, alphabet[int(c)%len(alphabet)])
				if len(b) == length {
					break
				}
			}
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is used for task identifiers.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Preview generates preview record IDs ("pv_" + 16 base-36 chars).
var Preview Generator = Prefixed("pv_", NanoID(16))

// Token generates captcha tokens ("cap_" + 24 base-36 chars).
var Token Generator = Prefixed("cap_", NanoID(24))

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}

// HasShape reports whether id is prefix followed by base-36 characters only.
// Route handlers use it to reject junk before touching a store.
func HasShape(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || rest == "" || len(rest) > 64 {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if strings.IndexByte(alphabet, rest[i]) < 0 {
			return false
		}
	}
	return true
}
