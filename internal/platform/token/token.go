// Package token implements the withdrawal token primitives: uniform CSPRNG
// symbol selection, the PREFIX-CORE wire shape, and the peppered, per-salt
// SHA-256 hash used to store tokens.
package token

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// Alphabet is the strict 36-symbol token alphabet. The external pattern for
// full tokens is ^[A-Z0-9]{4}-[A-Z0-9]{8}$; both halves draw from this set.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// PrefixLen is the non-secret lookup discriminator length.
	PrefixLen = 4
	// CoreLen carries the entropy: 36^8 > 2^41.
	CoreLen = 8
)

var fullPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{8}$`)

// New draws a fresh plaintext token PREFIX-CORE from crypto/rand.
func New() (string, error) {
	prefix, err := randomSymbols(PrefixLen)
	if err != nil {
		return "", err
	}
	core, err := randomSymbols(CoreLen)
	if err != nil {
		return "", err
	}
	return prefix + "-" + core, nil
}

// Split validates the wire shape and returns the prefix half. Malformed
// input is rejected before any storage lookup happens.
func Split(full string) (string, bool) {
	if !fullPattern.MatchString(full) {
		return "", false
	}
	return full[:PrefixLen], true
}

// Valid reports whether full matches the external token pattern.
func Valid(full string) bool {
	return fullPattern.MatchString(full)
}

// randomSymbols selects n symbols uniformly via rejection sampling.
// Accepting only bytes below 252 (= 7*36) keeps the modulo unbiased.
func randomSymbols(n int) (string, error) {
	const limit = byte(252)
	var b strings.Builder
	b.Grow(n)
	buf := make([]byte, n*2)
	for b.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read csprng: %w", err)
		}
		for _, c := range buf {
			if c >= limit {
				continue
			}
			b.WriteByte(Alphabet[int(c)%len(Alphabet)])
			if b.Len() == n {
				break
			}
		}
	}
	return b.String(), nil
}
