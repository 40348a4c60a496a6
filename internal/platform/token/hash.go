package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// SaltSize is the per-token salt length stored alongside the hash.
const SaltSize = 16

// HashSize is the stored token hash length.
const HashSize = sha256.Size

// Hasher computes the stored token digest SHA256(pepper || plaintext || salt).
// The pepper is process-wide, read-only after construction, and never stored
// per row; rotating it invalidates all live tokens.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: []byte(pepper)}
}

// NewSalt draws a fresh 16-byte per-token salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	return salt, nil
}

// Sum hashes a plaintext token with the given salt.
func (h *Hasher) Sum(plaintext string, salt []byte) []byte {
	d := sha256.New()
	_, _ = d.Write(h.pepper)
	_, _ = d.Write([]byte(plaintext))
	_, _ = d.Write(salt)
	return d.Sum(nil)
}

// Verify compares a candidate plaintext against a stored hash in constant
// time. Length mismatch returns false without leaking timing.
func (h *Hasher) Verify(plaintext string, salt, stored []byte) bool {
	return subtle.ConstantTimeCompare(h.Sum(plaintext, salt), stored) == 1
}
