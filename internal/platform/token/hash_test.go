package token

import (
	"bytes"
	"testing"
)

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher("test-pepper")
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	if len(salt) != SaltSize {
		t.Fatalf("salt length: got=%d want=%d", len(salt), SaltSize)
	}

	stored := h.Sum("A1B2-C3D4E5F6", salt)
	if len(stored) != HashSize {
		t.Fatalf("hash length: got=%d want=%d", len(stored), HashSize)
	}
	if !h.Verify("A1B2-C3D4E5F6", salt, stored) {
		t.Fatalf("expected round-trip verification to pass")
	}
	if h.Verify("A1B2-C3D4E5F7", salt, stored) {
		t.Fatalf("near-miss plaintext verified")
	}
}

func TestHasherSaltAndPepperChangeDigest(t *testing.T) {
	h := NewHasher("pepper-a")
	other := NewHasher("pepper-b")
	salt1, _ := NewSalt()
	salt2, _ := NewSalt()

	base := h.Sum("A1B2-C3D4E5F6", salt1)
	if bytes.Equal(base, h.Sum("A1B2-C3D4E5F6", salt2)) {
		t.Fatalf("different salts produced identical digests")
	}
	if bytes.Equal(base, other.Sum("A1B2-C3D4E5F6", salt1)) {
		t.Fatalf("different peppers produced identical digests")
	}
}

func TestVerifyRejectsTruncatedStoredHash(t *testing.T) {
	h := NewHasher("pepper")
	salt, _ := NewSalt()
	stored := h.Sum("A1B2-C3D4E5F6", salt)
	if h.Verify("A1B2-C3D4E5F6", salt, stored[:HashSize-1]) {
		t.Fatalf("truncated stored hash verified")
	}
}
