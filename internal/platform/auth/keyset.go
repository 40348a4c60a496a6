package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// HMACKeyset holds the HS256 signing keys accepted for account bearer
// tokens. Rotation works by adding the new key, flipping ActiveKID at the
// issuer, and removing the old key once its tokens have aged out.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// Lookup resolves a key id; an empty kid falls back to the active key.
func (k HMACKeyset) Lookup(kid string) ([]byte, bool) {
	if kid == "" {
		kid = k.ActiveKID
	}
	secret, ok := k.Keys[kid]
	return secret, ok
}

// ParseHMACKeyset reads an inline "kid:secret,..." list.
func ParseHMACKeyset(raw, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, secret, ok := strings.Cut(entry, ":")
		kid = strings.TrimSpace(kid)
		secret = strings.TrimSpace(secret)
		if !ok || kid == "" || secret == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt keyset entry %q", entry)
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset contains no keys")
	}
	active := strings.TrimSpace(activeKID)
	if active == "" {
		if len(keys) == 1 {
			for kid := range keys {
				active = kid
			}
		} else {
			return HMACKeyset{}, fmt.Errorf("active kid is required with multiple keys")
		}
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

type hmacKeysetFile struct {
	ActiveKID string            `json:"active_kid"`
	Keys      map[string]string `json:"keys"`
}

// LoadHMACKeysetFile reads the JSON keyset document used for rotation.
func LoadHMACKeysetFile(path string) (HMACKeyset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return HMACKeyset{}, fmt.Errorf("read jwt keyset file: %w", err)
	}
	var f hmacKeysetFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return HMACKeyset{}, fmt.Errorf("decode jwt keyset file: %w", err)
	}
	active := strings.TrimSpace(f.ActiveKID)
	if active == "" {
		active = "default"
	}
	keys := make(map[string][]byte, len(f.Keys))
	for kid, secret := range f.Keys {
		kid = strings.TrimSpace(kid)
		secret = strings.TrimSpace(secret)
		if kid == "" || secret == "" {
			continue
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return HMACKeyset{}, fmt.Errorf("jwt keyset file contains no keys")
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset file", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}
