// Package auth is the seam to the external authentication collaborators:
// account holders arrive with a bearer token minted elsewhere, and cash
// agents are provisioned with bcrypt-hashed terminal credentials.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const accountContextKey contextKey = "account"

// AccountVerifier validates HS256 bearer tokens issued by the external
// identity provider and extracts the account subject. Key material comes
// from an HMACKeyset selected by the token's kid header.
type AccountVerifier struct {
	keyset HMACKeyset
}

func NewAccountVerifier(secret string) *AccountVerifier {
	return &AccountVerifier{keyset: HMACKeyset{
		ActiveKID: "default",
		Keys:      map[string][]byte{"default": []byte(secret)},
	}}
}

func NewAccountVerifierFromKeyset(keyset HMACKeyset) *AccountVerifier {
	return &AccountVerifier{keyset: keyset}
}

// ParseAccount returns the account id carried in the token subject.
func (v *AccountVerifier) ParseAccount(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		kid, _ := token.Header["kid"].(string)
		secret, ok := v.keyset.Lookup(kid)
		if !ok {
			return nil, errors.New("unknown signing key")
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return "", errors.New("invalid bearer token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("missing subject claim")
	}
	return sub, nil
}

func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountContextKey, accountID)
}

func AccountFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountContextKey).(string)
	return v, ok && v != ""
}

// Middleware attaches the verified account to the request context. Requests
// without a bearer header pass through unauthenticated; handlers that need
// the binding check it themselves. A nil verifier disables the check.
func Middleware(verifier *AccountVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			next.ServeHTTP(w, r)
			return
		}
		accountID, err := verifier.ParseAccount(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), accountID)))
	})
}

// AgentCredentials is the bcrypt allowlist for agent terminals. Entries are
// provisioned out of band with cmd/credhash.
type AgentCredentials struct {
	hashes map[string]string
}

// ParseAgentCredentials reads an "agentId:bcryptHash" comma list. Empty
// input yields a nil allowlist, which disables the check.
func ParseAgentCredentials(raw string) (*AgentCredentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	hashes := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, ":")
		if !ok || id == "" || !strings.HasPrefix(hash, "$2") {
			return nil, errors.New("malformed agent credential entry")
		}
		hashes[id] = hash
	}
	if len(hashes) == 0 {
		return nil, nil
	}
	return &AgentCredentials{hashes: hashes}, nil
}

// Verify checks an agent secret against the provisioned hash. A nil
// allowlist accepts every agent.
func (c *AgentCredentials) Verify(agentID, secret string) bool {
	if c == nil {
		return true
	}
	hash, ok := c.hashes[agentID]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
