package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

func signedToken(t *testing.T, secret, sub string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(method, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestParseAccount(t *testing.T) {
	v := NewAccountVerifier("unit-secret")

	sub, err := v.ParseAccount(signedToken(t, "unit-secret", "a1111111-1111-1111-1111-111111111111", jwt.SigningMethodHS256))
	if err != nil {
		t.Fatalf("parse valid token: %v", err)
	}
	if sub != "a1111111-1111-1111-1111-111111111111" {
		t.Fatalf("subject: got=%q", sub)
	}

	if _, err := v.ParseAccount(signedToken(t, "other-secret", "a1", jwt.SigningMethodHS256)); err == nil {
		t.Fatalf("expected wrong-secret token to fail")
	}
	if _, err := v.ParseAccount(signedToken(t, "unit-secret", "", jwt.SigningMethodHS256)); err == nil {
		t.Fatalf("expected empty subject to fail")
	}
	if _, err := v.ParseAccount(signedToken(t, "unit-secret", "a1", jwt.SigningMethodHS384)); err == nil {
		t.Fatalf("expected non-HS256 method to fail")
	}
}

func TestMiddlewareBindsAccount(t *testing.T) {
	v := NewAccountVerifier("unit-secret")
	var got string
	var bound bool
	h := Middleware(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, bound = AccountFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/tokens", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "unit-secret", "acct-9", jwt.SigningMethodHS256))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !bound || got != "acct-9" {
		t.Fatalf("account binding: got=%q bound=%v", got, bound)
	}

	// No header passes through unauthenticated.
	bound = false
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/tokens", nil))
	if bound {
		t.Fatalf("expected no binding without bearer header")
	}

	// Garbage bearer is refused outright.
	rec := httptest.NewRecorder()
	badReq := httptest.NewRequest(http.MethodPost, "/tokens", nil)
	badReq.Header.Set("Authorization", "Bearer not-a-jwt")
	h.ServeHTTP(rec, badReq)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer status: got=%d want=%d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAgentCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("terminal-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	creds, err := ParseAgentCredentials("atm-1:" + string(hash))
	if err != nil {
		t.Fatalf("parse credentials: %v", err)
	}
	if !creds.Verify("atm-1", "terminal-secret") {
		t.Fatalf("expected provisioned secret to verify")
	}
	if creds.Verify("atm-1", "wrong") {
		t.Fatalf("wrong secret verified")
	}
	if creds.Verify("atm-2", "terminal-secret") {
		t.Fatalf("unknown agent verified")
	}

	if _, err := ParseAgentCredentials("atm-1"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
	empty, err := ParseAgentCredentials("  ")
	if err != nil || empty != nil {
		t.Fatalf("empty config: got=(%v,%v) want nil allowlist", empty, err)
	}
	if !empty.Verify("anyone", "anything") {
		t.Fatalf("nil allowlist must accept every agent")
	}
}
