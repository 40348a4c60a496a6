package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEmitsJSONLinesWithEventFields(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New("debug", &buf), "token_service")
	log.Info().Str("event_type", EventBusiness).Str("request_id", "req-1").Msg("token minted")

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %v line=%q", err, line)
	}
	for _, k := range []string{"level", "time", "msg", "event_type", "component", "request_id"} {
		if _, ok := entry[k]; !ok {
			t.Fatalf("log line missing %q: %s", k, line)
		}
	}
	if entry["event_type"] != EventBusiness {
		t.Fatalf("event_type: got=%v want=%v", entry["event_type"], EventBusiness)
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("shouting", &buf)
	log.Debug().Msg("hidden")
	log.Info().Msg("visible")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line emitted at fallback level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("info line missing at fallback level: %s", buf.String())
	}
}

func TestRedactDropsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"token":      "A1B2-C3D4E5F6",
		"accountId":  "a1111111-1111-1111-1111-111111111111",
		"token_hash": "deadbeef",
		"salt":       "00ff",
		"password":   "hunter2",
		"Cookie":     "session=1",
		"agentId":    "atm-1",
		"route":      "/tokens/redeem",
	}
	out := Redact(in)
	if len(out) != 2 {
		t.Fatalf("redacted map size: got=%d want=2 map=%v", len(out), out)
	}
	if out["agentId"] != "atm-1" || out["route"] != "/tokens/redeem" {
		t.Fatalf("non-sensitive fields mangled: %v", out)
	}
	// Input stays untouched.
	if in["token"] != "A1B2-C3D4E5F6" {
		t.Fatalf("redact mutated its input")
	}
}
