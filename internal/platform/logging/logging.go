// Package logging configures the line-delimited JSON logger and the
// redaction policy for sensitive request fields.
package logging

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types carried on every log line as event_type.
const (
	EventSystem   = "SYSTEM"
	EventSecurity = "SECURITY"
	EventBusiness = "BUSINESS"
	EventError    = "ERROR"
)

var configureOnce sync.Once

// New builds the process logger. Lines are JSON objects with level, time
// (RFC3339) and msg; unknown levels fall back to info.
func New(level string, w io.Writer) zerolog.Logger {
	configureOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339
		zerolog.MessageFieldName = "msg"
	})
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component tags a child logger with its owning component.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Sensitive fields are dropped entirely, not masked, before serialization.
var sensitiveFields = map[string]struct{}{
	"token":         {},
	"accountid":     {},
	"token_hash":    {},
	"salt":          {},
	"password":      {},
	"authorization": {},
	"cookie":        {},
}

// Redact returns a copy of fields with every sensitive key removed.
// Matching is case-insensitive so header-cased keys are caught too.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, drop := sensitiveFields[strings.ToLower(k)]; drop {
			continue
		}
		out[k] = v
	}
	return out
}
