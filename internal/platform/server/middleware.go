package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/ratelimit"
)

const requestIDHeader = "X-Request-Id"

// RequestID ensures every request carries a correlation id, echoing it on
// the response. Downstream code reads it back off the request header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

type loggedWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggedWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AccessLog emits one BUSINESS line per request. Request parameters are
// never logged here; handlers log redacted context themselves.
func AccessLog(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		log.Info().
			Str("event_type", logging.EventBusiness).
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("route", r.URL.Path).
			Str("ip", ratelimit.ClientIP(r)).
			Int("status", lw.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// Recover converts handler panics into sanitized 500 responses.
func Recover(log zerolog.Logger, sanitize bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("event_type", logging.EventError).
					Str("request_id", requestID(r)).
					Str("route", r.URL.Path).
					Interface("panic", rec).
					Msg("handler panicked")
				writeError(w, requestID(r), fail(KindInternal, "internal server error"), sanitize)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
