package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// IPKey buckets by source address: rate_limit:{ip}:{route}.
func IPKey(route string) KeyFunc {
	return func(r *http.Request) string {
		return "rate_limit:" + ClientIP(r) + ":" + route
	}
}

// UserKey buckets by authenticated account when one is bound, falling back
// to the source address: rate_limit:user:{userId}:{route}.
func UserKey(route string) KeyFunc {
	return func(r *http.Request) string {
		if accountID, ok := auth.AccountFromContext(r.Context()); ok {
			return "rate_limit:user:" + accountID + ":" + route
		}
		return "rate_limit:" + ClientIP(r) + ":" + route
	}
}

// ClientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Wrap guards next with the sliding window. skipSuccessful removes the
// admitted member again when the downstream handler answered below 400.
func (l *Limiter) Wrap(keyFn KeyFunc, skipSuccessful bool, log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		requestID := r.Header.Get("X-Request-Id")

		observe := func(outcome string) {
			if l.OnDecision != nil {
				l.OnDecision(r.URL.Path, outcome)
			}
		}

		d, err := l.Allow(r.Context(), key, requestID)
		if err != nil {
			observe("error")
			log.Error().
				Str("event_type", logging.EventSecurity).
				Str("request_id", requestID).
				Str("route", r.URL.Path).
				Err(err).
				Msg("rate limiter backend unreachable")
			if l.FailClosed() {
				writeLimited(w, requestID, Decision{Limit: l.cfg.MaxRequests, RetryAfter: l.cfg.Window, ResetAt: l.clock.Now().Add(l.cfg.Window)})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			observe("limited")
			log.Warn().
				Str("event_type", logging.EventSecurity).
				Str("request_id", requestID).
				Str("route", r.URL.Path).
				Str("ip", ClientIP(r)).
				Msg("rate limit exceeded")
			writeLimited(w, requestID, d)
			return
		}

		observe("allowed")
		if !skipSuccessful {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status < 400 {
			if err := l.Forget(r.Context(), d.Key, d.Member); err != nil {
				log.Error().
					Str("event_type", logging.EventError).
					Str("request_id", requestID).
					Err(err).
					Msg("release rate limit member")
			}
		}
	})
}

func writeLimited(w http.ResponseWriter, requestID string, d Decision) {
	retryAfter := int64(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":    "too many requests",
			"statusCode": http.StatusTooManyRequests,
			"requestId":  requestID,
		},
	})
}
