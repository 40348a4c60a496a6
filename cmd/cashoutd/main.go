package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/ratelimit"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/server"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/token"
)

const (
	minTokenTTLSeconds = 60
	maxTokenTTLSeconds = 86400
)

func main() {
	os.Exit(run())
}

// run carries the exit code out through the deferred cleanups; a failed
// drain must not exit 0.
func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	environment := envOr("CASHOUT_ENV", "development")
	log := logging.New(envOr("CASHOUT_LOG_LEVEL", "info"), os.Stdout)
	log = log.With().Str("env", environment).Logger()
	production := environment == "production"

	clk := clock.RealClock{}
	httpAddr := envOr("CASHOUT_HTTP_ADDR", ":8080")
	databaseURL := envOr("CASHOUT_DATABASE_URL", "")
	redisAddr := envOr("CASHOUT_REDIS_ADDR", "")

	pepper := envOr("CASHOUT_TOKEN_PEPPER", "")
	if pepper == "" {
		if production {
			log.Fatal().
				Str("event_type", logging.EventSystem).
				Msg("CASHOUT_TOKEN_PEPPER is required in production")
		}
		log.Warn().
			Str("event_type", logging.EventSecurity).
			Msg("CASHOUT_TOKEN_PEPPER not set, hashing without a pepper")
	}

	ttlSeconds := envInt(log, "CASHOUT_TOKEN_TTL_SECONDS", 300)
	if ttlSeconds < minTokenTTLSeconds || ttlSeconds > maxTokenTTLSeconds {
		log.Fatal().
			Str("event_type", logging.EventSystem).
			Int("ttl_seconds", ttlSeconds).
			Msgf("CASHOUT_TOKEN_TTL_SECONDS must be within [%d, %d]", minTokenTTLSeconds, maxTokenTTLSeconds)
	}

	agents, err := auth.ParseAgentCredentials(envOr("CASHOUT_AGENT_CREDENTIALS", ""))
	if err != nil {
		log.Fatal().
			Str("event_type", logging.EventSystem).
			Err(err).
			Msg("parse CASHOUT_AGENT_CREDENTIALS")
	}
	if agents == nil {
		log.Warn().
			Str("event_type", logging.EventSecurity).
			Msg("no agent credentials provisioned, agent authentication disabled")
	}

	var verifier *auth.AccountVerifier
	switch {
	case envOr("CASHOUT_AUTH_JWT_KEYSET_FILE", "") != "":
		keyset, err := auth.LoadHMACKeysetFile(envOr("CASHOUT_AUTH_JWT_KEYSET_FILE", ""))
		if err != nil {
			log.Fatal().Err(err).Msg("load jwt keyset file")
		}
		verifier = auth.NewAccountVerifierFromKeyset(keyset)
	case envOr("CASHOUT_AUTH_JWT_KEYSET", "") != "":
		keyset, err := auth.ParseHMACKeyset(envOr("CASHOUT_AUTH_JWT_KEYSET", ""), envOr("CASHOUT_AUTH_JWT_ACTIVE_KID", ""))
		if err != nil {
			log.Fatal().Err(err).Msg("parse jwt keyset")
		}
		verifier = auth.NewAccountVerifierFromKeyset(keyset)
	case envOr("CASHOUT_AUTH_JWT_SECRET", "") != "":
		verifier = auth.NewAccountVerifier(envOr("CASHOUT_AUTH_JWT_SECRET", ""))
	}

	var db *sql.DB
	if databaseURL != "" {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(30 * time.Second)
		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("ping database")
		}
		defer db.Close()
		if envOr("CASHOUT_AUTO_MIGRATE", "false") == "true" {
			if err := server.EnsureSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("apply schema")
			}
		}
	} else {
		log.Warn().
			Str("event_type", logging.EventSystem).
			Msg("no database configured, running with in-memory state")
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: envOr("CASHOUT_REDIS_PASSWORD", ""),
		})
		defer rdb.Close()
	} else {
		log.Warn().
			Str("event_type", logging.EventSecurity).
			Msg("no redis configured, rate limiting disabled")
	}

	metrics := server.NewMetrics()

	svc := server.NewTokenService(clk, token.NewHasher(pepper), time.Duration(ttlSeconds)*time.Second, log, db)
	svc.Metrics = metrics
	handler := server.NewTokenHandler(svc, agents, metrics, log, production)

	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.New(rdb, ratelimit.Config{
			Window:      time.Duration(envInt(log, "CASHOUT_RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
			MaxRequests: envInt(log, "CASHOUT_RATE_LIMIT_MAX", 10),
			FailClosed:  envOr("CASHOUT_RATE_LIMIT_FAIL_CLOSED", "false") == "true",
		}, clk)
		limiter.OnDecision = metrics.ObserveRateLimit
	}
	skipSuccessful := envOr("CASHOUT_RATE_LIMIT_SKIP_SUCCESSFUL", "false") == "true"
	guard := func(keyFn ratelimit.KeyFunc, next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return limiter.Wrap(keyFn, skipSuccessful, log, next)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /tokens", guard(ratelimit.UserKey("/tokens"), http.HandlerFunc(handler.Mint)))
	mux.Handle("POST /tokens/redeem", guard(ratelimit.IPKey("/tokens/redeem"), http.HandlerFunc(handler.Redeem)))

	checks := make([]server.ReadinessCheck, 0, 2)
	if db != nil {
		checks = append(checks, server.ReadinessCheck{Name: "database", Check: db.PingContext})
	}
	if rdb != nil {
		checks = append(checks, server.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	system := server.NewSystemHandler(log, checks...)
	system.Register(mux)

	svc.StartExpirySweepWorker(ctx, 30*time.Second, 500)
	if db != nil {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.RefreshTokenCounts(ctx, db)
				}
			}
		}()
	}

	var root http.Handler = mux
	root = auth.Middleware(verifier, root)
	root = server.Recover(log, production, root)
	root = server.AccessLog(log, root)
	root = server.RequestID(root)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().
			Str("event_type", logging.EventSystem).
			Str("addr", httpAddr).
			Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().
		Str("event_type", logging.EventSystem).
		Msg("shutting down")
	return drainHTTP(log, httpServer, 10*time.Second)
}

// drainHTTP drains in-flight requests within timeout; a failed drain maps
// to a non-zero exit so supervisors see the unclean stop.
func drainHTTP(log zerolog.Logger, srv *http.Server, timeout time.Duration) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
		return 1
	}
	return 0
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(log zerolog.Logger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatal().Str("key", key).Str("value", v).Msg("invalid integer environment variable")
	}
	return n
}
