// Package ratelimit implements the sliding-window limiter over Redis sorted
// sets. Each key holds one member per admitted request, scored by arrival
// time in milliseconds; eviction of members older than the window plus a
// cardinality check decides admission.
//
// Failure policy: when Redis is unreachable the limiter fails OPEN by
// default and emits a SECURITY error log. Deployments that prefer refusing
// traffic set FailClosed.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/clock"
)

// RedisClient is the command surface the limiter needs. *redis.Client
// satisfies it; tests supply an in-memory fake.
type RedisClient interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

type Config struct {
	Window      time.Duration
	MaxRequests int
	FailClosed  bool
	// OpTimeout bounds every Redis command; defaults to 200ms.
	OpTimeout time.Duration
}

type Limiter struct {
	rdb   RedisClient
	cfg   Config
	clock clock.Clock

	// OnDecision, when set, observes every admission verdict made by Wrap.
	// Outcome is one of "allowed", "limited", "error".
	OnDecision func(route, outcome string)
}

func New(rdb RedisClient, cfg Config, clk clock.Clock) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 200 * time.Millisecond
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Limiter{rdb: rdb, cfg: cfg, clock: clk}
}

func (l *Limiter) FailClosed() bool { return l.cfg.FailClosed }

// Decision is the admission verdict plus the header material for it.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Member identifies the admitted entry so Forget can undo it.
	Member string
	Key    string
}

// Allow runs one sliding-window admission round for key. member tags the
// sorted-set entry; empty picks a fresh uuid.
func (l *Limiter) Allow(ctx context.Context, key, member string) (Decision, error) {
	if member == "" {
		member = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	now := l.clock.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - l.cfg.Window.Milliseconds()

	if err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10)).Err(); err != nil {
		return Decision{}, fmt.Errorf("evict window for %s: %w", key, err)
	}
	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("count window for %s: %w", key, err)
	}

	if count >= int64(l.cfg.MaxRequests) {
		remaining, err := l.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("ttl for %s: %w", key, err)
		}
		if remaining <= 0 {
			remaining = l.cfg.Window
		}
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(remaining),
			RetryAfter: remaining,
			Key:        key,
		}, nil
	}

	if err := l.rdb.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member}).Err(); err != nil {
		return Decision{}, fmt.Errorf("admit into %s: %w", key, err)
	}
	ttl := time.Duration((l.cfg.Window.Milliseconds()+999)/1000) * time.Second
	if err := l.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return Decision{}, fmt.Errorf("expire %s: %w", key, err)
	}

	return Decision{
		Allowed:   true,
		Limit:     l.cfg.MaxRequests,
		Remaining: l.cfg.MaxRequests - int(count) - 1,
		ResetAt:   now.Add(l.cfg.Window),
		Member:    member,
		Key:       key,
	}, nil
}

// Forget removes an admitted member, used by skip-successful wrapping.
func (l *Limiter) Forget(ctx context.Context, key, member string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	return l.rdb.ZRem(ctx, key, member).Err()
}
