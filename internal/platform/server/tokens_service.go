package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/evidence"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/token"
)

const (
	statusActive  = "ACTIVE"
	statusUsed    = "USED"
	statusExpired = "EXPIRED"
)

// RedeemOutcome is the protocol-level verdict. USED and EXPIRED are fused
// here; the attempt row keeps them distinct.
type RedeemOutcome string

const (
	RedeemSuccess       RedeemOutcome = "SUCCESS"
	RedeemInvalid       RedeemOutcome = "INVALID"
	RedeemExpiredOrUsed RedeemOutcome = "EXPIRED_OR_USED"
)

const (
	// maxMintAttempts bounds the retry loop on token_hash collisions.
	maxMintAttempts = 3
	// candidateScanCap is the hard cap on same-prefix candidates; beyond it
	// the redemption is refused rather than scanned.
	candidateScanCap = 32

	mintTimeout   = 2 * time.Second
	redeemTimeout = 5 * time.Second
)

type withdrawalToken struct {
	id        string
	accountID string
	amount    int64
	hash      []byte
	salt      []byte
	prefix    string
	status    string
	expiresAt time.Time
	usedAt    *time.Time
	createdAt time.Time
}

type ledgerEntry struct {
	id        string
	accountID string
	tokenID   string
	amount    int64
	createdAt time.Time
}

type attemptRow struct {
	id        string
	tokenID   string
	agentID   string
	result    evidence.Outcome
	metadata  map[string]string
	createdAt time.Time
}

// TokenService owns every Token row mutation plus the withdrawal ledger and
// attempt evidence written around them. Like the rest of the platform
// services it runs with or without a database handle: without one, state
// lives in maps under the service mutex, which makes the in-memory mode
// trivially linearizable per token.
type TokenService struct {
	Clock    clock.Clock
	Hasher   *token.Hasher
	Evidence *evidence.Log
	Metrics  *Metrics
	Log      zerolog.Logger
	TTL      time.Duration

	mu        sync.Mutex
	tokens    map[string]*withdrawalToken
	hashIndex map[string]string // hex(token_hash) -> token id, stands in for the unique index
	ledger    map[string]*ledgerEntry
	attempts  []attemptRow
	db        *sql.DB
}

func NewTokenService(clk clock.Clock, hasher *token.Hasher, ttl time.Duration, log zerolog.Logger, db ...*sql.DB) *TokenService {
	var handle *sql.DB
	if len(db) > 0 {
		handle = db[0]
	}
	return &TokenService{
		Clock:     clk,
		Hasher:    hasher,
		Evidence:  evidence.NewLog(),
		Log:       logging.Component(log, "token_service"),
		TTL:       ttl,
		tokens:    make(map[string]*withdrawalToken),
		hashIndex: make(map[string]string),
		ledger:    make(map[string]*ledgerEntry),
		db:        handle,
	}
}

func (s *TokenService) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

type MintResult struct {
	ID        string
	Plaintext string
	Amount    int64
	ExpiresAt time.Time
}

// Mint issues a fresh single-use withdrawal token. The plaintext in the
// result is the only copy that will ever exist; it is not persisted or
// logged anywhere.
func (s *TokenService) Mint(ctx context.Context, accountID string, amount int64) (*MintResult, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		s.Metrics.ObserveMint("invalid")
		return nil, fail(KindInvalidArgument, "accountId must be a uuid")
	}
	if amount < 1 {
		s.Metrics.ObserveMint("invalid")
		return nil, fail(KindInvalidArgument, "amount must be a positive integer")
	}

	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		plaintext, err := token.New()
		if err != nil {
			s.Metrics.ObserveMint("error")
			return nil, failWith(KindInternal, err, "draw token")
		}
		salt, err := token.NewSalt()
		if err != nil {
			s.Metrics.ObserveMint("error")
			return nil, failWith(KindInternal, err, "draw salt")
		}

		now := s.now()
		row := &withdrawalToken{
			id:        uuid.NewString(),
			accountID: accountID,
			amount:    amount,
			hash:      s.Hasher.Sum(plaintext, salt),
			salt:      salt,
			prefix:    plaintext[:token.PrefixLen],
			status:    statusActive,
			expiresAt: now.Add(s.TTL),
			createdAt: now,
		}

		err = s.insertToken(ctx, row)
		if err == errHashCollision {
			s.Log.Warn().
				Str("event_type", logging.EventSystem).
				Int("attempt", attempt+1).
				Msg("token hash collision, re-drawing")
			continue
		}
		if err != nil {
			s.Metrics.ObserveMint("error")
			return nil, failWith(KindInternal, err, "persist token")
		}

		s.Metrics.ObserveMint("success")
		return &MintResult{ID: row.id, Plaintext: plaintext, Amount: amount, ExpiresAt: row.expiresAt}, nil
	}

	s.Metrics.ObserveMint("error")
	return nil, fail(KindInternal, "token collision retries exhausted")
}

func (s *TokenService) insertToken(ctx context.Context, row *withdrawalToken) error {
	if s.dbEnabled() {
		return s.insertTokenDB(ctx, row)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hex.EncodeToString(row.hash)
	if _, exists := s.hashIndex[key]; exists {
		return errHashCollision
	}
	s.tokens[row.id] = row
	s.hashIndex[key] = row.id
	return nil
}

type RedeemResult struct {
	Outcome       RedeemOutcome
	TokenID       string
	TransactionID string
	// AttemptResult is the forensic result recorded on the attempt row;
	// empty for malformed input, which never reaches storage.
	AttemptResult evidence.Outcome
}

// Redeem settles one presented token inside a single transaction boundary:
// token state transition, ledger entry, and attempt evidence commit or roll
// back together. A replay of the same plaintext observes the USED row and
// comes back EXPIRED_OR_USED, never a second ledger entry.
func (s *TokenService) Redeem(ctx context.Context, fullToken, agentID string, meta map[string]string) (*RedeemResult, error) {
	prefix, ok := token.Split(fullToken)
	if !ok {
		// Malformed input is rejected before any storage access.
		s.Metrics.ObserveRedemption(string(RedeemInvalid), 0)
		return &RedeemResult{Outcome: RedeemInvalid}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, redeemTimeout)
	defer cancel()

	start := time.Now()
	var res *RedeemResult
	var err error
	if s.dbEnabled() {
		res, err = s.redeemDBRetry(ctx, fullToken, prefix, agentID, meta)
	} else {
		res, err = s.redeemMem(fullToken, prefix, agentID, meta)
	}
	if err != nil {
		s.Metrics.ObserveRedemption("error", time.Since(start).Seconds())
		return nil, err
	}
	s.Metrics.ObserveRedemption(string(res.Outcome), time.Since(start).Seconds())
	if res.Outcome != RedeemSuccess {
		s.Log.Warn().
			Str("event_type", logging.EventSecurity).
			Str("agent_id", agentID).
			Str("outcome", string(res.Outcome)).
			Str("attempt_result", string(res.AttemptResult)).
			Msg("redemption refused")
	}
	return res, nil
}

// appendEvidence chains the attempt before it is persisted so the stored
// row carries its chain hashes.
func (s *TokenService) appendEvidence(tokenID, agentID string, result evidence.Outcome, meta map[string]string) (evidence.Record, error) {
	rec := evidence.Record{
		AttemptID:  uuid.NewString(),
		TokenID:    tokenID,
		AgentID:    agentID,
		Outcome:    result,
		Metadata:   meta,
		RecordedAt: s.now(),
	}
	appended, err := s.Evidence.Append(rec)
	if err != nil {
		return evidence.Record{}, failWith(KindInternal, err, "append attempt evidence")
	}
	return appended, nil
}

func (s *TokenService) redeemMem(fullToken, prefix, agentID string, meta map[string]string) (*RedeemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Candidate scan over (prefix, ACTIVE). Expiry is checked on the match,
	// not in the scan, so a stale-but-unswept row still reports EXPIRED
	// rather than INVALID.
	var matched *withdrawalToken
	candidates := 0
	for _, t := range s.tokens {
		if t.prefix != prefix || t.status != statusActive {
			continue
		}
		candidates++
		if candidates > candidateScanCap {
			return nil, fail(KindInternal, "candidate scan cap exceeded for prefix")
		}
		if matched == nil && s.Hasher.Verify(fullToken, t.salt, t.hash) {
			matched = t
		}
	}

	if matched == nil {
		// The plaintext may belong to a spent row; a replay must read as a
		// conflict, not as an unknown token.
		for _, t := range s.tokens {
			if t.prefix != prefix || t.status == statusActive {
				continue
			}
			if s.Hasher.Verify(fullToken, t.salt, t.hash) {
				result := evidence.OutcomeUsed
				if t.status == statusExpired {
					result = evidence.OutcomeExpired
				}
				if err := s.recordAttemptMem(t.id, agentID, result, meta); err != nil {
					return nil, err
				}
				return &RedeemResult{Outcome: RedeemExpiredOrUsed, TokenID: t.id, AttemptResult: result}, nil
			}
		}
		if err := s.recordAttemptMem("", agentID, evidence.OutcomeInvalid, meta); err != nil {
			return nil, err
		}
		return &RedeemResult{Outcome: RedeemInvalid, AttemptResult: evidence.OutcomeInvalid}, nil
	}

	if !now.Before(matched.expiresAt) {
		// Side-effect upgrade keeps the row and the gauges honest.
		matched.status = statusExpired
		if err := s.recordAttemptMem(matched.id, agentID, evidence.OutcomeExpired, meta); err != nil {
			return nil, err
		}
		return &RedeemResult{Outcome: RedeemExpiredOrUsed, TokenID: matched.id, AttemptResult: evidence.OutcomeExpired}, nil
	}

	usedAt := now
	matched.status = statusUsed
	matched.usedAt = &usedAt

	if _, exists := s.ledger[matched.id]; exists {
		return nil, fail(KindInternal, "ledger entry already exists for token")
	}
	entry := &ledgerEntry{
		id:        uuid.NewString(),
		accountID: matched.accountID,
		tokenID:   matched.id,
		amount:    matched.amount,
		createdAt: now,
	}
	s.ledger[matched.id] = entry

	if err := s.recordAttemptMem(matched.id, agentID, evidence.OutcomeSuccess, meta); err != nil {
		return nil, err
	}
	return &RedeemResult{
		Outcome:       RedeemSuccess,
		TokenID:       matched.id,
		TransactionID: entry.id,
		AttemptResult: evidence.OutcomeSuccess,
	}, nil
}

func (s *TokenService) recordAttemptMem(tokenID, agentID string, result evidence.Outcome, meta map[string]string) error {
	rec, err := s.appendEvidence(tokenID, agentID, result, meta)
	if err != nil {
		return err
	}
	s.attempts = append(s.attempts, attemptRow{
		id:        rec.AttemptID,
		tokenID:   tokenID,
		agentID:   agentID,
		result:    result,
		metadata:  meta,
		createdAt: rec.RecordedAt,
	})
	return nil
}

// ResolveToken maps a plaintext onto its ACTIVE row without mutating it,
// so the risk layer can screen against the owning account before the
// redemption transaction starts. A miss is (found=false, nil error).
func (s *TokenService) ResolveToken(ctx context.Context, fullToken string) (tokenID, accountID string, amount int64, found bool, err error) {
	prefix, ok := token.Split(fullToken)
	if !ok {
		return "", "", 0, false, nil
	}
	if s.dbEnabled() {
		c, err := s.resolveTokenDB(ctx, fullToken, prefix)
		if err != nil || c == nil {
			return "", "", 0, false, err
		}
		return c.id, c.accountID, c.amount, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.prefix == prefix && t.status == statusActive && s.Hasher.Verify(fullToken, t.salt, t.hash) {
			return t.id, t.accountID, t.amount, true, nil
		}
	}
	return "", "", 0, false, nil
}

// RecordScreenedAttempt writes the evidence row for an attempt the risk
// layer stopped before redemption. The token is resolved read-only so the
// row can be bound to it when the plaintext is genuine.
func (s *TokenService) RecordScreenedAttempt(ctx context.Context, fullToken, agentID string, result evidence.Outcome, meta map[string]string) error {
	prefix, ok := token.Split(fullToken)
	if !ok {
		return fail(KindInvalidArgument, "malformed token")
	}
	if s.dbEnabled() {
		tokenID, err := s.lookupTokenDB(ctx, fullToken, prefix)
		if err != nil {
			return err
		}
		return s.recordAttemptDB(ctx, tokenID, agentID, result, meta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tokenID := ""
	for _, t := range s.tokens {
		if t.prefix == prefix && s.Hasher.Verify(fullToken, t.salt, t.hash) {
			tokenID = t.id
			break
		}
	}
	return s.recordAttemptMem(tokenID, agentID, result, meta)
}

// SweepExpiredTokens upgrades ACTIVE rows past expires_at to EXPIRED in
// batches. Redemption never depends on the sweep; it re-checks expiry
// itself.
func (s *TokenService) SweepExpiredTokens(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if s.dbEnabled() {
		return s.sweepExpiredDB(ctx, batchSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var upgraded int64
	for _, t := range s.tokens {
		if t.status == statusActive && !now.Before(t.expiresAt) {
			t.status = statusExpired
			upgraded++
			if upgraded >= int64(batchSize) {
				break
			}
		}
	}
	return upgraded, nil
}

// StartExpirySweepWorker runs SweepExpiredTokens on a ticker until ctx ends.
func (s *TokenService) StartExpirySweepWorker(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					upgraded, err := s.SweepExpiredTokens(ctx, batchSize)
					s.Metrics.ObserveExpirySweep(upgraded, err)
					if err != nil {
						s.Log.Error().
							Str("event_type", logging.EventError).
							Err(err).
							Msg("expiry sweep failed")
						break
					}
					if upgraded == 0 || upgraded < int64(batchSize) {
						break
					}
				}
			}
		}
	}()
}
