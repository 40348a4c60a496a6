package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/evidence"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
)

var errHashCollision = errors.New("token hash collision")

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	redeemDBRetryAttempts  = 3
)

func (s *TokenService) dbEnabled() bool {
	return s != nil && s.db != nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure
}

func (s *TokenService) insertTokenDB(ctx context.Context, row *withdrawalToken) error {
	const q = `
INSERT INTO tokens (id, account_id, amount, token_hash, salt, prefix, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE', $7::timestamptz, $8::timestamptz)
`
	_, err := s.db.ExecContext(ctx, q,
		row.id,
		row.accountID,
		row.amount,
		row.hash,
		row.salt,
		row.prefix,
		row.expiresAt.UTC().Format(time.RFC3339Nano),
		row.createdAt.UTC().Format(time.RFC3339Nano),
	)
	if isUniqueViolation(err) {
		return errHashCollision
	}
	return err
}

type candidateRow struct {
	id        string
	accountID string
	amount    int64
	hash      []byte
	salt      []byte
}

// redeemDBRetry re-runs the redemption transaction when REPEATABLE READ
// aborts the loser of a concurrent redeem with a serialization failure.
// The retry observes the winner's committed USED row and reports the
// conflict instead of surfacing an internal error.
func (s *TokenService) redeemDBRetry(ctx context.Context, fullToken, prefix, agentID string, meta map[string]string) (*RedeemResult, error) {
	var res *RedeemResult
	var err error
	for attempt := 0; attempt < redeemDBRetryAttempts; attempt++ {
		res, err = s.redeemDB(ctx, fullToken, prefix, agentID, meta)
		if err == nil || !isSerializationFailure(err) {
			return res, err
		}
		s.Log.Warn().
			Str("event_type", logging.EventSystem).
			Int("attempt", attempt+1).
			Msg("redemption serialization failure, retrying")
	}
	return res, failWith(KindInternal, err, "redemption retries exhausted")
}

// redeemDB is the single-transaction redemption path. Isolation is
// REPEATABLE READ; the FOR UPDATE re-read plus the status-guarded UPDATE
// and the unique transactions(token_id) index make the transition
// linearizable per token.
func (s *TokenService) redeemDB(ctx context.Context, fullToken, prefix, agentID string, meta map[string]string) (*RedeemResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, failWith(KindInternal, err, "begin redemption transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	matched, err := s.scanCandidatesTx(ctx, tx, fullToken, prefix)
	if err != nil {
		return nil, err
	}

	if matched == nil {
		// Check spent rows before declaring the plaintext unknown; replays
		// must surface as conflicts.
		spentID, spentResult, err := s.matchSpentTx(ctx, tx, fullToken, prefix)
		if err != nil {
			return nil, err
		}
		result := evidence.OutcomeInvalid
		outcome := RedeemInvalid
		if spentID != "" {
			result = spentResult
			outcome = RedeemExpiredOrUsed
		}
		if _, err := s.commitWithEvidence(ctx, tx, spentID, agentID, result, meta); err != nil {
			return nil, err
		}
		return &RedeemResult{Outcome: outcome, TokenID: spentID, AttemptResult: result}, nil
	}

	// Re-read under exclusive row lock and re-verify the gate conditions.
	const lockQ = `
SELECT status, expires_at
FROM tokens
WHERE id = $1
FOR UPDATE
`
	var status string
	var expiresAt time.Time
	if err := tx.QueryRowContext(ctx, lockQ, matched.id).Scan(&status, &expiresAt); err != nil {
		if isSerializationFailure(err) {
			return nil, err
		}
		return nil, failWith(KindInternal, err, "lock token row")
	}

	now := s.now()
	terminal := func(result evidence.Outcome) (*RedeemResult, error) {
		if _, err := s.commitWithEvidence(ctx, tx, matched.id, agentID, result, meta); err != nil {
			return nil, err
		}
		return &RedeemResult{Outcome: RedeemExpiredOrUsed, TokenID: matched.id, AttemptResult: result}, nil
	}

	if status == statusExpired {
		return terminal(evidence.OutcomeExpired)
	}
	if status != statusActive {
		return terminal(evidence.OutcomeUsed)
	}
	if !now.Before(expiresAt) {
		// Upgrade the stale row while the lock is held; redemption still
		// reports the terminal state either way.
		const expireQ = `
UPDATE tokens SET status = 'EXPIRED' WHERE id = $1 AND status = 'ACTIVE'
`
		if _, err := tx.ExecContext(ctx, expireQ, matched.id); err != nil {
			return nil, failWith(KindInternal, err, "expire stale token")
		}
		return terminal(evidence.OutcomeExpired)
	}

	// Optimistic guard: only an ACTIVE row may transition.
	const useQ = `
UPDATE tokens
SET status = 'USED', used_at = $2::timestamptz
WHERE id = $1 AND status = 'ACTIVE'
`
	res, err := tx.ExecContext(ctx, useQ, matched.id, now.Format(time.RFC3339Nano))
	if err != nil {
		if isSerializationFailure(err) {
			return nil, err
		}
		return nil, failWith(KindInternal, err, "transition token to used")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, failWith(KindInternal, err, "transition token to used")
	}
	if affected == 0 {
		return terminal(evidence.OutcomeUsed)
	}

	const ledgerQ = `
INSERT INTO transactions (id, account_id, token_id, type, amount, status, created_at)
VALUES ($1, $2, $3, 'WITHDRAWAL', $4, 'SUCCESS', $5::timestamptz)
`
	transactionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, ledgerQ, transactionID, matched.accountID, matched.id, matched.amount, now.Format(time.RFC3339Nano)); err != nil {
		if isUniqueViolation(err) {
			// A ledger row already exists for this token; the guarded
			// UPDATE should have stopped us first.
			return nil, failWith(KindInternal, err, "duplicate ledger entry for token")
		}
		return nil, failWith(KindInternal, err, "insert ledger entry")
	}

	if _, err := s.commitWithEvidence(ctx, tx, matched.id, agentID, evidence.OutcomeSuccess, meta); err != nil {
		return nil, err
	}
	return &RedeemResult{
		Outcome:       RedeemSuccess,
		TokenID:       matched.id,
		TransactionID: transactionID,
		AttemptResult: evidence.OutcomeSuccess,
	}, nil
}

// commitWithEvidence chains the attempt, inserts its row, and commits the
// transaction inside the chain's critical section, so a failed commit never
// leaves a chain link without a persisted row behind it.
func (s *TokenService) commitWithEvidence(ctx context.Context, tx *sql.Tx, tokenID, agentID string, result evidence.Outcome, meta map[string]string) (evidence.Record, error) {
	rec := evidence.Record{
		AttemptID:  uuid.NewString(),
		TokenID:    tokenID,
		AgentID:    agentID,
		Outcome:    result,
		Metadata:   meta,
		RecordedAt: s.now(),
	}
	appended, err := s.Evidence.AppendWith(rec, func(chained evidence.Record) error {
		if err := insertAttemptTx(ctx, tx, chained); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if isSerializationFailure(err) {
			return evidence.Record{}, err
		}
		return evidence.Record{}, failWith(KindInternal, err, "record attempt")
	}
	return appended, nil
}

// scanCandidatesTx selects the tiny set of ACTIVE rows sharing the prefix
// and picks the hash match with constant-time comparison. Expiry is
// deliberately not part of the scan predicate so a stale row is classified
// EXPIRED under lock instead of INVALID.
func (s *TokenService) scanCandidatesTx(ctx context.Context, tx *sql.Tx, fullToken, prefix string) (*candidateRow, error) {
	const q = `
SELECT id, account_id, amount, token_hash, salt
FROM tokens
WHERE prefix = $1 AND status = 'ACTIVE'
LIMIT $2
`
	rows, err := tx.QueryContext(ctx, q, prefix, candidateScanCap+1)
	if err != nil {
		return nil, failWith(KindInternal, err, "scan candidates")
	}
	defer rows.Close()

	var matched *candidateRow
	count := 0
	for rows.Next() {
		count++
		if count > candidateScanCap {
			return nil, fail(KindInternal, "candidate scan cap exceeded for prefix")
		}
		var c candidateRow
		if err := rows.Scan(&c.id, &c.accountID, &c.amount, &c.hash, &c.salt); err != nil {
			return nil, failWith(KindInternal, err, "scan candidate row")
		}
		if matched == nil && s.Hasher.Verify(fullToken, c.salt, c.hash) {
			matched = &c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, failWith(KindInternal, err, "iterate candidates")
	}
	return matched, nil
}

// matchSpentTx looks for the plaintext among USED and EXPIRED rows so a
// replay classifies as a conflict. Recent rows are checked first; the scan
// is bounded but never refuses outright.
func (s *TokenService) matchSpentTx(ctx context.Context, tx *sql.Tx, fullToken, prefix string) (string, evidence.Outcome, error) {
	const q = `
SELECT id, status, token_hash, salt
FROM tokens
WHERE prefix = $1 AND status <> 'ACTIVE'
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := tx.QueryContext(ctx, q, prefix, candidateScanCap+1)
	if err != nil {
		return "", "", failWith(KindInternal, err, "scan spent rows")
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		var hash, salt []byte
		if err := rows.Scan(&id, &status, &hash, &salt); err != nil {
			return "", "", failWith(KindInternal, err, "scan spent row")
		}
		if s.Hasher.Verify(fullToken, salt, hash) {
			if status == statusExpired {
				return id, evidence.OutcomeExpired, nil
			}
			return id, evidence.OutcomeUsed, nil
		}
	}
	return "", "", rows.Err()
}

func insertAttemptTx(ctx context.Context, tx *sql.Tx, rec evidence.Record) error {
	payload, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO redemption_attempts (id, token_id, agent_id, result, metadata, hash_prev, hash_curr, created_at)
VALUES ($1, NULLIF($2,'')::uuid, $3, $4, $5::jsonb, $6, $7, $8::timestamptz)
`
	_, err = tx.ExecContext(ctx, q,
		rec.AttemptID,
		rec.TokenID,
		rec.AgentID,
		string(rec.Outcome),
		string(payload),
		rec.HashPrev,
		rec.HashCurr,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// recordAttemptDB persists a standalone attempt row (risk-screened
// refusals) in its own short transaction, committed inside the evidence
// chain's critical section.
func (s *TokenService) recordAttemptDB(ctx context.Context, tokenID, agentID string, result evidence.Outcome, meta map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failWith(KindInternal, err, "begin attempt insert")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := s.commitWithEvidence(ctx, tx, tokenID, agentID, result, meta); err != nil {
		return err
	}
	return nil
}

// resolveTokenDB resolves a plaintext to its ACTIVE row without mutating
// anything; used to bind risk-screened attempts to their token and to
// gather the owning account before screening.
func (s *TokenService) resolveTokenDB(ctx context.Context, fullToken, prefix string) (*candidateRow, error) {
	const q = `
SELECT id, account_id, amount, token_hash, salt
FROM tokens
WHERE prefix = $1 AND status = 'ACTIVE'
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, prefix, candidateScanCap+1)
	if err != nil {
		return nil, failWith(KindInternal, err, "lookup token")
	}
	defer rows.Close()

	for rows.Next() {
		var c candidateRow
		if err := rows.Scan(&c.id, &c.accountID, &c.amount, &c.hash, &c.salt); err != nil {
			return nil, failWith(KindInternal, err, "scan lookup row")
		}
		if s.Hasher.Verify(fullToken, c.salt, c.hash) {
			return &c, nil
		}
	}
	return nil, rows.Err()
}

func (s *TokenService) lookupTokenDB(ctx context.Context, fullToken, prefix string) (string, error) {
	c, err := s.resolveTokenDB(ctx, fullToken, prefix)
	if err != nil || c == nil {
		return "", err
	}
	return c.id, nil
}

func (s *TokenService) sweepExpiredDB(ctx context.Context, batchSize int) (int64, error) {
	const q = `
WITH stale AS (
  SELECT ctid
  FROM tokens
  WHERE status = 'ACTIVE' AND expires_at <= $2::timestamptz
  ORDER BY expires_at ASC
  LIMIT $1
)
UPDATE tokens
SET status = 'EXPIRED'
WHERE ctid IN (SELECT ctid FROM stale)
`
	res, err := s.db.ExecContext(ctx, q, batchSize, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
