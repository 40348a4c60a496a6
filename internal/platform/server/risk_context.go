package server

import (
	"context"
	"time"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/evidence"
	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/risk"
)

const (
	velocityWindow = 10 * time.Minute
	failureWindow  = 24 * time.Hour
)

// GatherRiskContext assembles the account's recent behaviour for the risk
// engine: tokens minted in the last ten minutes, the historical mean
// withdrawal amount, failed attempts against the account's tokens in the
// last day, and the IP of the last successful redemption.
func (s *TokenService) GatherRiskContext(ctx context.Context, accountID string, currentAmount int64) (risk.Context, error) {
	if s.dbEnabled() {
		return s.gatherRiskContextDB(ctx, accountID, currentAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rc := risk.Context{CurrentAmount: currentAmount}

	// Velocity counts minted tokens, not settled withdrawals; a burst of
	// mints is suspicious before any of them is redeemed.
	for _, t := range s.tokens {
		if t.accountID == accountID && t.createdAt.After(now.Add(-velocityWindow)) {
			rc.Velocity10m++
		}
	}

	var sum int64
	var total int64
	for _, e := range s.ledger {
		if e.accountID != accountID {
			continue
		}
		total++
		sum += e.amount
	}
	if total > 0 {
		rc.AvgAmount = float64(sum) / float64(total)
	}

	accountToken := func(tokenID string) bool {
		t, ok := s.tokens[tokenID]
		return ok && t.accountID == accountID
	}

	var lastSuccess time.Time
	for _, a := range s.attempts {
		if a.tokenID == "" || !accountToken(a.tokenID) {
			continue
		}
		if a.result != evidence.OutcomeSuccess {
			if a.createdAt.After(now.Add(-failureWindow)) {
				rc.FailedAttempts24h++
			}
			continue
		}
		if a.createdAt.After(lastSuccess) {
			lastSuccess = a.createdAt
			rc.LastIP = a.metadata["ip"]
		}
	}
	return rc, nil
}

func (s *TokenService) gatherRiskContextDB(ctx context.Context, accountID string, currentAmount int64) (risk.Context, error) {
	rc := risk.Context{CurrentAmount: currentAmount}
	now := s.now()

	const velocityQ = `
SELECT COUNT(*)
FROM tokens
WHERE account_id = $1 AND created_at > $2::timestamptz
`
	if err := s.db.QueryRowContext(ctx, velocityQ,
		accountID,
		now.Add(-velocityWindow).Format(time.RFC3339Nano),
	).Scan(&rc.Velocity10m); err != nil {
		return risk.Context{}, failWith(KindInternal, err, "gather mint velocity")
	}

	const avgQ = `
SELECT COALESCE(AVG(amount), 0)
FROM transactions
WHERE account_id = $1
`
	if err := s.db.QueryRowContext(ctx, avgQ, accountID).Scan(&rc.AvgAmount); err != nil {
		return risk.Context{}, failWith(KindInternal, err, "gather withdrawal average")
	}

	const failuresQ = `
SELECT COUNT(*)
FROM redemption_attempts a
JOIN tokens t ON t.id = a.token_id
WHERE t.account_id = $1
  AND a.result <> 'SUCCESS'
  AND a.created_at > $2::timestamptz
`
	if err := s.db.QueryRowContext(ctx, failuresQ,
		accountID,
		now.Add(-failureWindow).Format(time.RFC3339Nano),
	).Scan(&rc.FailedAttempts24h); err != nil {
		return risk.Context{}, failWith(KindInternal, err, "gather failed attempts")
	}

	const lastIPQ = `
SELECT COALESCE(a.metadata->>'ip', '')
FROM redemption_attempts a
JOIN tokens t ON t.id = a.token_id
WHERE t.account_id = $1 AND a.result = 'SUCCESS'
ORDER BY a.created_at DESC
LIMIT 1
`
	rows, err := s.db.QueryContext(ctx, lastIPQ, accountID)
	if err != nil {
		return risk.Context{}, failWith(KindInternal, err, "gather last ip")
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&rc.LastIP); err != nil {
			return risk.Context{}, failWith(KindInternal, err, "scan last ip")
		}
	}
	if err := rows.Err(); err != nil {
		return risk.Context{}, failWith(KindInternal, err, "gather last ip")
	}
	return rc, nil
}
