// Package evidence keeps the forensic trail of redemption attempts. Records
// are append-only and hash-chained so after-the-fact tampering with the
// attempt history is detectable.
package evidence

import "time"

// Outcome is the forensic result recorded per attempt. Note USED and EXPIRED
// stay distinct here even though the protocol boundary fuses them.
type Outcome string

const (
	OutcomeSuccess        Outcome = "SUCCESS"
	OutcomeInvalid        Outcome = "INVALID"
	OutcomeUsed           Outcome = "USED"
	OutcomeExpired        Outcome = "EXPIRED"
	OutcomeRejectedByRisk Outcome = "REJECTED_BY_RISK"
	OutcomeChallenged     Outcome = "CHALLENGED"
)

// Record is one redemption attempt. TokenID is empty when no token row
// matched (malformed or unknown plaintext).
type Record struct {
	AttemptID  string
	TokenID    string
	AgentID    string
	Outcome    Outcome
	Metadata   map[string]string
	RecordedAt time.Time
	HashPrev   string
	HashCurr   string
}
