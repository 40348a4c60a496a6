// Package risk scores a redemption before the token service is allowed to
// touch the token row. The engine is a pure function over gathered history:
// identical input always yields the identical score, decision, and reasons,
// which keeps decisions replayable for audit.
package risk

import "math"

type Decision string

const (
	DecisionApprove   Decision = "APPROVE"
	DecisionChallenge Decision = "CHALLENGE"
	DecisionReject    Decision = "REJECT"
)

// Context is the historical signal snapshot gathered for one account.
// The snapshot is advisory; it is not transactionally consistent with the
// redemption that follows.
type Context struct {
	Velocity10m       int     // tokens minted in the trailing 10 minutes
	AvgAmount         float64 // mean amount of successful withdrawals, 0 if none
	FailedAttempts24h int     // non-success attempts in the trailing 24 hours
	LastIP            string  // ip of the most recent successful attempt, "" if none
	CurrentAmount     int64   // amount on the token being redeemed
}

// Metadata carries the caller-supplied evidence fields for this attempt.
type Metadata struct {
	IP       string
	DeviceID string
	Location string
}

type Assessment struct {
	Score    float64
	Decision Decision
	Reasons  []string
}

// Signal weights. Additive, capped at 1.0.
const (
	weightHighVelocity     = 0.40
	weightElevatedVelocity = 0.15
	weightLargeDeviation   = 0.30
	weightModestDeviation  = 0.15
	weightManyFailures     = 0.50
	weightSomeFailures     = 0.25
	weightIPMismatch       = 0.20
)

// Evaluate scores one redemption. Bucket upper bounds are strict-greater,
// so ties fall into the lower bucket.
func Evaluate(ctx Context, meta Metadata) Assessment {
	score := 0.0
	reasons := make([]string, 0, 4)

	switch {
	case ctx.Velocity10m > 3:
		score += weightHighVelocity
		reasons = append(reasons, "high velocity")
	case ctx.Velocity10m > 1:
		score += weightElevatedVelocity
		reasons = append(reasons, "elevated velocity")
	}

	// Deviation is undefined with no successful history; contributes zero.
	if ctx.AvgAmount > 0 {
		dev := math.Abs(float64(ctx.CurrentAmount)-ctx.AvgAmount) / ctx.AvgAmount
		switch {
		case dev > 2.0:
			score += weightLargeDeviation
			reasons = append(reasons, "significant deviation")
		case dev > 1.0:
			score += weightModestDeviation
			reasons = append(reasons, "moderate deviation")
		}
	}

	switch {
	case ctx.FailedAttempts24h > 5:
		score += weightManyFailures
		reasons = append(reasons, "excessive failures")
	case ctx.FailedAttempts24h > 2:
		score += weightSomeFailures
		reasons = append(reasons, "elevated failures")
	}

	if ctx.LastIP != "" && meta.IP != "" && ctx.LastIP != meta.IP {
		score += weightIPMismatch
		reasons = append(reasons, "ip mismatch")
	}

	score = math.Min(score, 1.0)
	score = math.Round(score*100) / 100

	return Assessment{Score: score, Decision: Decide(score), Reasons: reasons}
}

// Decide maps a score onto a decision with strict inequalities:
// score > 0.7 rejects, score < 0.3 approves, anything between challenges.
func Decide(score float64) Decision {
	switch {
	case score > 0.7:
		return DecisionReject
	case score < 0.3:
		return DecisionApprove
	default:
		return DecisionChallenge
	}
}
