package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateSignalTable(t *testing.T) {
	cases := []struct {
		name     string
		ctx      Context
		meta     Metadata
		score    float64
		decision Decision
		reasons  []string
	}{
		{
			name:     "clean history approves",
			ctx:      Context{Velocity10m: 0, AvgAmount: 100, FailedAttempts24h: 0, CurrentAmount: 100},
			score:    0.0,
			decision: DecisionApprove,
			reasons:  []string{},
		},
		{
			name:     "elevated velocity only",
			ctx:      Context{Velocity10m: 2, AvgAmount: 100, CurrentAmount: 100},
			score:    0.15,
			decision: DecisionApprove,
			reasons:  []string{"elevated velocity"},
		},
		{
			name:     "velocity tie falls into lower bucket",
			ctx:      Context{Velocity10m: 3, AvgAmount: 100, CurrentAmount: 100},
			score:    0.15,
			decision: DecisionApprove,
			reasons:  []string{"elevated velocity"},
		},
		{
			name:     "high velocity",
			ctx:      Context{Velocity10m: 4, AvgAmount: 100, CurrentAmount: 100},
			score:    0.40,
			decision: DecisionChallenge,
			reasons:  []string{"high velocity"},
		},
		{
			name:     "moderate amount deviation",
			ctx:      Context{AvgAmount: 100, CurrentAmount: 250},
			score:    0.15,
			decision: DecisionApprove,
			reasons:  []string{"moderate deviation"},
		},
		{
			name:     "deviation exactly 2.0 stays moderate",
			ctx:      Context{AvgAmount: 100, CurrentAmount: 300},
			score:    0.15,
			decision: DecisionApprove,
			reasons:  []string{"moderate deviation"},
		},
		{
			name:     "significant amount deviation",
			ctx:      Context{AvgAmount: 100, CurrentAmount: 301},
			score:    0.30,
			decision: DecisionChallenge,
			reasons:  []string{"significant deviation"},
		},
		{
			name:     "no successful history contributes nothing",
			ctx:      Context{AvgAmount: 0, CurrentAmount: 100000},
			score:    0.0,
			decision: DecisionApprove,
			reasons:  []string{},
		},
		{
			name:     "elevated failures",
			ctx:      Context{FailedAttempts24h: 3},
			score:    0.25,
			decision: DecisionApprove,
			reasons:  []string{"elevated failures"},
		},
		{
			name:     "failures tie falls into lower bucket",
			ctx:      Context{FailedAttempts24h: 5},
			score:    0.25,
			decision: DecisionApprove,
			reasons:  []string{"elevated failures"},
		},
		{
			name:     "excessive failures challenge",
			ctx:      Context{FailedAttempts24h: 6},
			score:    0.50,
			decision: DecisionChallenge,
			reasons:  []string{"excessive failures"},
		},
		{
			name:     "ip change against last success",
			ctx:      Context{LastIP: "1.1.1.1"},
			meta:     Metadata{IP: "2.2.2.2"},
			score:    0.20,
			decision: DecisionApprove,
			reasons:  []string{"ip mismatch"},
		},
		{
			name:     "same ip is not a mismatch",
			ctx:      Context{LastIP: "1.1.1.1"},
			meta:     Metadata{IP: "1.1.1.1"},
			score:    0.0,
			decision: DecisionApprove,
			reasons:  []string{},
		},
		{
			name: "stacked signals cap at one",
			ctx: Context{
				Velocity10m:       4,
				AvgAmount:         100,
				FailedAttempts24h: 6,
				LastIP:            "1.1.1.1",
				CurrentAmount:     100,
			},
			meta:     Metadata{IP: "2.2.2.2"},
			score:    1.0,
			decision: DecisionReject,
			reasons:  []string{"high velocity", "excessive failures", "ip mismatch"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.ctx, tc.meta)
			require.InDelta(t, tc.score, got.Score, 1e-9)
			assert.Equal(t, tc.decision, got.Decision)
			assert.Equal(t, tc.reasons, got.Reasons)
		})
	}
}

func TestDecideBoundaries(t *testing.T) {
	assert.Equal(t, DecisionApprove, Decide(0.29))
	assert.Equal(t, DecisionChallenge, Decide(0.3))
	assert.Equal(t, DecisionChallenge, Decide(0.5))
	assert.Equal(t, DecisionChallenge, Decide(0.7))
	assert.Equal(t, DecisionReject, Decide(0.70001))
	assert.Equal(t, DecisionReject, Decide(1.0))
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ctx := Context{Velocity10m: 2, AvgAmount: 80, FailedAttempts24h: 4, LastIP: "10.0.0.1", CurrentAmount: 240}
	meta := Metadata{IP: "10.0.0.9"}
	first := Evaluate(ctx, meta)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Evaluate(ctx, meta))
	}
}
