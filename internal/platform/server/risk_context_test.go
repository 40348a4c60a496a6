package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGatherRiskContextEmptyHistory(t *testing.T) {
	svc, _ := newTestService(t)

	rc, err := svc.GatherRiskContext(context.Background(), uuid.NewString(), 500)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if rc.Velocity10m != 0 || rc.AvgAmount != 0 || rc.FailedAttempts24h != 0 || rc.LastIP != "" {
		t.Fatalf("expected zero context, got %+v", rc)
	}
	if rc.CurrentAmount != 500 {
		t.Fatalf("current amount: got=%d want=500", rc.CurrentAmount)
	}
}

func TestGatherRiskContextAggregates(t *testing.T) {
	svc, clk := newTestService(t)
	accountID := uuid.NewString()

	redeem := func(amount int64, ip string) string {
		t.Helper()
		minted, err := svc.Mint(context.Background(), accountID, amount)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		meta := map[string]string{"ip": ip}
		res, err := svc.Redeem(context.Background(), minted.Plaintext, "agent-1", meta)
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if res.Outcome != RedeemSuccess {
			t.Fatalf("outcome: got=%s want=%s", res.Outcome, RedeemSuccess)
		}
		return minted.Plaintext
	}

	// Two old withdrawals whose mints fall outside the velocity window.
	redeem(100, "1.1.1.1")
	clk.Advance(time.Minute)
	redeem(200, "1.1.1.1")
	clk.Advance(20 * time.Minute)

	// One recently minted and redeemed token plus two replays of it.
	spent := redeem(300, "2.2.2.2")
	clk.Advance(time.Minute)
	for i := 0; i < 2; i++ {
		res, err := svc.Redeem(context.Background(), spent, "agent-1", map[string]string{"ip": "2.2.2.2"})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if res.Outcome != RedeemExpiredOrUsed {
			t.Fatalf("replay outcome: got=%s want=%s", res.Outcome, RedeemExpiredOrUsed)
		}
	}

	rc, err := svc.GatherRiskContext(context.Background(), accountID, 900)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if rc.Velocity10m != 1 {
		t.Fatalf("velocity: got=%d want=1", rc.Velocity10m)
	}
	if rc.AvgAmount != 200 {
		t.Fatalf("avg amount: got=%v want=200", rc.AvgAmount)
	}
	if rc.FailedAttempts24h != 2 {
		t.Fatalf("failed attempts: got=%d want=2", rc.FailedAttempts24h)
	}
	if rc.LastIP != "2.2.2.2" {
		t.Fatalf("last ip: got=%q want=%q", rc.LastIP, "2.2.2.2")
	}

	// Another account sees none of this history.
	other, err := svc.GatherRiskContext(context.Background(), uuid.NewString(), 900)
	if err != nil {
		t.Fatalf("gather other: %v", err)
	}
	if other.Velocity10m != 0 || other.FailedAttempts24h != 0 || other.LastIP != "" {
		t.Fatalf("expected isolated context, got %+v", other)
	}
}

func TestGatherRiskContextCountsMintsAsVelocity(t *testing.T) {
	svc, _ := newTestService(t)
	accountID := uuid.NewString()

	// A burst of mints with no redemptions at all must still register.
	for i := 0; i < 4; i++ {
		if _, err := svc.Mint(context.Background(), accountID, 100); err != nil {
			t.Fatalf("mint %d: %v", i, err)
		}
	}

	rc, err := svc.GatherRiskContext(context.Background(), accountID, 100)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if rc.Velocity10m != 4 {
		t.Fatalf("velocity10m: got=%d want=4", rc.Velocity10m)
	}
	if rc.AvgAmount != 0 {
		t.Fatalf("avg amount: got=%v want=0", rc.AvgAmount)
	}
}
