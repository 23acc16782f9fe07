package payment

import (
	"context"
	"testing"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/task"
)

func TestBudgetGate(t *testing.T) {
	gate := NewBudgetGate(1)
	ctx := context.Background()
	plan := &task.Plan{CounterpartyID: "agent-a", EstimatedCost: 0.6, Currency: "HBAR"}

	if err := gate.Authorize(ctx, "t1", plan); err != nil {
		t.Fatalf("first authorization: %v", err)
	}
	if err := gate.Authorize(ctx, "t1", plan); err != nil {
		t.Fatalf("re-authorizing the same task must be idempotent: %v", err)
	}
	if gate.Spent() != 0.6 {
		t.Fatalf("expected spent 0.6, got %g", gate.Spent())
	}

	err := gate.Authorize(ctx, "t2", plan)
	if xerrors.CodeOf(err) != xerrors.CodePaymentDeclined {
		t.Fatalf("expected PAYMENT_DECLINED, got %v", err)
	}
	if details := xerrors.DetailsOf(err); len(details) != 1 {
		t.Fatalf("expected a reason, got %v", details)
	}

	cheap := &task.Plan{CounterpartyID: "agent-b", EstimatedCost: 0.4}
	if err := gate.Authorize(ctx, "t3", cheap); err != nil {
		t.Fatalf("plan within remaining budget: %v", err)
	}
}

func TestUnlimitedBudget(t *testing.T) {
	gate := NewBudgetGate(0)
	for _, id := range []string{"a", "b", "c"} {
		if err := gate.Authorize(context.Background(), id, &task.Plan{EstimatedCost: 1e6}); err != nil {
			t.Fatalf("unlimited gate declined %s: %v", id, err)
		}
	}
	if err := (AllowAll{}).Authorize(context.Background(), "x", nil); err != nil {
		t.Fatalf("allow all: %v", err)
	}
}
