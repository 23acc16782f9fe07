// Package payment is the pass/fail payment precondition checked before a
// task's integration runs. Settlement itself happens outside this system.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	xerrors "TaskMesh-Chain/internal/errors"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/pkg/logger"
)

// AllowAll authorizes every plan.
type AllowAll struct{}

// Authorize implements task.PaymentGate.
func (AllowAll) Authorize(context.Context, string, *task.Plan) error { return nil }

// BudgetGate authorizes plans while their cumulative estimated cost stays
// within a fixed budget. Authorizing the same task twice is a no-op so that
// a redelivered task is not charged again.
type BudgetGate struct {
	mu         sync.Mutex
	budget     float64
	spent      float64
	authorized map[string]float64
	logger     *slog.Logger
}

// NewBudgetGate returns a gate with the given budget. A budget of 0 means
// unlimited.
func NewBudgetGate(budget float64) *BudgetGate {
	return &BudgetGate{
		budget:     budget,
		authorized: make(map[string]float64),
		logger:     logger.Named("payment"),
	}
}

var (
	_ task.PaymentGate = (*BudgetGate)(nil)
	_ task.PaymentGate = AllowAll{}
)

// Authorize implements task.PaymentGate.
func (g *BudgetGate) Authorize(ctx context.Context, taskID string, plan *task.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if plan == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plan is required")
	}
	cost := plan.EstimatedCost
	if cost < 0 {
		return xerrors.New(xerrors.CodePaymentDeclined, "negative cost")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.authorized[taskID]; ok {
		return nil
	}
	if g.budget > 0 && g.spent+cost > g.budget {
		g.logger.Warn("payment declined",
			slog.String("task_id", taskID),
			slog.Float64("cost", cost),
			slog.Float64("remaining", g.budget-g.spent),
		)
		return xerrors.New(xerrors.CodePaymentDeclined, "budget exhausted",
			xerrors.WithDetails(fmt.Sprintf("cost %s %s exceeds remaining budget %s",
				format(cost), plan.Currency, format(g.budget-g.spent))),
			xerrors.WithMetadata("counterparty", plan.CounterpartyID),
		)
	}
	g.spent += cost
	g.authorized[taskID] = cost
	logger.Audit().Info("payment authorized",
		slog.String("task_id", taskID),
		slog.String("counterparty", plan.CounterpartyID),
		slog.Float64("amount", cost),
		slog.String("currency", plan.Currency),
	)
	return nil
}

// Spent returns the total authorized so far.
func (g *BudgetGate) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
