// Package budget implements the engine's spend gate: CanSpend decides
// whether an agent invocation may proceed given cumulative cost so far,
// per-scope limits, and a soft/hard budget threshold split.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/storage"
)

// Decision is CanSpend's verdict.
type Decision string

const (
	Allow    Decision = "allow"
	Warn     Decision = "warn"
	Escalate Decision = "escalate"
	Abort    Decision = "abort"
)

// Result carries the decision plus enough context for the caller to act
// on it (log, surface to HITL, or abort the workflow).
type Result struct {
	Decision   Decision
	AtPercent  float64
	SpentUSD   float64
	LimitUSD   float64
	Reason     string
}

// Enforcer gates spend against a per-task ceiling (the budget record's
// own LimitUSD, else BudgetConfig.PerTaskLimitUSD). It does not read
// BudgetConfig.PerProjectLimitUSD and checks no project-wide total.
type Enforcer struct {
	budgets storage.BudgetRepository
	cfg     *config.BudgetConfig
}

func NewEnforcer(budgets storage.BudgetRepository, cfg *config.BudgetConfig) *Enforcer {
	return &Enforcer{budgets: budgets, cfg: cfg}
}

// CanSpend checks whether amountUSD may be spent against the given task
// within workflowID. An enforcer-internal failure (e.g. the budget store
// is unreachable) always escalates — it never silently falls back to
// Allow — enforcer failures escalate rather than silently allowing spend.
func (e *Enforcer) CanSpend(ctx context.Context, workflowID, taskID string, amountUSD float64) Result {
	rec, err := e.budgets.FindByScope(ctx, workflowID, taskID)
	if err != nil && err != storage.ErrNotFound {
		slog.Error("budget enforcer failed to read spend record", "workflow_id", workflowID, "task_id", taskID, "error", err)
		return Result{Decision: Escalate, Reason: fmt.Sprintf("budget store unavailable: %v", err)}
	}

	spent := 0.0
	limit := e.cfg.PerTaskLimitUSD
	if rec != nil {
		spent = rec.SpentUSD
		if rec.LimitUSD > 0 {
			limit = rec.LimitUSD
		}
	}

	if limit <= 0 {
		// No ceiling configured for this scope: track but never block.
		return Result{Decision: Allow, SpentUSD: spent, LimitUSD: 0}
	}

	projected := spent + amountUSD
	pct := projected / limit

	switch {
	case pct >= 1.0:
		return Result{Decision: Abort, AtPercent: pct, SpentUSD: projected, LimitUSD: limit,
			Reason: "projected spend exceeds hard limit"}
	case pct >= e.cfg.SoftLimitFraction:
		return Result{Decision: Escalate, AtPercent: pct, SpentUSD: projected, LimitUSD: limit,
			Reason: fmt.Sprintf("projected spend crosses soft limit (%.0f%%)", e.cfg.SoftLimitFraction*100)}
	default:
		return Result{Decision: Allow, AtPercent: pct, SpentUSD: projected, LimitUSD: limit}
	}
}

// RecordSpend persists an incremental spend against the scope, creating
// the budget record on first use.
func (e *Enforcer) RecordSpend(ctx context.Context, workflowID, taskID string, amountUSD float64) error {
	rec, err := e.budgets.FindByScope(ctx, workflowID, taskID)
	if err == storage.ErrNotFound {
		rec = &models.BudgetRecord{
			ID:         models.NewID(),
			WorkflowID: workflowID,
			TaskID:     taskID,
			LimitUSD:   e.cfg.PerTaskLimitUSD,
		}
		rec.SpentUSD += amountUSD
		return e.budgets.Create(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("failed to read budget record: %w", err)
	}
	rec.SpentUSD += amountUSD
	return e.budgets.Update(ctx, rec)
}
