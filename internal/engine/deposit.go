package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
)

// ExecuteDeposit executes one cycle of a plan.
//
// Fails with PlanNotFound, PlanInactive or NotDue before any funds move,
// and with TransferFailed when the ledger rejects the pull. In every failure
// case the plan is left exactly as it was.
//
// If the forward to the yield pool fails after the pull succeeded, the
// deposit stays recorded (the owner's funds did move), the plan keeps it as
// unforwarded and the receipt reports Forwarded=false.
func (e *Engine) ExecuteDeposit(ctx context.Context, planID uint64) (Receipt, error) {
	ctx = e.WithFlow(ctx)

	var rc Receipt
	err := e.plans.Exec(ctx, planID, func(tx *plan.Tx) error {
		p := tx.Plan()
		if !p.Active() {
			return fault.New(fault.PlanInactive, planID, "plan is %s", p.Status)
		}
		if !tx.IsDue() {
			return fault.New(fault.NotDue, planID, "next deposit due at %s", p.NextDue().Format(time.RFC3339))
		}

		if err := e.ledger.TransferFrom(ctx, p.Asset, p.Owner, e.pool, p.DepositAmount); err != nil {
			return fault.Wrap(fault.TransferFailed, planID, err, "pull from owner rejected")
		}

		// Funds moved: nothing below may abort the execution.
		updated, err := tx.RecordDeposit(p.DepositAmount)
		if err != nil {
			return err
		}

		forwarded := e.forward(context.WithoutCancel(ctx), p)
		if forwarded {
			if updated, err = tx.MarkForwarded(p.DepositAmount); err != nil {
				return err
			}
		}

		r := e.notifier.Emit(ctx, notify.Record{
			Kind:      notify.KindDepositExecuted,
			PlanID:    planID,
			Owner:     p.Owner,
			Asset:     p.Asset,
			Amount:    p.DepositAmount,
			Timestamp: updated.LastExecution,
		})

		slog.Info("deposit executed",
			"plan_id", planID,
			"owner", p.Owner,
			"asset", p.Asset,
			"amount", p.DepositAmount.String(),
			"forwarded", forwarded,
			"flow", notify.FlowFrom(ctx),
		)

		rc = Receipt{
			PlanID:    planID,
			Owner:     p.Owner,
			Asset:     p.Asset,
			Amount:    p.DepositAmount,
			Forwarded: forwarded,
			Plan:      updated,
			RecordID:  r.ID,
			Flow:      notify.FlowFrom(ctx),
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return rc, nil
}

// forward moves a recorded deposit from the pool to the yield pool.
func (e *Engine) forward(ctx context.Context, p plan.Plan) bool {
	if e.yieldPool == "" || e.yieldPool == e.pool {
		return false
	}
	if err := e.ledger.Transfer(ctx, p.Asset, e.pool, e.yieldPool, p.DepositAmount); err != nil {
		slog.Warn("forward to yield pool failed",
			"plan_id", p.ID,
			"asset", p.Asset,
			"amount", p.DepositAmount.String(),
			"error", err,
		)
		return false
	}
	return true
}

// Skip is a batch item that did not execute.
type Skip struct {
	PlanID uint64     `json:"plan_id"`
	Code   fault.Code `json:"code"`
	Reason string     `json:"reason"`
}

// BatchResult reports the outcome of every batch item.
type BatchResult struct {
	Executed []Receipt `json:"executed"`
	Skipped  []Skip    `json:"skipped"`
}

// ExecutedIDs returns the ids that executed, in batch order.
func (b BatchResult) ExecutedIDs() []uint64 {
	ids := make([]uint64, len(b.Executed))
	for i, r := range b.Executed {
		ids[i] = r.PlanID
	}
	return ids
}

// SkippedIDs returns the ids that were skipped, in batch order.
func (b BatchResult) SkippedIDs() []uint64 {
	ids := make([]uint64, len(b.Skipped))
	for i, s := range b.Skipped {
		ids[i] = s.PlanID
	}
	return ids
}

// ExecuteBatch executes every id in order, best-effort.
//
// Each item is checked for active and due when it runs, not up front. A
// failing item is recorded as a skip and the batch moves on; items that
// already executed are never rolled back. Callers retry skipped ids on the
// next cycle.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []uint64) BatchResult {
	ctx = e.WithFlow(ctx)

	res := BatchResult{
		Executed: make([]Receipt, 0, len(ids)),
		Skipped:  []Skip{},
	}
	for _, id := range ids {
		rc, err := e.ExecuteDeposit(ctx, id)
		if err != nil {
			slog.Warn("batch item skipped",
				"plan_id", id,
				"code", fault.CodeOf(err),
				"error", err,
				"flow", notify.FlowFrom(ctx),
			)
			res.Skipped = append(res.Skipped, Skip{PlanID: id, Code: fault.CodeOf(err), Reason: err.Error()})
			continue
		}
		res.Executed = append(res.Executed, rc)
	}

	slog.Info("batch finished",
		"requested", len(ids),
		"executed", len(res.Executed),
		"skipped", len(res.Skipped),
	)
	return res
}
