package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
)

// EmergencyWithdraw returns a plan's deposited total to its owner and ends
// the plan for good. A fresh plan is needed to resume investing.
//
// Deposits are paid back from where they rest: the unforwarded part from
// the deposit pool, the rest from the yield pool.
//
// Fails with NotOwner unless caller owns the plan, with Terminal when the
// plan is already cancelled or withdrawn, and with TransferFailed when the
// ledger rejects a withdrawal. The plan then stays open; an unforwarded
// part already paid back is booked as returned and a retry only moves what
// is still owed. A plan that never deposited is withdrawn without a
// transfer.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller string, planID uint64) (Receipt, error) {
	ctx = e.WithFlow(ctx)

	var rc Receipt
	err := e.plans.Exec(ctx, planID, func(tx *plan.Tx) error {
		p := tx.Plan()
		if p.Owner != caller {
			return fault.New(fault.NotOwner, planID, "only the owner may withdraw").WithCaller(caller)
		}
		if p.Status.Terminal() {
			return fault.New(fault.Terminal, planID, "plan is already %s", p.Status).WithCaller(caller)
		}

		amount := p.Owed()
		pending := decimal.Min(p.Unforwarded, amount)
		if pending.IsPositive() {
			if err := e.ledger.Transfer(ctx, p.Asset, e.pool, p.Owner, pending); err != nil {
				return fault.Wrap(fault.TransferFailed, planID, err, "withdrawal from "+e.pool+" rejected").WithCaller(caller)
			}
			if _, err := tx.ReturnUnforwarded(pending); err != nil {
				return err
			}
		}

		rest := amount.Sub(pending)
		if rest.IsPositive() {
			if err := e.ledger.Transfer(ctx, p.Asset, e.withdrawSource(), p.Owner, rest); err != nil {
				return fault.Wrap(fault.TransferFailed, planID, err, "withdrawal from "+e.withdrawSource()+" rejected").WithCaller(caller)
			}
		}

		updated, err := tx.MarkWithdrawn(rest)
		if err != nil {
			return err
		}

		r := e.notifier.Emit(ctx, notify.Record{
			Kind:   notify.KindEmergencyWithdrawal,
			PlanID: planID,
			Owner:  p.Owner,
			Caller: caller,
			Asset:  p.Asset,
			Amount: amount,
		})

		slog.Info("emergency withdrawal",
			"plan_id", planID,
			"owner", p.Owner,
			"amount", amount.String(),
			"flow", notify.FlowFrom(ctx),
		)

		rc = Receipt{
			PlanID:    planID,
			Owner:     p.Owner,
			Asset:     p.Asset,
			Amount:    amount,
			Forwarded: false,
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
