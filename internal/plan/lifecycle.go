package plan

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
)

// SetActive pauses (active=false) or resumes (active=true) a plan.
//
// Fails with NotOwner unless caller owns the plan, with Terminal when
// resuming a cancelled or withdrawn plan and with NoOp when the plan is
// already in the requested state. Resuming restarts the cycle clock, so a
// resumed plan owes no back-payments.
func (s *Store) SetActive(ctx context.Context, caller string, id uint64, active bool) (Plan, error) {
	var out Plan
	err := s.Exec(ctx, id, func(tx *Tx) error {
		p := tx.Plan()
		if p.Owner != caller {
			return fault.New(fault.NotOwner, id, "only the owner may pause or resume").WithCaller(caller)
		}
		if p.Status.Terminal() {
			if active {
				return fault.New(fault.Terminal, id, "cannot resume a %s plan", p.Status).WithCaller(caller)
			}
			return fault.New(fault.NoOp, id, "plan is already %s", p.Status).WithCaller(caller)
		}
		if p.Active() == active {
			return fault.New(fault.NoOp, id, "plan is already %s", p.Status).WithCaller(caller)
		}

		to, kind := StatusPaused, notify.KindPlanPaused
		if active {
			to, kind = StatusActive, notify.KindPlanResumed
		}
		out = tx.setStatus(to)

		slog.Info("plan status changed", "plan_id", id, "owner", caller, "status", to)

		s.notifier.Emit(ctx, notify.Record{
			Kind:   kind,
			PlanID: id,
			Owner:  out.Owner,
			Caller: caller,
			Asset:  out.Asset,
		})
		return nil
	})
	return out, err
}

// Cancel terminally deactivates a plan and removes it from the owner's
// active portfolio. The record is kept for historical queries.
//
// Fails with NotOwner unless caller owns the plan and with NoOp when the
// plan already reached a terminal state. activeCount drops only if the
// plan was active.
func (s *Store) Cancel(ctx context.Context, caller string, id uint64) (Plan, error) {
	var out Plan
	err := s.Exec(ctx, id, func(tx *Tx) error {
		p := tx.Plan()
		if p.Owner != caller {
			return fault.New(fault.NotOwner, id, "only the owner may cancel").WithCaller(caller)
		}
		if p.Status.Terminal() {
			return fault.New(fault.NoOp, id, "plan is already %s", p.Status).WithCaller(caller)
		}

		out = tx.setStatus(StatusCancelled)

		slog.Info("plan cancelled", "plan_id", id, "owner", caller)

		s.notifier.Emit(ctx, notify.Record{
			Kind:   notify.KindPlanCancelled,
			PlanID: id,
			Owner:  out.Owner,
			Caller: caller,
			Asset:  out.Asset,
		})
		return nil
	})
	return out, err
}

// RecordYield credits amount of yield to a plan and its owner's portfolio.
//
// Only the yield source or the administrative identity may distribute
// yield (Unauthorized otherwise). amount must be positive.
func (s *Store) RecordYield(ctx context.Context, caller string, id uint64, amount decimal.Decimal) (Plan, error) {
	if !s.reg.CanDistributeYield(caller) {
		return Plan{}, fault.New(fault.Unauthorized, id, "only the yield source or admin may distribute yield").WithCaller(caller)
	}
	if !amount.IsPositive() {
		return Plan{}, fault.New(fault.InvalidParameter, id, "yield amount must be positive, got %s", amount).WithCaller(caller)
	}

	var out Plan
	err := s.Exec(ctx, id, func(tx *Tx) error {
		out = tx.addYield(amount)

		slog.Info("yield distributed", "plan_id", id, "amount", amount.String(), "caller", caller)

		s.notifier.Emit(ctx, notify.Record{
			Kind:   notify.KindYieldDistributed,
			PlanID: id,
			Owner:  out.Owner,
			Caller: caller,
			Asset:  out.Asset,
			Amount: amount,
		})
		return nil
	})
	return out, err
}
