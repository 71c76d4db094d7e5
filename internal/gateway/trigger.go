package gateway

import (
	"context"
	"log/slog"

	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
)

// Trigger asks for one plan to be executed now.
//
// Checks run in order: the plan must exist (PlanNotFound), caller must be
// the owner or an authorized agent (Unauthorized), and the plan's cooldown
// must have elapsed (RateLimited). An accepted attempt is recorded in the
// rate limit ledger whether or not the deposit then executes, and the
// engine enforces due-ness independently. Every rejection, including the
// engine's, emits a trigger_rejected record.
func (g *Gateway) Trigger(ctx context.Context, caller string, planID uint64) (engine.Receipt, error) {
	ctx = g.engine.WithFlow(ctx)

	p, err := g.plans.Get(planID)
	if err != nil {
		return engine.Receipt{}, g.reject(ctx, caller, plan.Plan{}, planID, err)
	}
	if caller != p.Owner && !g.reg.IsAuthorized(caller) {
		err := fault.New(fault.Unauthorized, planID, "caller is neither owner nor authorized agent")
		return engine.Receipt{}, g.reject(ctx, caller, p, planID, err)
	}
	if !g.admit(planID, g.clock.Now()) {
		err := fault.New(fault.RateLimited, planID, "triggered less than %s ago", g.cfg.TriggerCooldown)
		return engine.Receipt{}, g.reject(ctx, caller, p, planID, err)
	}

	rc, err := g.engine.ExecuteDeposit(ctx, planID)
	if err != nil {
		return engine.Receipt{}, g.reject(ctx, caller, p, planID, err)
	}
	return rc, nil
}

// TriggerBatch asks for several plans to be executed now.
//
// The caller is authorized once for the whole batch: it must be an
// authorized agent or own every listed plan. The per-plan cooldown applies
// to each item exactly as in Trigger; throttled and unknown ids are skipped
// and the rest go to the engine as one best-effort batch.
func (g *Gateway) TriggerBatch(ctx context.Context, caller string, ids []uint64) (engine.BatchResult, error) {
	ctx = g.engine.WithFlow(ctx)

	if !g.reg.IsAuthorized(caller) && !g.ownsAll(caller, ids) {
		err := fault.New(fault.Unauthorized, 0, "caller is neither agent nor owner of every plan")
		return engine.BatchResult{}, g.reject(ctx, caller, plan.Plan{}, 0, err)
	}
	return g.triggerBatch(ctx, caller, ids), nil
}

func (g *Gateway) ownsAll(caller string, ids []uint64) bool {
	if caller == "" {
		return false
	}
	for _, id := range ids {
		p, err := g.plans.Get(id)
		if err != nil || p.Owner != caller {
			return false
		}
	}
	return true
}

// triggerBatch runs an already-authorized batch.
func (g *Gateway) triggerBatch(ctx context.Context, caller string, ids []uint64) engine.BatchResult {
	now := g.clock.Now()

	skipped := []engine.Skip{}
	admitted := make([]uint64, 0, len(ids))
	plans := make(map[uint64]plan.Plan, len(ids))

	for _, id := range ids {
		p, err := g.plans.Get(id)
		if err != nil {
			skipped = append(skipped, g.skip(ctx, caller, p, id, err))
			continue
		}
		plans[id] = p
		if !g.admit(id, now) {
			err := fault.New(fault.RateLimited, id, "triggered less than %s ago", g.cfg.TriggerCooldown)
			skipped = append(skipped, g.skip(ctx, caller, p, id, err))
			continue
		}
		admitted = append(admitted, id)
	}

	res := engine.BatchResult{Executed: []engine.Receipt{}, Skipped: []engine.Skip{}}
	if len(admitted) > 0 {
		res = g.engine.ExecuteBatch(ctx, admitted)
		for _, s := range res.Skipped {
			p := plans[s.PlanID]
			g.notifier.Emit(ctx, notify.Record{
				Kind:   notify.KindTriggerRejected,
				PlanID: s.PlanID,
				Owner:  p.Owner,
				Caller: caller,
				Asset:  p.Asset,
				Reason: string(s.Code),
			})
		}
	}
	res.Skipped = append(skipped, res.Skipped...)

	slog.Info("batch trigger",
		"caller", caller,
		"requested", len(ids),
		"admitted", len(admitted),
		"executed", len(res.Executed),
		"flow", notify.FlowFrom(ctx),
	)
	return res
}

func (g *Gateway) skip(ctx context.Context, caller string, p plan.Plan, id uint64, err error) engine.Skip {
	err = g.reject(ctx, caller, p, id, err)
	return engine.Skip{PlanID: id, Code: fault.CodeOf(err), Reason: err.Error()}
}
