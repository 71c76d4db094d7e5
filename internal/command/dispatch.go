package command

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
)

// Result is the outcome of a dispatched command.
type Result struct {
	Action Action `json:"action"`
	Flow   string `json:"flow,omitempty"`
	Data   any    `json:"data"`
}

// DueStatus answers an is_due query.
type DueStatus struct {
	PlanID  uint64    `json:"plan_id"`
	Due     bool      `json:"due"`
	NextDue time.Time `json:"next_due"`
}

// AgentChange answers authorize_agent and revoke_agent.
type AgentChange struct {
	Agent      string `json:"agent"`
	Authorized bool   `json:"authorized"`
}

// Dispatcher routes validated commands to the ledger components.
type Dispatcher struct {
	validator *Validator
	gateway   *gateway.Gateway
	engine    *engine.Engine
	plans     *plan.Store
}

// NewDispatcher creates a dispatcher in front of g.
func NewDispatcher(v *Validator, g *gateway.Gateway) *Dispatcher {
	eng := g.Engine()
	return &Dispatcher{
		validator: v,
		gateway:   g,
		engine:    eng,
		plans:     eng.Plans(),
	}
}

// Dispatch validates cmd and runs it on behalf of cmd.Caller.
//
// Every record emitted while handling one command shares a flow token,
// returned on the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	p, err := d.validator.Validate(cmd)
	if err != nil {
		return Result{Action: cmd.Action}, withCaller(err, cmd.Caller)
	}

	if !cmd.Action.ReadOnly() {
		ctx = d.engine.WithFlow(ctx)
	}
	res := Result{Action: cmd.Action, Flow: notify.FlowFrom(ctx)}

	res.Data, err = d.run(ctx, cmd.Action, cmd.Caller, p)
	if err != nil {
		slog.Debug("command failed",
			"action", cmd.Action,
			"caller", cmd.Caller,
			"code", fault.CodeOf(err),
			"error", err,
		)
		return res, err
	}
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, action Action, caller string, p Params) (any, error) {
	switch action {
	case CreatePlan:
		amount, err := parseAmount(p.Amount)
		if err != nil {
			return nil, withCaller(err, caller)
		}
		freq, err := frequency(p.FrequencySeconds)
		if err != nil {
			return nil, withCaller(err, caller)
		}
		return d.plans.Create(ctx, caller, p.Asset, amount, freq, p.Label)

	case PausePlan:
		return d.plans.SetActive(ctx, caller, p.PlanID, false)

	case ResumePlan:
		return d.plans.SetActive(ctx, caller, p.PlanID, true)

	case CancelPlan:
		return d.plans.Cancel(ctx, caller, p.PlanID)

	case Trigger:
		return d.gateway.Trigger(ctx, caller, p.PlanID)

	case TriggerBatch:
		return d.gateway.TriggerBatch(ctx, caller, p.PlanIDs)

	case EmergencyWithdraw:
		return d.engine.EmergencyWithdraw(ctx, caller, p.PlanID)

	case RecordYield:
		amount, err := parseAmount(p.Amount)
		if err != nil {
			return nil, withCaller(err, caller)
		}
		return d.plans.RecordYield(ctx, caller, p.PlanID, amount)

	case AuthorizeAgent:
		if err := d.gateway.Authorize(ctx, caller, p.Agent); err != nil {
			return nil, err
		}
		return AgentChange{Agent: p.Agent, Authorized: true}, nil

	case RevokeAgent:
		if err := d.gateway.Revoke(ctx, caller, p.Agent); err != nil {
			return nil, err
		}
		return AgentChange{Agent: p.Agent, Authorized: false}, nil

	case GetPlan:
		return d.plans.Get(p.PlanID)

	case ListPlans:
		return d.plans.ListByOwner(ownerOr(p.Owner, caller)), nil

	case GetPortfolio:
		return d.plans.Portfolio(ownerOr(p.Owner, caller)), nil

	case IsDue:
		pl, err := d.plans.Get(p.PlanID)
		if err != nil {
			return nil, err
		}
		return DueStatus{
			PlanID:  pl.ID,
			Due:     pl.DueAt(d.plans.Clock().Now()),
			NextDue: pl.NextDue(),
		}, nil

	case Stats:
		return d.plans.Stats(), nil
	}

	return nil, fault.New(fault.InvalidParameter, 0, "unknown action %q", action)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fault.Wrap(fault.InvalidParameter, 0, err, "amount")
	}
	return d, nil
}

func ownerOr(owner, caller string) string {
	if owner != "" {
		return owner
	}
	return caller
}

func withCaller(err error, caller string) error {
	var fe *fault.Error
	if caller != "" && errors.As(err, &fe) {
		return fe.WithCaller(caller)
	}
	return err
}

// frequency converts whole seconds to a Duration, rejecting counts that
// would overflow it.
func frequency(seconds int64) (time.Duration, error) {
	if seconds <= 0 || seconds > int64(math.MaxInt64/time.Second) {
		return 0, fault.New(fault.InvalidParameter, 0, "frequency_seconds %d out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
