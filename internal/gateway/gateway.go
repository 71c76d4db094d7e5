// Package gateway is the trust boundary between automated callers and the
// execution engine.
//
// It authorizes triggers (plan owner or allow-listed agent), throttles
// trigger attempts per plan with a fixed cooldown, and turns asynchronous
// external events into due-check sweeps. It never mutates plans itself:
// every execution goes through the engine.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/autodeposit/internal/clock"
	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
	"github.com/roach88/autodeposit/internal/registry"
)

// DefaultTriggerCooldown is the minimum interval between two accepted
// trigger attempts on the same plan.
const DefaultTriggerCooldown = 5 * time.Minute

// DefaultIdentity is the identity the gateway uses for the sweeps it runs
// on behalf of external events.
const DefaultIdentity = "gateway"

// Config configures a Gateway.
type Config struct {
	// TriggerCooldown bounds how often a plan may be triggered.
	TriggerCooldown time.Duration

	// SourceChain is the only origin accepted for external events.
	SourceChain string

	// SourceContract, when set, must also match the event's contract.
	SourceContract string

	// Asset is the pool asset whose approvals start a sweep.
	Asset string

	// Identity is recorded as the caller of event-driven sweeps.
	Identity string
}

// Gateway authorizes and throttles triggers and dispatches external events.
//
// Thread-safety: all methods are safe for concurrent use.
type Gateway struct {
	cfg      Config
	reg      *registry.Registry
	plans    *plan.Store
	engine   *engine.Engine
	clock    clock.Clock
	notifier notify.Notifier
	journal  Journal

	mu          sync.Mutex
	lastTrigger map[uint64]time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithNotifier sets where rejection and registry records are emitted.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gateway) {
		g.notifier = n
	}
}

// WithJournal enables duplicate suppression of external events by ID.
func WithJournal(j Journal) Option {
	return func(g *Gateway) {
		g.journal = j
	}
}

// New creates a Gateway in front of eng.
func New(cfg Config, reg *registry.Registry, eng *engine.Engine, opts ...Option) *Gateway {
	if cfg.TriggerCooldown <= 0 {
		cfg.TriggerCooldown = DefaultTriggerCooldown
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	plans := eng.Plans()
	g := &Gateway{
		cfg:         cfg,
		reg:         reg,
		plans:       plans,
		engine:      eng,
		clock:       plans.Clock(),
		notifier:    notify.Discard,
		lastTrigger: make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Engine returns the execution engine behind the gateway.
func (g *Gateway) Engine() *engine.Engine {
	return g.engine
}

// Config returns the gateway configuration in force.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Authorize adds agent to the allow-list. Only the administrative identity
// may call it.
func (g *Gateway) Authorize(ctx context.Context, caller, agent string) error {
	if err := g.checkAdmin(caller, agent); err != nil {
		return err
	}
	if !g.reg.Authorize(agent) {
		return fault.New(fault.NoOp, 0, "agent %q is already authorized", agent).WithCaller(caller)
	}

	slog.Info("agent authorized", "agent", agent, "caller", caller)
	g.notifier.Emit(g.engine.WithFlow(ctx), notify.Record{
		Kind:   notify.KindAgentAuthorized,
		Caller: caller,
		Reason: agent,
	})
	return nil
}

// Revoke removes agent from the allow-list. Only the administrative
// identity may call it.
func (g *Gateway) Revoke(ctx context.Context, caller, agent string) error {
	if err := g.checkAdmin(caller, agent); err != nil {
		return err
	}
	if !g.reg.Revoke(agent) {
		return fault.New(fault.NoOp, 0, "agent %q is not authorized", agent).WithCaller(caller)
	}

	slog.Info("agent revoked", "agent", agent, "caller", caller)
	g.notifier.Emit(g.engine.WithFlow(ctx), notify.Record{
		Kind:   notify.KindAgentRevoked,
		Caller: caller,
		Reason: agent,
	})
	return nil
}

func (g *Gateway) checkAdmin(caller, agent string) error {
	if !g.reg.IsAdmin(caller) {
		return fault.New(fault.Unauthorized, 0, "only the admin may manage agents").WithCaller(caller)
	}
	if agent == "" {
		return fault.New(fault.InvalidParameter, 0, "agent identity is required").WithCaller(caller)
	}
	return nil
}

// admit records now as plan id's last trigger if the cooldown has elapsed.
// Rejected attempts do not move the window.
func (g *Gateway) admit(id uint64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastTrigger[id]; ok && now.Before(last.Add(g.cfg.TriggerCooldown)) {
		return false
	}
	g.lastTrigger[id] = now
	return true
}

// LastTrigger returns the last accepted trigger time of a plan.
func (g *Gateway) LastTrigger(id uint64) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastTrigger[id]
	return t, ok
}

// reject emits a trigger_rejected record for err and returns err with the
// caller attached.
func (g *Gateway) reject(ctx context.Context, caller string, p plan.Plan, planID uint64, err error) error {
	code := fault.CodeOf(err)
	g.notifier.Emit(ctx, notify.Record{
		Kind:   notify.KindTriggerRejected,
		PlanID: planID,
		Owner:  p.Owner,
		Caller: caller,
		Asset:  p.Asset,
		Reason: string(code),
	})

	slog.Warn("trigger rejected",
		"plan_id", planID,
		"caller", caller,
		"code", code,
		"flow", notify.FlowFrom(ctx),
	)

	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithCaller(caller)
	}
	return err
}
