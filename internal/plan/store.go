package plan

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/clock"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/registry"
)

// Stats extends the registry counters with plan-derived totals.
type Stats struct {
	registry.Stats
	ActivePlans int `json:"active_plans"`
	Owners      int `json:"owners"`
}

// entry holds one plan. exec serializes every mutation of the plan;
// plan itself is read and written under Store.mu.
type entry struct {
	exec sync.Mutex
	plan Plan
}

type portfolio struct {
	totalInvested decimal.Decimal
	totalYield    decimal.Decimal
	activeCount   int
	plans         []uint64
	members       map[uint64]struct{}
}

// Store owns plan and portfolio records.
//
// Lock order: entry.exec (plan) -> Store.mu (records and aggregates) ->
// registry. Store.mu is held only for the duration of one commit or read.
type Store struct {
	reg      *registry.Registry
	clock    clock.Clock
	notifier notify.Notifier
	limits   Limits

	mu         sync.RWMutex
	plans      map[uint64]*entry
	portfolios map[string]*portfolio
}

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the default plan limits.
func WithLimits(l Limits) Option {
	return func(s *Store) {
		s.limits = l
	}
}

// WithNotifier sets where lifecycle records are emitted.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Store) {
		s.notifier = n
	}
}

// NewStore creates an empty plan store.
func NewStore(reg *registry.Registry, c clock.Clock, opts ...Option) *Store {
	s := &Store{
		reg:        reg,
		clock:      c,
		notifier:   notify.Discard,
		limits:     DefaultLimits(),
		plans:      make(map[uint64]*entry),
		portfolios: make(map[string]*portfolio),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the plan limits in force.
func (s *Store) Limits() Limits {
	return s.limits
}

// Registry returns the shared registry.
func (s *Store) Registry() *registry.Registry {
	return s.reg
}

// Clock returns the wall clock used for due-ness.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Create registers a new active plan for owner.
//
// Fails with InvalidParameter when owner or asset is empty, when
// depositAmount is below the minimum or when frequency is out of bounds.
// Nothing is allocated on failure.
func (s *Store) Create(ctx context.Context, owner, asset string, depositAmount decimal.Decimal, frequency time.Duration, label string) (Plan, error) {
	if err := s.validate(owner, asset, depositAmount, frequency); err != nil {
		return Plan{}, err.WithCaller(owner)
	}

	id := s.reg.AllocatePlanID()
	now := s.clock.Now()
	p := Plan{
		ID:               id,
		Owner:            owner,
		Asset:            asset,
		DepositAmount:    depositAmount,
		Frequency:        frequency,
		LastExecution:    now,
		TotalDeposited:   decimal.Zero,
		TotalYieldEarned: decimal.Zero,
		Status:           StatusActive,
		Label:            label,
		CreatedAt:        now,
	}

	s.mu.Lock()
	s.plans[id] = &entry{plan: p}
	pf := s.portfolioLocked(owner)
	pf.plans = append(pf.plans, id)
	pf.members[id] = struct{}{}
	pf.activeCount++
	s.mu.Unlock()

	slog.Info("plan created",
		"plan_id", id,
		"owner", owner,
		"asset", asset,
		"amount", depositAmount.String(),
		"frequency", frequency,
	)

	s.notifier.Emit(ctx, notify.Record{
		Kind:   notify.KindPlanCreated,
		PlanID: id,
		Owner:  owner,
		Caller: owner,
		Asset:  asset,
		Amount: depositAmount,
	})

	return p, nil
}

func (s *Store) validate(owner, asset string, amount decimal.Decimal, frequency time.Duration) *fault.Error {
	switch {
	case owner == "":
		return fault.New(fault.InvalidParameter, 0, "owner is required")
	case asset == "":
		return fault.New(fault.InvalidParameter, 0, "asset is required")
	case amount.LessThan(s.limits.MinDeposit):
		return fault.New(fault.InvalidParameter, 0, "deposit amount %s below minimum %s", amount, s.limits.MinDeposit)
	case frequency < s.limits.MinFrequency:
		return fault.New(fault.InvalidParameter, 0, "frequency %s below minimum %s", frequency, s.limits.MinFrequency)
	case frequency > s.limits.MaxFrequency:
		return fault.New(fault.InvalidParameter, 0, "frequency %s above maximum %s", frequency, s.limits.MaxFrequency)
	}
	return nil
}

// portfolioLocked returns owner's portfolio, creating it if needed.
// Caller must hold s.mu for writing.
func (s *Store) portfolioLocked(owner string) *portfolio {
	pf, ok := s.portfolios[owner]
	if !ok {
		pf = &portfolio{
			totalInvested: decimal.Zero,
			totalYield:    decimal.Zero,
			members:       make(map[uint64]struct{}),
		}
		s.portfolios[owner] = pf
	}
	return pf
}

func (s *Store) lookup(id uint64) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.plans[id]
	if !ok {
		return nil, fault.New(fault.PlanNotFound, id, "plan does not exist")
	}
	return e, nil
}

// Get returns the committed state of a plan.
func (s *Store) Get(id uint64) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.plans[id]
	if !ok {
		return Plan{}, fault.New(fault.PlanNotFound, id, "plan does not exist")
	}
	return e.plan, nil
}

// IsDue reports whether the plan is active and its cycle has elapsed.
// The answer is point-in-time: use Exec to act on it atomically.
func (s *Store) IsDue(id uint64) (bool, error) {
	p, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return p.DueAt(s.clock.Now()), nil
}

// ListByOwner returns every plan owner created, in id order.
func (s *Store) ListByOwner(owner string) []Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pf, ok := s.portfolios[owner]
	if !ok {
		return []Plan{}
	}
	out := make([]Plan, 0, len(pf.plans))
	for _, id := range pf.plans {
		out = append(out, s.plans[id].plan)
	}
	return out
}

// Portfolio returns owner's aggregate. Unknown owners get a zero portfolio.
func (s *Store) Portfolio(owner string) Portfolio {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pf, ok := s.portfolios[owner]
	if !ok {
		return Portfolio{
			Owner:         owner,
			TotalInvested: decimal.Zero,
			TotalYield:    decimal.Zero,
			Plans:         []uint64{},
		}
	}
	return Portfolio{
		Owner:         owner,
		TotalInvested: pf.totalInvested,
		TotalYield:    pf.totalYield,
		ActiveCount:   pf.activeCount,
		Plans:         slices.Clone(pf.plans),
	}
}

// IsMember reports whether planID is in owner's active portfolio.
// Cancelled and withdrawn plans are no longer members.
func (s *Store) IsMember(owner string, planID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pf, ok := s.portfolios[owner]
	if !ok {
		return false
	}
	_, member := pf.members[planID]
	return member
}

// Stats returns the global counters together with plan-derived totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	active := 0
	for _, e := range s.plans {
		if e.plan.Active() {
			active++
		}
	}
	owners := len(s.portfolios)
	s.mu.RUnlock()

	return Stats{
		Stats:       s.reg.Stats(),
		ActivePlans: active,
		Owners:      owners,
	}
}

// All returns every plan in id order.
func (s *Store) All() []Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Plan, 0, len(s.plans))
	for _, e := range s.plans {
		out = append(out, e.plan)
	}
	slices.SortFunc(out, func(a, b Plan) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// DueIDs returns the ids of plans that are due now, in id order. Empty
// owner or asset match any value.
func (s *Store) DueIDs(owner, asset string) []uint64 {
	now := s.clock.Now()
	var ids []uint64
	for _, p := range s.All() {
		if owner != "" && p.Owner != owner {
			continue
		}
		if asset != "" && p.Asset != asset {
			continue
		}
		if p.DueAt(now) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
