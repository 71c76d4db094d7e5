// Package registry holds the process-wide shared state of the ledger: the
// administrative and yield-source identities, the global counters and the
// agent authorization allow-list.
//
// A Registry is constructed once at startup and injected into the plan store
// and the trigger gateway. It starts zeroed and is never implicitly reset.
package registry

import (
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// Stats is a point-in-time snapshot of the global counters.
type Stats struct {
	NextPlanID  uint64          `json:"next_plan_id"`
	TotalPlans  uint64          `json:"total_plans"`
	TotalValue  decimal.Decimal `json:"total_value_locked"`
	AgentCount  int             `json:"agent_count"`
	Admin       string          `json:"admin"`
	YieldSource string          `json:"yield_source"`
}

// Registry owns the global counters and the authorization registry.
//
// Thread-safety: all methods are safe for concurrent use. Each call holds
// the registry lock only for its own duration.
type Registry struct {
	mu sync.RWMutex

	admin       string
	yieldSource string

	nextPlanID uint64
	totalPlans uint64
	tvl        decimal.Decimal

	agents map[string]struct{}
}

// New creates a registry with the given administrative and yield-source
// identities. Plan ids start at 1.
func New(admin, yieldSource string) *Registry {
	return &Registry{
		admin:       admin,
		yieldSource: yieldSource,
		nextPlanID:  1,
		tvl:         decimal.Zero,
		agents:      make(map[string]struct{}),
	}
}

// Admin returns the administrative identity.
func (r *Registry) Admin() string {
	return r.admin
}

// YieldSource returns the identity allowed to distribute yield.
func (r *Registry) YieldSource() string {
	return r.yieldSource
}

// IsAdmin reports whether id is the administrative identity.
// An unconfigured (empty) admin never matches.
func (r *Registry) IsAdmin(id string) bool {
	return r.admin != "" && id == r.admin
}

// CanDistributeYield reports whether id may record yield.
func (r *Registry) CanDistributeYield(id string) bool {
	if id == "" {
		return false
	}
	return r.IsAdmin(id) || id == r.yieldSource
}

// AllocatePlanID reserves the next plan id and bumps the creation counter.
// Ids are never reused, even when the caller later fails.
func (r *Registry) AllocatePlanID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextPlanID
	r.nextPlanID++
	r.totalPlans++
	return id
}

// AddTVL increases the total value locked.
func (r *Registry) AddTVL(amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tvl = r.tvl.Add(amount)
}

// SubTVL decreases the total value locked.
func (r *Registry) SubTVL(amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tvl = r.tvl.Sub(amount)
}

// Authorize adds id to the agent allow-list.
// Returns false if it was already present.
func (r *Registry) Authorize(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; ok {
		return false
	}
	r.agents[id] = struct{}{}
	return true
}

// Revoke removes id from the agent allow-list.
// Returns false if it was not present.
func (r *Registry) Revoke(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	return true
}

// IsAuthorized reports whether id is on the agent allow-list.
func (r *Registry) IsAuthorized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Agents returns the allow-list in sorted order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Stats returns a snapshot of the global counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		NextPlanID:  r.nextPlanID,
		TotalPlans:  r.totalPlans,
		TotalValue:  r.tvl,
		AgentCount:  len(r.agents),
		Admin:       r.admin,
		YieldSource: r.yieldSource,
	}
}
