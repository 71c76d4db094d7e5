package plan

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/fault"
)

// errTxDone is returned when a Tx is used after its Exec returned.
var errTxDone = errors.New("plan: transaction already finished")

// Tx is exclusive access to one plan for the duration of an Exec call.
//
// Reads through a Tx see the plan's committed state. Writes commit
// immediately, together with the owner's portfolio and the registry
// counters. A Tx must not be retained after Exec returns.
type Tx struct {
	s    *Store
	e    *entry
	done bool
}

// Exec runs fn with exclusive access to the plan id. Every other mutation
// of the same plan waits until fn returns; other plans are unaffected.
//
// A due check, the external transfer and the resulting deposit record all
// happen inside one Exec, so two concurrent executions of the same overdue
// plan cannot both succeed.
func (s *Store) Exec(ctx context.Context, id uint64, fn func(tx *Tx) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.exec.Lock()
	defer e.exec.Unlock()

	tx := &Tx{s: s, e: e}
	defer func() { tx.done = true }()

	return fn(tx)
}

// Plan returns the plan's current state.
func (tx *Tx) Plan() Plan {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.e.plan
}

// Now returns the store's wall time.
func (tx *Tx) Now() time.Time {
	return tx.s.clock.Now()
}

// IsDue reports whether the plan is due now.
func (tx *Tx) IsDue() bool {
	return tx.Plan().DueAt(tx.Now())
}

// RecordDeposit books a deposit of amount: the plan's total, the owner's
// invested total and the global TVL grow by amount, and the plan's cycle
// restarts now. The caller guarantees amount matches the plan's deposit
// amount and that the funds actually moved. The deposit counts as
// unforwarded until MarkForwarded.
func (tx *Tx) RecordDeposit(amount decimal.Decimal) (Plan, error) {
	if tx.done {
		return Plan{}, errTxDone
	}
	now := tx.Now()

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	p.TotalDeposited = p.TotalDeposited.Add(amount)
	p.Unforwarded = p.Unforwarded.Add(amount)
	p.LastExecution = now

	pf := s.portfolioLocked(p.Owner)
	pf.totalInvested = pf.totalInvested.Add(amount)

	s.reg.AddTVL(amount)

	return *p, nil
}

// MarkForwarded books amount as moved from the deposit pool to the yield
// pool.
func (tx *Tx) MarkForwarded(amount decimal.Decimal) (Plan, error) {
	if tx.done {
		return Plan{}, errTxDone
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	p.Unforwarded = decimal.Max(p.Unforwarded.Sub(amount), decimal.Zero)
	return *p, nil
}

// ReturnUnforwarded books amount of the plan's unforwarded deposits as
// paid back to the owner. The global TVL shrinks by amount. A later
// MarkWithdrawn only settles what is still owed.
func (tx *Tx) ReturnUnforwarded(amount decimal.Decimal) (Plan, error) {
	if tx.done {
		return Plan{}, errTxDone
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	if amount.GreaterThan(p.Unforwarded) {
		return *p, fault.New(fault.InvalidParameter, p.ID, "return %s exceeds unforwarded %s", amount, p.Unforwarded)
	}
	p.Unforwarded = p.Unforwarded.Sub(amount)
	p.Returned = p.Returned.Add(amount)

	s.reg.SubTVL(amount)

	return *p, nil
}

// MarkWithdrawn moves the plan to emergency_withdrawn after amount was
// returned to the owner. The plan leaves the owner's active portfolio and
// the global TVL shrinks by amount. Historical totals are kept.
func (tx *Tx) MarkWithdrawn(amount decimal.Decimal) (Plan, error) {
	if tx.done {
		return Plan{}, errTxDone
	}

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	if p.Status.Terminal() {
		return *p, fault.New(fault.Terminal, p.ID, "plan is %s", p.Status)
	}

	pf := s.portfolioLocked(p.Owner)
	if p.Active() {
		pf.activeCount--
	}
	delete(pf.members, p.ID)
	p.Status = StatusEmergencyWithdrawn

	s.reg.SubTVL(amount)

	return *p, nil
}

// setStatus commits a lifecycle transition and keeps the owner's
// activeCount and membership set consistent with it.
func (tx *Tx) setStatus(to Status) Plan {
	now := tx.Now()

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	pf := s.portfolioLocked(p.Owner)

	wasActive := p.Active()
	p.Status = to
	switch {
	case wasActive && !p.Active():
		pf.activeCount--
	case !wasActive && p.Active():
		pf.activeCount++
		p.LastExecution = now
	}
	if to.Terminal() {
		delete(pf.members, p.ID)
	}

	return *p
}

// addYield books a yield distribution on the plan and its portfolio.
func (tx *Tx) addYield(amount decimal.Decimal) Plan {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &tx.e.plan
	p.TotalYieldEarned = p.TotalYieldEarned.Add(amount)

	pf := s.portfolioLocked(p.Owner)
	pf.totalYield = pf.totalYield.Add(amount)

	return *p
}
