// Package plan is the plan ledger: the canonical store of recurring deposit
// plans and of the per-owner portfolio aggregates derived from them.
//
// Every mutation of a plan runs with exclusive access to that plan (see
// Store.Exec), so a pause, a cancellation and a deposit on the same plan
// never interleave. Different plans proceed in parallel. Readers see only
// committed state and never wait on an in-flight deposit.
//
// Plan lifecycle:
//
//	active <-> paused --> cancelled            (terminal)
//	active/paused --> emergency_withdrawn      (terminal)
package plan

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusActive             Status = "active"
	StatusPaused             Status = "paused"
	StatusCancelled          Status = "cancelled"
	StatusEmergencyWithdrawn Status = "emergency_withdrawn"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusEmergencyWithdrawn
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCancelled, StatusEmergencyWithdrawn:
		return true
	}
	return false
}

// Plan is one recurring deposit commitment.
type Plan struct {
	ID               uint64
	Owner            string
	Asset            string
	DepositAmount    decimal.Decimal
	Frequency        time.Duration
	LastExecution    time.Time
	TotalDeposited   decimal.Decimal
	TotalYieldEarned decimal.Decimal
	Status           Status
	Label            string
	CreatedAt        time.Time

	// Unforwarded is the part of TotalDeposited still resting in the
	// deposit pool after a failed forward.
	Unforwarded decimal.Decimal
	// Returned is the part of TotalDeposited already paid back by an
	// interrupted emergency withdrawal.
	Returned decimal.Decimal
}

// Owed is what an emergency withdrawal still has to return.
func (p Plan) Owed() decimal.Decimal {
	return p.TotalDeposited.Sub(p.Returned)
}

// Active reports whether the plan takes part in automated execution.
func (p Plan) Active() bool {
	return p.Status == StatusActive
}

// NextDue returns the earliest time the plan becomes due.
func (p Plan) NextDue() time.Time {
	return p.LastExecution.Add(p.Frequency)
}

// DueAt reports whether the plan is due at now.
func (p Plan) DueAt(now time.Time) bool {
	return p.Active() && !now.Before(p.NextDue())
}

type planJSON struct {
	ID               uint64           `json:"id"`
	Owner            string           `json:"owner"`
	Asset            string           `json:"asset"`
	DepositAmount    decimal.Decimal  `json:"deposit_amount"`
	FrequencySeconds int64            `json:"frequency_seconds"`
	LastExecution    time.Time        `json:"last_execution"`
	NextDue          time.Time        `json:"next_due"`
	TotalDeposited   decimal.Decimal  `json:"total_deposited"`
	TotalYieldEarned decimal.Decimal  `json:"total_yield_earned"`
	Status           Status           `json:"status"`
	Active           bool             `json:"active"`
	Label            string           `json:"label,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	PendingForward   *decimal.Decimal `json:"pending_forward,omitempty"`
	Returned         *decimal.Decimal `json:"returned,omitempty"`
}

// MarshalJSON renders the frequency in whole seconds and adds the derived
// active flag and next due time. Withdrawal bookkeeping appears only when
// non-zero.
func (p Plan) MarshalJSON() ([]byte, error) {
	out := planJSON{
		ID:               p.ID,
		Owner:            p.Owner,
		Asset:            p.Asset,
		DepositAmount:    p.DepositAmount,
		FrequencySeconds: int64(p.Frequency / time.Second),
		LastExecution:    p.LastExecution,
		NextDue:          p.NextDue(),
		TotalDeposited:   p.TotalDeposited,
		TotalYieldEarned: p.TotalYieldEarned,
		Status:           p.Status,
		Active:           p.Active(),
		Label:            p.Label,
		CreatedAt:        p.CreatedAt,
	}
	if p.Unforwarded.IsPositive() {
		out.PendingForward = &p.Unforwarded
	}
	if p.Returned.IsPositive() {
		out.Returned = &p.Returned
	}
	return json.Marshal(out)
}

// Portfolio is the per-owner aggregate across every plan the owner created.
type Portfolio struct {
	Owner         string          `json:"owner"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalYield    decimal.Decimal `json:"total_yield"`
	ActiveCount   int             `json:"active_count"`
	Plans         []uint64        `json:"plans"`
}

// Limits bounds the parameters of a new plan.
type Limits struct {
	MinDeposit   decimal.Decimal
	MinFrequency time.Duration
	MaxFrequency time.Duration
}

// Default plan limits.
var (
	DefaultMinDeposit   = decimal.NewFromInt(1)
	DefaultMinFrequency = time.Hour
	DefaultMaxFrequency = 365 * 24 * time.Hour
)

// DefaultLimits returns the default plan limits.
func DefaultLimits() Limits {
	return Limits{
		MinDeposit:   DefaultMinDeposit,
		MinFrequency: DefaultMinFrequency,
		MaxFrequency: DefaultMaxFrequency,
	}
}
