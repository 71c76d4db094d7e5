// Package funds is the boundary to the external funds ledger that holds
// balances and moves them on the engine's behalf.
//
// The engine never assumes a movement succeeds: every call may fail, and a
// failure means no funds moved.
package funds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger moves fungible assets between holders.
type Ledger interface {
	// TransferFrom pulls amount of asset from a holder that pre-authorized
	// the recipient to spend on its behalf.
	TransferFrom(ctx context.Context, asset, from, to string, amount decimal.Decimal) error

	// Transfer moves amount of asset out of a holder the caller controls.
	Transfer(ctx context.Context, asset, from, to string, amount decimal.Decimal) error
}

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("amount must be positive")
)

type account struct {
	asset  string
	holder string
}

type grant struct {
	asset   string
	owner   string
	spender string
}

// Memory is an in-process Ledger with per-asset balances, allowances and
// failure injection. The serve command runs against it when no external
// ledger is wired, and every test uses it.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	balances   map[account]decimal.Decimal
	allowances map[grant]decimal.Decimal
	failures   map[string]error
	transfers  int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[account]decimal.Decimal),
		allowances: make(map[grant]decimal.Decimal),
		failures:   make(map[string]error),
	}
}

// Mint credits amount of asset to holder.
func (m *Memory) Mint(asset, holder string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := account{asset, holder}
	m.balances[k] = m.balance(k).Add(amount)
}

// Approve lets spender pull up to amount of owner's asset.
// A later Approve replaces the earlier allowance.
func (m *Memory) Approve(asset, owner, spender string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[grant{asset, owner, spender}] = amount
}

// Balance returns holder's balance of asset.
func (m *Memory) Balance(asset, holder string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(account{asset, holder})
}

// Allowance returns how much of owner's asset spender may still pull.
func (m *Memory) Allowance(asset, owner, spender string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowance(grant{asset, owner, spender})
}

// FailFrom makes every movement out of holder fail with err until cleared
// with a nil err.
func (m *Memory) FailFrom(holder string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, holder)
		return
	}
	m.failures[holder] = err
}

// Transfers returns the number of successful movements.
func (m *Memory) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

// TransferFrom implements Ledger. The recipient is the spender whose
// allowance is consumed.
func (m *Memory) TransferFrom(ctx context.Context, asset, from, to string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.precheck(asset, from, amount); err != nil {
		return err
	}
	g := grant{asset, from, to}
	if m.allowance(g).LessThan(amount) {
		return fmt.Errorf("transferFrom %s %s from %s: %w", amount, asset, from, ErrInsufficientAllowance)
	}

	m.allowances[g] = m.allowance(g).Sub(amount)
	m.move(asset, from, to, amount)
	return nil
}

// Transfer implements Ledger.
func (m *Memory) Transfer(ctx context.Context, asset, from, to string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.precheck(asset, from, amount); err != nil {
		return err
	}
	m.move(asset, from, to, amount)
	return nil
}

// precheck validates a movement. Caller must hold m.mu.
func (m *Memory) precheck(asset, from string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err, ok := m.failures[from]; ok {
		return err
	}
	if m.balance(account{asset, from}).LessThan(amount) {
		return fmt.Errorf("transfer %s %s from %s: %w", amount, asset, from, ErrInsufficientBalance)
	}
	return nil
}

// move debits from and credits to. Caller must hold m.mu.
func (m *Memory) move(asset, from, to string, amount decimal.Decimal) {
	src, dst := account{asset, from}, account{asset, to}
	m.balances[src] = m.balance(src).Sub(amount)
	m.balances[dst] = m.balance(dst).Add(amount)
	m.transfers++
}

func (m *Memory) balance(k account) decimal.Decimal {
	if b, ok := m.balances[k]; ok {
		return b
	}
	return decimal.Zero
}

func (m *Memory) allowance(g grant) decimal.Decimal {
	if a, ok := m.allowances[g]; ok {
		return a
	}
	return decimal.Zero
}
