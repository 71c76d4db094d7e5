package engine

import (
	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/funds"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
)

// Default counterparties in the funds ledger.
const (
	DefaultPool      = "pool"
	DefaultYieldPool = "yield-pool"
)

// Engine executes deposits and emergency withdrawals.
//
// Thread-safety model:
//   - ExecuteDeposit(), ExecuteBatch(), EmergencyWithdraw(): safe from any
//     goroutine; calls on the same plan are serialized by plan.Store.Exec
//   - the funds ledger call is the only blocking operation
type Engine struct {
	plans     *plan.Store
	ledger    funds.Ledger
	notifier  notify.Notifier
	flowGen   FlowTokenGenerator
	pool      string
	yieldPool string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where execution records are emitted.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithFlowGenerator sets the flow token generator.
//
// Default: UUIDv7Generator
func WithFlowGenerator(g FlowTokenGenerator) Option {
	return func(e *Engine) {
		e.flowGen = g
	}
}

// WithPools sets the pool deposits are pulled into and the yield pool they
// are forwarded to. An empty yieldPool disables forwarding.
func WithPools(pool, yieldPool string) Option {
	return func(e *Engine) {
		e.pool = pool
		e.yieldPool = yieldPool
	}
}

// New creates an Engine over the plan store and funds ledger.
func New(plans *plan.Store, ledger funds.Ledger, opts ...Option) *Engine {
	e := &Engine{
		plans:     plans,
		ledger:    ledger,
		notifier:  notify.Discard,
		flowGen:   UUIDv7Generator{},
		pool:      DefaultPool,
		yieldPool: DefaultYieldPool,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plans returns the plan store the engine executes against.
func (e *Engine) Plans() *plan.Store {
	return e.plans
}

// Pool returns the identity deposits are pulled into.
func (e *Engine) Pool() string {
	return e.pool
}

// NewFlow generates a new flow token.
func (e *Engine) NewFlow() string {
	return e.flowGen.Generate()
}

// withdrawSource is where deposited funds rest once forwarded.
func (e *Engine) withdrawSource() string {
	if e.yieldPool != "" {
		return e.yieldPool
	}
	return e.pool
}

// Receipt describes one completed execution.
type Receipt struct {
	PlanID    uint64          `json:"plan_id"`
	Owner     string          `json:"owner"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Forwarded bool            `json:"forwarded"`
	Plan      plan.Plan       `json:"plan"`
	RecordID  string          `json:"record_id,omitempty"`
	Flow      string          `json:"flow,omitempty"`
}
