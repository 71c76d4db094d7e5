package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/command"
	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/funds"
	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
	"github.com/roach88/autodeposit/internal/plan"
	"github.com/roach88/autodeposit/internal/registry"
	"github.com/roach88/autodeposit/internal/store"
	"github.com/roach88/autodeposit/internal/testutil"
)

// Scenario defaults.
const (
	DefaultAdmin       = "admin"
	DefaultYieldSource = "yield"
	DefaultSourceChain = "base"
	DefaultAsset       = "USDC"
)

// OutcomeOK marks a step that succeeded.
const OutcomeOK = "ok"

// errInjectedTransfer is returned by pulls from holders listed in
// ledger.fail_transfers_from.
var errInjectedTransfer = errors.New("injected transfer failure")

// Harness runs one scenario against a fresh ledger.
//
// The full stack is real: commands go through the CUE validator and the
// dispatcher, events through the gateway, and deposits move balances in an
// in-memory funds ledger. Only wall time and flow tokens are pinned.
type Harness struct {
	store      *store.Store
	clock      *testutil.FakeClock
	emitter    *notify.Emitter
	ledger     *funds.Memory
	plans      *plan.Store
	gateway    *gateway.Gateway
	dispatcher *command.Dispatcher
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database for isolation.
// Execution flow:
//  1. Build the ledger stack with a fake clock at testutil.Epoch
//  2. Fund the listed balances
//  3. Execute setup steps (each must succeed)
//  4. Execute flow steps and check their expectations
//  5. Persist the notification log and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	started := time.Now()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	h.executeFlow(ctx, scenario.Flow, result)

	for _, r := range result.Records {
		if err := st.WriteRecord(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to persist notifications: %w", err)
		}
	}

	actx := &AssertionContext{
		Store:   st,
		Plans:   h.plans,
		Records: result.Records,
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	result.Duration = time.Since(started)
	return result, nil
}

func newHarness(s *Scenario, st *store.Store) (*Harness, error) {
	cfg := s.Ledger
	if cfg.Admin == "" {
		cfg.Admin = DefaultAdmin
	}
	if cfg.YieldSource == "" {
		cfg.YieldSource = DefaultYieldSource
	}
	if cfg.SourceChain == "" {
		cfg.SourceChain = DefaultSourceChain
	}
	if cfg.Asset == "" {
		cfg.Asset = DefaultAsset
	}

	fc := testutil.NewFakeClock()
	em := notify.NewEmitter(fc)
	reg := registry.New(cfg.Admin, cfg.YieldSource)
	for _, agent := range cfg.Agents {
		reg.Authorize(agent)
	}

	plans := plan.NewStore(reg, fc, plan.WithNotifier(em))
	ledger := funds.NewMemory()
	for _, holder := range cfg.FailTransfersFrom {
		ledger.FailFrom(holder, errInjectedTransfer)
	}
	for i, b := range s.Balances {
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("balances[%d]: amount: %w", i, err)
		}
		ledger.Mint(b.Asset, b.Holder, amount)
		if b.Approve != "" {
			allowance, err := decimal.NewFromString(b.Approve)
			if err != nil {
				return nil, fmt.Errorf("balances[%d]: approve: %w", i, err)
			}
			ledger.Approve(b.Asset, b.Holder, engine.DefaultPool, allowance)
		}
	}

	eng := engine.New(plans, ledger,
		engine.WithNotifier(em),
		engine.WithFlowGenerator(testutil.NewFixedFlowGenerator(s.FlowToken)),
	)
	gw := gateway.New(gateway.Config{
		TriggerCooldown: cfg.TriggerCooldown,
		SourceChain:     cfg.SourceChain,
		Asset:           cfg.Asset,
	}, reg, eng, gateway.WithNotifier(em), gateway.WithJournal(st))

	validator, err := command.NewValidator()
	if err != nil {
		return nil, err
	}

	return &Harness{
		store:      st,
		clock:      fc,
		emitter:    em,
		ledger:     ledger,
		plans:      plans,
		gateway:    gw,
		dispatcher: command.NewDispatcher(validator, gw),
	}, nil
}

// executeSetup runs all setup steps. Any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []Step, result *Result) error {
	for i, step := range setup {
		_, err := h.execute(ctx, step, TraceSetup, i, result)
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, stepName(step), err)
		}
	}
	return nil
}

// executeFlow runs all flow steps and checks expect clauses. A mismatch is
// recorded on the result and the flow continues.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) {
	for i, step := range flow {
		data, err := h.execute(ctx, step, TraceStep, i, result)

		expect := step.Expect
		if expect == nil {
			expect = &ExpectClause{}
		}

		if expect.Error != "" {
			if got := fault.CodeOf(err); string(got) != expect.Error {
				result.AddError(fmt.Sprintf("flow[%d] %s: expected error %s, got %s",
					i, stepName(step), expect.Error, describeErr(err)))
			}
			continue
		}
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, stepName(step), err))
			continue
		}
		if len(expect.Result) > 0 {
			if msg := matchJSON(data, expect.Result); msg != "" {
				result.AddError(fmt.Sprintf("flow[%d] %s: result mismatch: %s", i, stepName(step), msg))
			}
		}
	}
}

// execute runs one step and records the step and its notifications on the
// trace.
func (h *Harness) execute(ctx context.Context, step Step, kind string, index int, result *Result) (any, error) {
	if step.Advance > 0 {
		h.clock.Advance(step.Advance)
	}
	before := h.emitter.Records()
	after := int64(0)
	if len(before) > 0 {
		after = before[len(before)-1].Seq
	}

	var (
		data any
		err  error
	)
	if step.Event != nil {
		data, err = h.deliver(ctx, *step.Event)
	} else {
		var res command.Result
		res, err = h.dispatcher.Dispatch(ctx, command.Command{
			Action: step.Action,
			Caller: step.Caller,
			Params: step.Params,
		})
		data = res.Data
	}

	outcome := OutcomeOK
	if err != nil {
		outcome = describeErr(err)
	}
	result.AddStepTrace(kind, index, step, outcome)
	result.AddNotificationTrace(h.emitter.Since(after))
	return data, err
}

func (h *Harness) deliver(ctx context.Context, ev EventStep) (any, error) {
	raw, err := json.Marshal(map[string]any{
		"id":              ev.ID,
		"source_chain":    ev.SourceChain,
		"source_contract": ev.SourceContract,
		"kind":            ev.Kind,
		"payload":         ev.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	decoded, err := gateway.DecodeEvent(raw)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidParameter, 0, err, "decode event")
	}
	return h.gateway.OnExternalEvent(ctx, decoded)
}

func stepName(step Step) string {
	if step.Event != nil {
		return "event " + step.Event.Kind
	}
	return string(step.Action)
}

func describeErr(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := fault.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}
