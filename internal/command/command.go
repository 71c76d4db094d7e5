// Package command validates and dispatches structured commands.
//
// A Command is what an upstream intent classifier (or an HTTP client, or a
// scenario file) hands to the core: an action name and a flat parameter
// object. Parameters are checked against an embedded CUE schema before any
// ledger operation runs, so a malformed command never reaches the plan store.
package command

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/autodeposit/internal/fault"
)

//go:embed schema.cue
var schemaCUE string

// Action names a command.
type Action string

const (
	CreatePlan        Action = "create_plan"
	PausePlan         Action = "pause_plan"
	ResumePlan        Action = "resume_plan"
	CancelPlan        Action = "cancel_plan"
	Trigger           Action = "trigger"
	TriggerBatch      Action = "trigger_batch"
	EmergencyWithdraw Action = "emergency_withdraw"
	RecordYield       Action = "record_yield"
	AuthorizeAgent    Action = "authorize_agent"
	RevokeAgent       Action = "revoke_agent"
	GetPlan           Action = "get_plan"
	ListPlans         Action = "list_plans"
	GetPortfolio      Action = "get_portfolio"
	IsDue             Action = "is_due"
	Stats             Action = "stats"
)

// Actions lists every supported action.
var Actions = []Action{
	CreatePlan, PausePlan, ResumePlan, CancelPlan,
	Trigger, TriggerBatch, EmergencyWithdraw, RecordYield,
	AuthorizeAgent, RevokeAgent,
	GetPlan, ListPlans, GetPortfolio, IsDue, Stats,
}

// Valid reports whether a is a supported action.
func (a Action) Valid() bool {
	return slices.Contains(Actions, a)
}

// ReadOnly reports whether a never mutates ledger state.
func (a Action) ReadOnly() bool {
	switch a {
	case GetPlan, ListPlans, GetPortfolio, IsDue, Stats:
		return true
	}
	return false
}

// Command is a structured request. Caller is filled in by the transport
// (JWT subject, scenario step) and is never part of the validated params.
type Command struct {
	Action Action         `json:"action" yaml:"action"`
	Caller string         `json:"caller,omitempty" yaml:"caller,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Params is the decoded union of every action's parameters.
type Params struct {
	PlanID           uint64   `json:"plan_id"`
	PlanIDs          []uint64 `json:"plan_ids"`
	Owner            string   `json:"owner"`
	Asset            string   `json:"asset"`
	Amount           string   `json:"amount"`
	FrequencySeconds int64    `json:"frequency_seconds"`
	Label            string   `json:"label"`
	Agent            string   `json:"agent"`
}

// Validator checks command params against the embedded CUE schema.
//
// Thread-safety: CUE values are not safe for concurrent use, so Validate
// serializes on an internal mutex.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile command schema: %w", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// MustValidator is like NewValidator but panics on error. The schema is
// embedded, so a failure here is a build defect.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks cmd and returns its decoded params.
// Any failure is an InvalidParameter fault.
func (v *Validator) Validate(cmd Command) (Params, error) {
	if !cmd.Action.Valid() {
		return Params{}, fault.New(fault.InvalidParameter, 0, "unknown action %q", cmd.Action)
	}

	params := cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Params{}, fault.Wrap(fault.InvalidParameter, 0, err, "encode params")
	}

	if err := v.check(cmd.Action, raw); err != nil {
		return Params{}, err
	}

	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fault.Wrap(fault.InvalidParameter, 0, err, "decode params")
	}
	return p, nil
}

func (v *Validator) check(action Action, raw []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	def := v.schema.LookupPath(cue.MakePath(cue.Def("#Params"), cue.Str(string(action))))
	if !def.Exists() {
		return fault.New(fault.InvalidParameter, 0, "no schema for action %q", action)
	}

	val := v.ctx.CompileBytes(raw, cue.Filename(string(action)+".params"))
	if err := val.Err(); err != nil {
		return fault.Wrap(fault.InvalidParameter, 0, err, "parse params")
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fault.Wrap(fault.InvalidParameter, 0, flatten(err), fmt.Sprintf("%s params", action))
	}
	return nil
}

// flatten joins every CUE error into a single line.
func flatten(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) <= 1 {
		return err
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
