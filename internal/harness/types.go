package harness

import (
	"time"

	"github.com/roach88/autodeposit/internal/notify"
)

// Trace event types.
const (
	TraceSetup        = "setup"
	TraceStep         = "step"
	TraceNotification = "notification"
)

// TraceEvent is one entry of a scenario trace: a setup or flow step with
// its outcome, or a notification emitted while running it.
type TraceEvent struct {
	Type string `json:"type"`

	// Step fields.
	Index   int    `json:"index,omitempty"`
	Caller  string `json:"caller,omitempty"`
	Action  string `json:"action,omitempty"`
	Event   string `json:"event,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	// Notification fields.
	Record *TraceRecord `json:"record,omitempty"`
}

// TraceRecord is the content of a notification as it appears in a trace.
// The content-hash ID is left out; Seq already orders the log.
type TraceRecord struct {
	Seq       int64  `json:"seq"`
	Kind      string `json:"kind"`
	PlanID    uint64 `json:"plan_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Flow      string `json:"flow,omitempty"`
	Timestamp string `json:"timestamp"`
}

func newTraceRecord(r notify.Record) *TraceRecord {
	return &TraceRecord{
		Seq:       r.Seq,
		Kind:      string(r.Kind),
		PlanID:    r.PlanID,
		Owner:     r.Owner,
		Caller:    r.Caller,
		Asset:     r.Asset,
		Amount:    r.Amount.String(),
		Reason:    r.Reason,
		Flow:      r.Flow,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
	}
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace lists steps and notifications in execution order.
	Trace []TraceEvent `json:"trace"`

	// Records is the full notification log.
	Records []notify.Record `json:"records"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Duration is the wall time spent running the scenario.
	Duration time.Duration `json:"duration"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Records: []notify.Record{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace adds a step outcome to the trace.
func (r *Result) AddStepTrace(kind string, index int, step Step, outcome string) {
	ev := TraceEvent{
		Type:    kind,
		Index:   index,
		Caller:  step.Caller,
		Action:  string(step.Action),
		Outcome: outcome,
	}
	if step.Event != nil {
		ev.Event = step.Event.Kind
	}
	r.Trace = append(r.Trace, ev)
}

// AddNotificationTrace adds emitted records to the trace.
func (r *Result) AddNotificationTrace(records []notify.Record) {
	for _, rec := range records {
		r.Trace = append(r.Trace, TraceEvent{Type: TraceNotification, Record: newTraceRecord(rec)})
	}
	r.Records = append(r.Records, records...)
}
