// Package notify publishes the append-only record of everything the ledger
// does: plan lifecycle changes, executed deposits, yield distributions,
// emergency withdrawals and every rejected trigger or event.
//
// Records are self-describing and ordered by a logical sequence number.
// The Emitter keeps the full in-process log and hands each record, in
// order, to a single dispatcher goroutine that fans it out to Sinks
// (SQLite audit log, Redis pub/sub, webhooks).
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies what a record describes.
type Kind string

const (
	KindPlanCreated         Kind = "plan_created"
	KindDepositExecuted     Kind = "deposit_executed"
	KindPlanPaused          Kind = "plan_paused"
	KindPlanResumed         Kind = "plan_resumed"
	KindPlanCancelled       Kind = "plan_cancelled"
	KindYieldDistributed    Kind = "yield_distributed"
	KindEmergencyWithdrawal Kind = "emergency_withdrawal"
	KindTriggerRejected     Kind = "trigger_rejected"
	KindEventRejected       Kind = "event_rejected"
	KindAgentAuthorized     Kind = "agent_authorized"
	KindAgentRevoked        Kind = "agent_revoked"
)

// Kinds lists every record kind in declaration order.
var Kinds = []Kind{
	KindPlanCreated,
	KindDepositExecuted,
	KindPlanPaused,
	KindPlanResumed,
	KindPlanCancelled,
	KindYieldDistributed,
	KindEmergencyWithdrawal,
	KindTriggerRejected,
	KindEventRejected,
	KindAgentAuthorized,
	KindAgentRevoked,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Record is one externally observable notification.
//
// ID is a content hash over every other field (including Seq), so two
// records never share an ID and re-publishing the same record is
// idempotent at every sink.
type Record struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	PlanID    uint64          `json:"plan_id,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	Asset     string          `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
	Flow      string          `json:"flow,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// identityFields returns the fields hashed into the record ID.
// Empty optional fields are omitted so they never affect identity.
func (r Record) identityFields() map[string]any {
	fields := map[string]any{
		"kind":      string(r.Kind),
		"seq":       r.Seq,
		"amount":    r.Amount.String(),
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if r.PlanID != 0 {
		fields["plan_id"] = r.PlanID
	}
	if r.Owner != "" {
		fields["owner"] = r.Owner
	}
	if r.Caller != "" {
		fields["caller"] = r.Caller
	}
	if r.Asset != "" {
		fields["asset"] = r.Asset
	}
	if r.Reason != "" {
		fields["reason"] = r.Reason
	}
	if r.Flow != "" {
		fields["flow"] = r.Flow
	}
	return fields
}

// Notifier accepts records for publication.
// Implemented by *Emitter; Discard drops everything.
type Notifier interface {
	Emit(ctx context.Context, r Record) Record
}

// Discard is a Notifier that drops every record.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Emit(_ context.Context, r Record) Record { return r }

type flowKey struct{}

// WithFlow attaches a correlation token to ctx. Records emitted with ctx
// inherit it, so every record produced by one trigger or command shares a
// flow token.
func WithFlow(ctx context.Context, flow string) context.Context {
	return context.WithValue(ctx, flowKey{}, flow)
}

// FlowFrom returns the flow token attached to ctx, or "".
func FlowFrom(ctx context.Context) string {
	flow, _ := ctx.Value(flowKey{}).(string)
	return flow
}
