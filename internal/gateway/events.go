package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/engine"
	"github.com/roach88/autodeposit/internal/fault"
	"github.com/roach88/autodeposit/internal/ident"
	"github.com/roach88/autodeposit/internal/notify"
)

// Event kinds on the wire.
const (
	KindApprovalForPool = "approval_for_pool"
	KindPlanCreated     = "plan_created"
)

// Payload is the kind-specific body of an external event. The set of
// payloads is closed: only this package can add one.
type Payload interface {
	Kind() string
	fields() map[string]any
}

// ApprovalForPool reports that Owner approved the pool to pull Amount of
// Asset. It starts a due-check sweep of the owner's plans in that asset.
type ApprovalForPool struct {
	Owner  string          `json:"owner"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Kind implements Payload.
func (ApprovalForPool) Kind() string { return KindApprovalForPool }

func (p ApprovalForPool) fields() map[string]any {
	return map[string]any{"owner": p.Owner, "asset": p.Asset, "amount": p.Amount.String()}
}

// PlanCreated reports a plan creation observed by the external bus.
// It initializes the plan's trigger bookkeeping.
type PlanCreated struct {
	PlanID uint64 `json:"plan_id"`
}

// Kind implements Payload.
func (PlanCreated) Kind() string { return KindPlanCreated }

func (p PlanCreated) fields() map[string]any {
	return map[string]any{"plan_id": p.PlanID}
}

// Unrecognized is any other event kind. It is accepted and ignored.
type Unrecognized struct {
	Name string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

// Kind implements Payload.
func (u Unrecognized) Kind() string { return u.Name }

// MarshalJSON returns the raw payload as delivered.
func (u Unrecognized) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

func (u Unrecognized) fields() map[string]any {
	return map[string]any{"raw": string(u.Raw)}
}

// Event is one delivery from the external subscription bus. Delivery is
// at-least-once and unordered across events.
type Event struct {
	ID             string
	SourceChain    string
	SourceContract string
	Payload        Payload
}

type wireEvent struct {
	ID             string          `json:"id"`
	SourceChain    string          `json:"source_chain"`
	SourceContract string          `json:"source_contract"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
}

// DecodeEvent parses the JSON wire form of an event:
//
//	{"id": "...", "source_chain": "...", "source_contract": "...",
//	 "kind": "approval_for_pool", "payload": {...}}
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.Kind == "" {
		return Event{}, fmt.Errorf("decode event: kind is required")
	}

	ev := Event{ID: w.ID, SourceChain: w.SourceChain, SourceContract: w.SourceContract}
	switch w.Kind {
	case KindApprovalForPool:
		var p ApprovalForPool
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
		if p.Owner == "" {
			return Event{}, fmt.Errorf("decode %s payload: owner is required", w.Kind)
		}
		ev.Payload = p
	case KindPlanCreated:
		var p PlanCreated
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
		ev.Payload = p
	default:
		ev.Payload = Unrecognized{Name: w.Kind, Raw: w.Payload}
	}
	return ev, nil
}

// EnsureID returns the event's delivery ID, or a content hash of the event
// when the bus did not supply one. The hash only correlates log lines: two
// deliveries of the same content weeks apart are distinct events.
func (e Event) EnsureID() string {
	if e.ID != "" {
		return e.ID
	}
	fields := map[string]any{
		"source_chain":    e.SourceChain,
		"source_contract": e.SourceContract,
		"kind":            e.Payload.Kind(),
		"payload":         e.Payload.fields(),
	}
	return ident.MustHash(ident.DomainEvent, fields)
}

// InboundEvent is the journal entry for an accepted external event.
type InboundEvent struct {
	ID             string
	SourceChain    string
	SourceContract string
	Kind           string
	Payload        []byte
	ReceivedAt     time.Time
}

// Journal remembers which external events were already dispatched.
type Journal interface {
	// RecordEvent stores e and reports whether it was seen for the first time.
	RecordEvent(ctx context.Context, e InboundEvent) (inserted bool, err error)
}

// Outcome describes what OnExternalEvent did with an event.
type Outcome struct {
	EventID   string              `json:"event_id"`
	Kind      string              `json:"kind"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Ignored   bool                `json:"ignored,omitempty"`
	Batch     *engine.BatchResult `json:"batch,omitempty"`
}

// OnExternalEvent dispatches one external event.
//
// Events from any origin other than the configured source chain (and
// contract, when configured) fail with WrongOrigin, leave an event_rejected
// audit record and have no other effect. With a journal configured, a
// bus-supplied ID that was already dispatched is reported as a duplicate and
// skipped. Events without an ID are never journaled and always dispatch;
// a repeated approval re-runs a sweep that finds nothing due.
func (g *Gateway) OnExternalEvent(ctx context.Context, ev Event) (Outcome, error) {
	ctx = g.engine.WithFlow(ctx)
	if ev.Payload == nil {
		return Outcome{}, fault.New(fault.InvalidParameter, 0, "event has no payload")
	}
	out := Outcome{EventID: ev.EnsureID(), Kind: ev.Payload.Kind()}

	if !g.originAllowed(ev) {
		g.notifier.Emit(ctx, notify.Record{
			Kind:   notify.KindEventRejected,
			Caller: ev.SourceChain,
			Reason: string(fault.WrongOrigin),
		})
		slog.Warn("external event rejected",
			"event_id", out.EventID,
			"source_chain", ev.SourceChain,
			"source_contract", ev.SourceContract,
			"expected_chain", g.cfg.SourceChain,
		)
		return out, fault.New(fault.WrongOrigin, 0, "event from %q/%q, expected %q", ev.SourceChain, ev.SourceContract, g.cfg.SourceChain)
	}

	if ap, ok := ev.Payload.(ApprovalForPool); ok && ap.Owner == "" {
		return out, fault.New(fault.InvalidParameter, 0, "approval event %s has no owner", out.EventID)
	}

	if g.journal != nil && ev.ID != "" {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return out, fmt.Errorf("encode event payload: %w", err)
		}
		inserted, err := g.journal.RecordEvent(ctx, InboundEvent{
			ID:             out.EventID,
			SourceChain:    ev.SourceChain,
			SourceContract: ev.SourceContract,
			Kind:           out.Kind,
			Payload:        raw,
			ReceivedAt:     g.clock.Now(),
		})
		if err != nil {
			return out, fmt.Errorf("journal event %s: %w", out.EventID, err)
		}
		if !inserted {
			slog.Info("duplicate external event dropped", "event_id", out.EventID, "kind", out.Kind)
			out.Duplicate = true
			return out, nil
		}
	}

	switch p := ev.Payload.(type) {
	case ApprovalForPool:
		if p.Asset != g.cfg.Asset {
			out.Ignored = true
			return out, nil
		}
		res := g.Sweep(ctx, p.Owner, p.Asset)
		out.Batch = &res

	case PlanCreated:
		if _, err := g.plans.Get(p.PlanID); err != nil {
			slog.Warn("plan_created event for unknown plan", "plan_id", p.PlanID, "event_id", out.EventID)
			out.Ignored = true
			return out, nil
		}
		g.initTrigger(p.PlanID)

	case Unrecognized:
		out.Ignored = true

	default:
		return out, fmt.Errorf("unhandled event payload %T", p)
	}

	slog.Info("external event dispatched", "event_id", out.EventID, "kind", out.Kind, "ignored", out.Ignored)
	return out, nil
}

func (g *Gateway) originAllowed(ev Event) bool {
	if ev.SourceChain != g.cfg.SourceChain {
		return false
	}
	return g.cfg.SourceContract == "" || ev.SourceContract == g.cfg.SourceContract
}

// initTrigger opens a plan's rate limit window at now. Existing
// bookkeeping is left alone, so redelivery changes nothing.
func (g *Gateway) initTrigger(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.lastTrigger[id]; !ok {
		g.lastTrigger[id] = g.clock.Now()
	}
}

// Sweep triggers every due plan of owner in asset as the gateway's own
// automation identity. Empty owner or asset match any value.
func (g *Gateway) Sweep(ctx context.Context, owner, asset string) engine.BatchResult {
	ctx = g.engine.WithFlow(ctx)
	ids := g.plans.DueIDs(owner, asset)
	if len(ids) == 0 {
		return engine.BatchResult{Executed: []engine.Receipt{}, Skipped: []engine.Skip{}}
	}
	return g.triggerBatch(ctx, g.cfg.Identity, ids)
}
