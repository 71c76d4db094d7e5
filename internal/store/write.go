package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
)

// WriteRecord inserts a notification record into the audit log.
// Uses ON CONFLICT DO NOTHING for idempotency - a record already stored
// under the same ID (or seq) is silently ignored.
func (s *Store) WriteRecord(ctx context.Context, r notify.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications
		(id, seq, kind, plan_id, owner, caller, asset, amount, reason, flow, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		r.ID,
		r.Seq,
		string(r.Kind),
		int64(r.PlanID),
		r.Owner,
		r.Caller,
		r.Asset,
		r.Amount.String(),
		r.Reason,
		r.Flow,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	return nil
}

// Publish implements notify.Sink.
func (s *Store) Publish(ctx context.Context, r notify.Record) error {
	return s.WriteRecord(ctx, r)
}

// RecordEvent journals an inbound external event.
// Returns inserted=false when an event with the same ID was already
// journaled, which the gateway treats as a duplicate delivery.
//
// Implements gateway.Journal.
func (s *Store) RecordEvent(ctx context.Context, e gateway.InboundEvent) (inserted bool, err error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_events
		(id, source_chain, source_contract, kind, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.SourceChain,
		e.SourceContract,
		e.Kind,
		payload,
		e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", e.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event %s: rows affected: %w", e.ID, err)
	}
	return n == 1, nil
}
