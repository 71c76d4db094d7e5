package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/autodeposit/internal/gateway"
	"github.com/roach88/autodeposit/internal/notify"
)

// Filter narrows audit log reads. Zero-valued fields match everything.
type Filter struct {
	PlanID   uint64
	Owner    string
	Kind     notify.Kind
	Flow     string
	AfterSeq int64
	Limit    int
}

// ReadRecords returns the notification records matching q.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if no records match.
func (s *Store) ReadRecords(ctx context.Context, q Filter) ([]notify.Record, error) {
	var (
		where []string
		args  []any
	)
	if q.PlanID != 0 {
		where = append(where, "plan_id = ?")
		args = append(args, int64(q.PlanID))
	}
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Flow != "" {
		where = append(where, "flow = ?")
		args = append(args, q.Flow)
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}

	query := `
		SELECT id, seq, kind, plan_id, owner, caller, asset, amount, reason, flow, timestamp
		FROM notifications`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY seq ASC, id COLLATE BINARY ASC"
	if q.Limit > 0 {
		query += "\n\t\tLIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []notify.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// ReadRecord returns the record with the given ID.
// Returns sql.ErrNoRows (wrapped) if it does not exist.
func (s *Store) ReadRecord(ctx context.Context, id string) (notify.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, kind, plan_id, owner, caller, asset, amount, reason, flow, timestamp
		FROM notifications
		WHERE id = ?
	`, id)

	r, err := scanRecord(row)
	if err != nil {
		return notify.Record{}, fmt.Errorf("read record %s: %w", id, err)
	}
	return r, nil
}

// MaxSeq returns the highest persisted seq, or 0 for an empty log.
// Used on startup to resume the logical clock.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM notifications").Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// ReadEvents returns every journaled inbound event in arrival order.
func (s *Store) ReadEvents(ctx context.Context) ([]gateway.InboundEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_chain, source_contract, kind, payload, received_at
		FROM inbound_events
		ORDER BY received_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []gateway.InboundEvent{}
	for rows.Next() {
		var (
			e        gateway.InboundEvent
			payload  string
			received string
		)
		if err := rows.Scan(&e.ID, &e.SourceChain, &e.SourceContract, &e.Kind, &payload, &received); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = []byte(payload)
		if e.ReceivedAt, err = time.Parse(time.RFC3339Nano, received); err != nil {
			return nil, fmt.Errorf("parse received_at of event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (notify.Record, error) {
	var (
		r      notify.Record
		kind   string
		planID int64
		amount string
		ts     string
	)
	if err := sc.Scan(&r.ID, &r.Seq, &kind, &planID, &r.Owner, &r.Caller, &r.Asset, &amount, &r.Reason, &r.Flow, &ts); err != nil {
		return notify.Record{}, fmt.Errorf("scan record: %w", err)
	}
	r.Kind = notify.Kind(kind)
	r.PlanID = uint64(planID)

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return notify.Record{}, fmt.Errorf("parse amount of record %s: %w", r.ID, err)
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return notify.Record{}, fmt.Errorf("parse timestamp of record %s: %w", r.ID, err)
	}
	return r, nil
}
