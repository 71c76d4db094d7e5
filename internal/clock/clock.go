// Package clock provides the two notions of time used by the ledger.
//
// Wall time (Clock) decides due-ness and rate limiting. It is injected so
// tests can advance it deterministically.
//
// Logical time (Seq) orders notification records. Records are stamped with a
// strictly increasing seq from Seq.Next and never ordered by wall time.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock reports the current wall time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now (UTC).
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Seq is a monotonic logical clock for record ordering.
//
// Thread-safety: Seq is safe for concurrent use (atomic operations).
type Seq struct {
	seq atomic.Int64
}

// NewSeq creates a new logical clock starting at 0.
func NewSeq() *Seq {
	return &Seq{}
}

// NewSeqAt creates a logical clock starting at a specific sequence number.
// Used on startup to resume after the last persisted record.
func NewSeqAt(start int64) *Seq {
	s := &Seq{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (s *Seq) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (s *Seq) Current() int64 {
	return s.seq.Load()
}
