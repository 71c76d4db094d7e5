package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/autodeposit/internal/clock"
	"github.com/roach88/autodeposit/internal/ident"
)

// Sink receives records in emission order from the dispatcher goroutine.
// Publish must be idempotent on Record.ID.
type Sink interface {
	Publish(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, r Record) error

// Publish calls f(ctx, r).
func (f SinkFunc) Publish(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// Emitter stamps, logs and dispatches notification records.
//
// Thread-safety model:
//   - Emit(): safe from any goroutine; seq assignment and log append happen
//     under one lock, so log order, seq order and delivery order agree
//   - Run(): must be called from exactly one goroutine
//   - Records()/Since()/Count(): safe from any goroutine
//
// With a log limit only the most recent records stay in memory; sinks
// still see every record.
type Emitter struct {
	wall clock.Clock
	seq  *clock.Seq

	mu       sync.RWMutex
	log      []Record
	logLimit int

	queue *recordQueue
	sinks []Sink
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithSink adds a sink. Sinks receive records in the order they were added.
func WithSink(s Sink) EmitterOption {
	return func(e *Emitter) {
		e.sinks = append(e.sinks, s)
	}
}

// WithSeq sets the logical clock, e.g. one resumed from the audit log's
// highest persisted seq.
func WithSeq(seq *clock.Seq) EmitterOption {
	return func(e *Emitter) {
		e.seq = seq
	}
}

// WithLogLimit keeps at most n records in the in-process log. n <= 0 keeps
// every record.
func WithLogLimit(n int) EmitterOption {
	return func(e *Emitter) {
		e.logLimit = n
	}
}

// NewEmitter creates an Emitter that timestamps records with wall.
func NewEmitter(wall clock.Clock, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		wall:  wall,
		seq:   clock.NewSeq(),
		log:   make([]Record, 0, 64),
		queue: newRecordQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit stamps r with the next seq, a timestamp (if unset), the flow token
// from ctx (if unset) and its content-addressed ID, appends it to the log
// and queues it for the sinks. It returns the stamped record.
func (e *Emitter) Emit(ctx context.Context, r Record) Record {
	if r.Timestamp.IsZero() {
		r.Timestamp = e.wall.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.Flow == "" {
		r.Flow = FlowFrom(ctx)
	}

	e.mu.Lock()
	r.Seq = e.seq.Next()
	r.ID = ident.MustHash(ident.DomainRecord, r.identityFields())
	e.log = append(e.log, r)
	if e.logLimit > 0 && len(e.log) >= 2*e.logLimit {
		e.log = append(make([]Record, 0, 2*e.logLimit), e.log[len(e.log)-e.logLimit:]...)
	}
	if len(e.sinks) > 0 {
		e.queue.Enqueue(r)
	}
	e.mu.Unlock()

	slog.Debug("notification emitted",
		"id", r.ID,
		"seq", r.Seq,
		"kind", r.Kind,
		"plan_id", r.PlanID,
		"flow", r.Flow,
	)

	return r
}

// Records returns a copy of the retained log in seq order.
func (e *Emitter) Records() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w := e.window()
	out := make([]Record, len(w))
	copy(out, w)
	return out
}

// window is the retained part of the log. Trimming happens in batches, so
// the backing slice may hold up to twice the limit. Callers hold mu.
func (e *Emitter) window() []Record {
	if e.logLimit > 0 && len(e.log) > e.logLimit {
		return e.log[len(e.log)-e.logLimit:]
	}
	return e.log
}

// Since returns the records with seq greater than after.
func (e *Emitter) Since(after int64) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Record
	for _, r := range e.window() {
		if r.Seq > after {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of records of the given kind.
func (e *Emitter) Count(kind Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, r := range e.window() {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// Run delivers queued records to every sink until ctx is cancelled or Stop
// is called. Records still queued at shutdown are delivered before Run
// returns.
//
// ERROR HANDLING: a sink failure is logged and delivery continues with the
// next sink and the next record. The in-process log is authoritative.
func (e *Emitter) Run(ctx context.Context) error {
	slog.Info("notification dispatcher starting", "sinks", len(e.sinks))

	for {
		if r, ok := e.queue.TryDequeue(); ok {
			e.deliver(ctx, r)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("notification dispatcher stopping: context cancelled")
			e.queue.Close()
			e.drain(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed.
			if e.queue.Len() == 0 && e.closed() {
				slog.Info("notification dispatcher stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once every queued record is delivered.
func (e *Emitter) Stop() {
	e.queue.Close()
}

func (e *Emitter) closed() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

func (e *Emitter) drain(ctx context.Context) {
	for {
		r, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		e.deliver(ctx, r)
	}
}

func (e *Emitter) deliver(ctx context.Context, r Record) {
	for i, s := range e.sinks {
		if err := s.Publish(ctx, r); err != nil {
			slog.Error("sink publish failed",
				"sink", i,
				"id", r.ID,
				"seq", r.Seq,
				"kind", r.Kind,
				"error", err,
			)
		}
	}
}
