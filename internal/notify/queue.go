package notify

import "sync"

// recordQueue is a thread-safe FIFO of records awaiting delivery to sinks.
//
// The queue is unbounded so emitting never blocks a ledger mutation on a
// slow sink. The dispatcher goroutine is the only consumer.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the dispatch loop.
type recordQueue struct {
	mu      sync.Mutex
	records []Record
	closed  bool
	signal  chan struct{} // Signals record availability (buffered, size 1)
}

func newRecordQueue() *recordQueue {
	return &recordQueue{
		records: make([]Record, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a record to the back of the queue.
// Returns false if the queue is closed.
func (q *recordQueue) Enqueue(r Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.records = append(q.records, r)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front record without blocking.
// Returns (Record{}, false) if the queue is empty.
func (q *recordQueue) TryDequeue() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.records) == 0 {
		return Record{}, false
	}

	r := q.records[0]
	q.records[0] = Record{}

	if len(q.records) == 1 {
		q.records = q.records[:0]
	} else {
		q.records = q.records[1:]
	}

	return r, true
}

// Wait returns a channel that signals when records may be available.
// The channel is closed once the queue is closed.
func (q *recordQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending records.
func (q *recordQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Close signals that no more records will be enqueued and wakes waiters.
func (q *recordQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
