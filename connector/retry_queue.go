package connector

import (
	"sync"

	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/telemetry"
)

// retryQueue is the FIFO of events waiting for redelivery. Queued events keep
// the connector's reference they had when their transfer failed.
type retryQueue struct {
	name string

	mu      sync.Mutex
	items   []event.Event
	counter event.Counter
	closed  bool
}

func newRetryQueue(name string) *retryQueue {
	return &retryQueue{name: name}
}

// offer appends ev. It returns false once the queue has been closed.
func (q *retryQueue) offer(ev event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.counter.Increase(ev)
	q.reportLocked()
	telemetry.RetryEventsTotal.Inc()
	return true
}

func (q *retryQueue) peek() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *retryQueue) poll() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.counter.Decrease(ev)
	q.reportLocked()
	return ev, true
}

func (q *retryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *retryQueue) isEmpty() bool {
	return q.size() == 0
}

func (q *retryQueue) tabletCount() int64 { return q.counter.TabletCount() }
func (q *retryQueue) fileCount() int64   { return q.counter.FileCount() }

// removeIf removes the matching events and returns them in queue order
func (q *retryQueue) removeIf(match func(event.Event) bool) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []event.Event
	kept := make([]event.Event, 0, len(q.items))
	for _, ev := range q.items {
		if match(ev) {
			removed = append(removed, ev)
			q.counter.Decrease(ev)
			continue
		}
		kept = append(kept, ev)
	}
	q.items = kept
	q.reportLocked()
	return removed
}

// closeAndDrain rejects further offers and returns everything queued
func (q *retryQueue) closeAndDrain() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	items := q.items
	q.items = nil
	q.counter.Reset()
	q.reportLocked()
	return items
}

func (q *retryQueue) reportLocked() {
	telemetry.RetryQueueSize.With(q.name, "tablet").Set(float64(q.counter.TabletCount()))
	telemetry.RetryQueueSize.With(q.name, "file").Set(float64(q.counter.FileCount()))
	telemetry.RetryQueueSize.With(q.name, "total").Set(float64(len(q.items)))
}
