// Package batch groups tablet events bound for the same endpoint into plain
// request batches or sealed spill files.
package batch

import (
	"time"

	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/transport"
)

// PipeKey identifies one incarnation of a pipe
type PipeKey struct {
	Pipe         string
	CreationTime int64
}

// Batch is an open group of events for one endpoint. Every event in a batch
// holds one reference under the builder's holder id.
type Batch interface {
	Endpoint() transport.Endpoint
	IsEmpty() bool
	RowCount() int
	Bytes() int64

	// Events returns a copy of the events the batch holds
	Events() []event.Event

	// Weights returns a copy of the event count contributed per pipe
	Weights() map[PipeKey]int64

	// OnSuccess empties the batch after its content was handed to a transfer.
	// References move to the transfer and are not decreased here.
	OnSuccess()

	add(ev *event.TabletEvent) error
	isLast(ev event.Event) bool
	firstEventAt() time.Time
	discard(match func(event.Event) bool, release func(event.Event)) int
	close(release func(event.Event))
}

type base struct {
	ep      transport.Endpoint
	events  []event.Event
	weights map[PipeKey]int64
	rows    int
	bytes   int64
	firstAt time.Time
	now     func() time.Time
}

func newBase(ep transport.Endpoint, now func() time.Time) base {
	return base{ep: ep, weights: make(map[PipeKey]int64), now: now}
}

func (b *base) Endpoint() transport.Endpoint { return b.ep }
func (b *base) IsEmpty() bool                { return len(b.events) == 0 }
func (b *base) RowCount() int                { return b.rows }
func (b *base) Bytes() int64                 { return b.bytes }
func (b *base) firstEventAt() time.Time      { return b.firstAt }

func (b *base) Events() []event.Event {
	out := make([]event.Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *base) Weights() map[PipeKey]int64 {
	out := make(map[PipeKey]int64, len(b.weights))
	for k, v := range b.weights {
		out[k] = v
	}
	return out
}

func (b *base) track(ev *event.TabletEvent) {
	if len(b.events) == 0 {
		b.firstAt = b.now()
	}
	b.events = append(b.events, ev)
	b.rows += ev.RowCount()
	b.bytes += ev.EstimatedSize()
	b.weights[PipeKey{Pipe: ev.PipeName(), CreationTime: ev.CreationTime()}]++
}

func (b *base) reset() {
	b.events = nil
	b.weights = make(map[PipeKey]int64)
	b.rows = 0
	b.bytes = 0
	b.firstAt = time.Time{}
}

// isLast reports whether ev is already the tail of the batch
func (b *base) isLast(ev event.Event) bool {
	return len(b.events) > 0 && b.events[len(b.events)-1] == ev
}

// dropMatching removes matching events and returns them
func (b *base) dropMatching(match func(event.Event) bool) []event.Event {
	var dropped []event.Event
	kept := b.events[:0]
	for _, ev := range b.events {
		if match(ev) {
			dropped = append(dropped, ev)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(b.events); i++ {
		b.events[i] = nil
	}
	b.events = kept
	return dropped
}

// recount rebuilds the derived totals from the remaining events
func (b *base) recount() {
	events := b.events
	firstAt := b.firstAt
	b.reset()
	for _, ev := range events {
		b.track(ev.(*event.TabletEvent))
	}
	if len(b.events) > 0 {
		b.firstAt = firstAt
	}
}
