package batch

import (
	"time"

	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/transport"
)

// PlainBatch serializes its rows inline into one batch request
type PlainBatch struct {
	base
	bodies []transport.TabletBody
}

func newPlainBatch(ep transport.Endpoint, now func() time.Time) *PlainBatch {
	return &PlainBatch{base: newBase(ep, now)}
}

func (b *PlainBatch) add(ev *event.TabletEvent) error {
	b.track(ev)
	b.bodies = append(b.bodies, transport.NewTabletBody(ev))
	return nil
}

// Request encodes the batch as a single transfer request
func (b *PlainBatch) Request() (*transport.Request, error) {
	bodies := make([]transport.TabletBody, len(b.bodies))
	copy(bodies, b.bodies)
	return transport.NewRequest(transport.RequestTabletBatch, transport.BatchBody{Tablets: bodies})
}

func (b *PlainBatch) OnSuccess() {
	b.reset()
	b.bodies = nil
}

func (b *PlainBatch) discard(match func(event.Event) bool, release func(event.Event)) int {
	dropped := b.dropMatching(match)
	if len(dropped) == 0 {
		return 0
	}
	b.recount()
	b.bodies = b.bodies[:0]
	for _, ev := range b.events {
		b.bodies = append(b.bodies, transport.NewTabletBody(ev.(*event.TabletEvent)))
	}
	for _, ev := range dropped {
		release(ev)
	}
	return len(dropped)
}

func (b *PlainBatch) close(release func(event.Event)) {
	for _, ev := range b.events {
		release(ev)
	}
	b.OnSuccess()
}
