package connector

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sluice/batch"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
	"github.com/rs/zerolog/log"
)

// sharedOutcome ties the handlers that carry the same events, one per sealed
// file of a batch. The events are released when every handler succeeded and
// requeued at most once when any of them failed.
type sharedOutcome struct {
	remaining atomic.Int32
	retried   atomic.Bool
}

// handler tracks one asynchronous transfer. Exactly one of onComplete,
// onError or clearEventsReferenceCount takes effect.
type handler struct {
	id       uint64
	kind     string
	c        *AsyncConnector
	events   []event.Event
	weights  map[batch.PipeKey]int64
	floating map[string]int64
	shared   *sharedOutcome
	cleanup  []string
	started  time.Time

	done atomic.Bool

	mu        sync.Mutex
	discarded []func(event.Event) bool
}

func (c *AsyncConnector) newHandler(kind string, events []event.Event, weights map[batch.PipeKey]int64) *handler {
	h := &handler{
		id:       c.nextHandlerID.Add(1),
		kind:     kind,
		c:        c,
		events:   events,
		weights:  weights,
		floating: make(map[string]int64),
		started:  c.now(),
	}
	for _, ev := range events {
		if te, ok := ev.(*event.TabletEvent); ok {
			h.floating[te.PipeName()] += te.EstimatedSize()
		}
	}
	return h
}

func singleWeight(ev event.Event) map[batch.PipeKey]int64 {
	return map[batch.PipeKey]int64{{Pipe: ev.PipeName(), CreationTime: ev.CreationTime()}: 1}
}

func (h *handler) onComplete(resp *transport.Response) {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	defer h.c.eliminateHandler(h)

	if resp != nil && resp.Status == transport.StatusRedirect && resp.Redirect != "" {
		if ep, err := transport.ParseEndpoint(resp.Redirect); err == nil {
			h.c.clients.UpdateLeaderCache(resp.Device, ep)
		}
	}

	telemetry.TransfersTotal.With(h.kind, "success").Inc()
	telemetry.TransferDurationSeconds.With(h.kind).Observe(h.c.now().Sub(h.started).Seconds())

	if h.shared != nil && h.shared.remaining.Add(-1) > 0 {
		return
	}

	for _, ev := range h.events {
		ev.DecreaseReferenceCount(h.c.holder, true)
	}
	if h.c.rates != nil {
		for k, w := range h.weights {
			h.c.rates.MarkTransferred(k.Pipe, k.CreationTime, float64(w))
		}
	}
}

func (h *handler) onError(err error) {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	defer h.c.eliminateHandler(h)

	telemetry.TransfersTotal.With(h.kind, "failure").Inc()
	log.Warn().
		Err(err).
		Str("connector", h.c.holder).
		Str("kind", h.kind).
		Int("events", len(h.events)).
		Msg("Transfer failed, events will be retried")

	if h.shared != nil && !h.shared.retried.CompareAndSwap(false, true) {
		return
	}

	for _, ev := range h.events {
		if h.isDiscarded(ev) {
			ev.DecreaseReferenceCount(h.c.holder, false)
			continue
		}
		h.c.addFailureEventToRetryQueue(ev)
	}
}

// clearEventsReferenceCount drops the connector's claim on the handler's
// events without waiting for the network call
func (h *handler) clearEventsReferenceCount() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	defer h.c.eliminateHandler(h)

	for _, ev := range h.events {
		ev.ClearReferenceCount(h.c.holder)
	}
}

// discard marks events matching match as belonging to a dropped pipe. A
// later failure releases them instead of requeueing.
func (h *handler) discard(match func(event.Event) bool) bool {
	hit := false
	for _, ev := range h.events {
		if match(ev) {
			hit = true
			break
		}
	}
	if hit {
		h.mu.Lock()
		h.discarded = append(h.discarded, match)
		h.mu.Unlock()
	}
	return hit
}

func (h *handler) isDiscarded(ev event.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, match := range h.discarded {
		if match(ev) {
			return true
		}
	}
	return false
}

func (c *AsyncConnector) trackHandler(h *handler) {
	c.inflight.Add(1)
	c.pending.Store(h.id, h)
	telemetry.PendingHandlers.Inc()
	if c.memory != nil {
		for pipe, bytes := range h.floating {
			c.memory.AllocateFloating(pipe, bytes)
		}
	}
}

func (c *AsyncConnector) eliminateHandler(h *handler) {
	if _, ok := c.pending.LoadAndDelete(h.id); !ok {
		return
	}
	defer c.inflight.Done()
	telemetry.PendingHandlers.Dec()
	if c.memory != nil {
		for pipe, bytes := range h.floating {
			c.memory.FreeFloating(pipe, bytes)
		}
	}
	for _, path := range h.cleanup {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Debug().Err(err).Str("file", path).Msg("Unable to remove spill file")
		}
	}
}
