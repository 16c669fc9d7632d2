package batch

import (
	"errors"
	"sync"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
)

var ErrBuilderClosed = errors.New("batch builder closed")

// Router resolves the endpoint for a device
type Router interface {
	EndpointForKey(key string) transport.Endpoint
}

// Config holds the emit thresholds
type Config struct {
	Kind     cfg.BatchKind
	MaxRows  int
	MaxBytes int64
	MaxDelay time.Duration
	SpillDir string
}

// ConfigFromConnector derives builder thresholds from connector settings
func ConfigFromConnector(c cfg.ConnectorConfiguration) Config {
	return Config{
		Kind:     c.BatchKind,
		MaxRows:  c.BatchMaxRows,
		MaxBytes: c.BatchMaxBytes,
		MaxDelay: time.Duration(c.BatchMaxDelayMS) * time.Millisecond,
		SpillDir: c.SpillDir,
	}
}

// Builder keeps one open batch per endpoint
type Builder struct {
	cfg    Config
	router Router
	holder string
	now    func() time.Time

	mu      sync.Mutex
	batches map[transport.Endpoint]Batch
	order   []transport.Endpoint
	closed  bool
}

// NewBuilder creates a builder whose batches take references as holder
func NewBuilder(c Config, router Router, holder string) *Builder {
	return &Builder{
		cfg:     c,
		router:  router,
		holder:  holder,
		now:     time.Now,
		batches: make(map[transport.Endpoint]Batch),
	}
}

// OnEvent buffers ev into the batch of its endpoint and returns that batch
// once it should be sent. A nil batch means the event is buffered. Events
// that are already released are skipped.
func (b *Builder) OnEvent(ev *event.TabletEvent) (transport.Endpoint, Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.Endpoint{}, nil, ErrBuilderClosed
	}

	ep := b.router.EndpointForKey(ev.Device)
	batch := b.batchFor(ep)

	if !batch.isLast(ev) {
		if !ev.IncreaseReferenceCount(b.holder) {
			return ep, nil, nil
		}
		if err := batch.add(ev); err != nil {
			ev.DecreaseReferenceCount(b.holder, false)
			return ep, nil, err
		}
	}

	if b.shouldEmit(batch) {
		telemetry.BatchFlushesTotal.With("threshold").Inc()
		return ep, batch, nil
	}
	return ep, nil, nil
}

func (b *Builder) batchFor(ep transport.Endpoint) Batch {
	if batch, ok := b.batches[ep]; ok {
		return batch
	}
	var batch Batch
	if b.cfg.Kind == cfg.BatchFile {
		batch = newFileBatch(ep, b.cfg.SpillDir, b.now)
	} else {
		batch = newPlainBatch(ep, b.now)
	}
	b.batches[ep] = batch
	b.order = append(b.order, ep)
	return batch
}

func (b *Builder) shouldEmit(batch Batch) bool {
	if batch.IsEmpty() {
		return false
	}
	if b.cfg.MaxRows > 0 && batch.RowCount() >= b.cfg.MaxRows {
		return true
	}
	if b.cfg.MaxBytes > 0 && batch.Bytes() >= b.cfg.MaxBytes {
		return true
	}
	return b.cfg.MaxDelay > 0 && b.now().Sub(batch.firstEventAt()) >= b.cfg.MaxDelay
}

// GetAllNonEmptyBatches returns every non-empty batch regardless of thresholds,
// in the order their endpoints were first seen
func (b *Builder) GetAllNonEmptyBatches() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Batch
	for _, ep := range b.order {
		if batch := b.batches[ep]; !batch.IsEmpty() {
			out = append(out, batch)
		}
	}
	if len(out) > 0 {
		telemetry.BatchFlushesTotal.With("forced").Add(float64(len(out)))
	}
	return out
}

// IsEmpty reports whether no batch holds events
func (b *Builder) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, batch := range b.batches {
		if !batch.IsEmpty() {
			return false
		}
	}
	return true
}

// DiscardEventsOfPipe drops events of (pipe, region) from every batch and
// gives back their references. A negative region matches every region.
func (b *Builder) DiscardEventsOfPipe(pipe string, region int32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := func(ev event.Event) bool {
		return ev.PipeName() == pipe && (region < 0 || ev.RegionID() == region)
	}
	release := func(ev event.Event) {
		ev.DecreaseReferenceCount(b.holder, false)
	}

	n := 0
	for _, batch := range b.batches {
		n += batch.discard(match, release)
	}
	return n
}

// Close releases every buffered event without sending it. OnEvent fails afterwards.
func (b *Builder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, batch := range b.batches {
		batch.close(func(ev event.Event) {
			ev.ClearReferenceCount(b.holder)
		})
	}
	b.batches = make(map[transport.Endpoint]Batch)
	b.order = nil
}
