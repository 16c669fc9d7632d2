// Package connector delivers pipe events to receivers. The AsyncConnector
// dispatches tablet and file events without waiting for the network, keeps
// failed events in an ordered retry queue and hands control events to a
// synchronous sibling.
package connector

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sluice/batch"
	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/router"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// MemoryAccountant tracks in-flight memory per pipe
type MemoryAccountant interface {
	AllocateFloating(pipe string, bytes int64)
	FreeFloating(pipe string, bytes int64)
}

// RateRecorder receives transferred event weights per pipe incarnation
type RateRecorder interface {
	MarkTransferred(pipe string, creationTime int64, weight float64)
}

// Config configures an AsyncConnector
type Config struct {
	BatchEnabled bool
	Batch        batch.Config

	ForcedRetryTabletQueueSize int
	ForcedRetryFileQueueSize   int
	ForcedRetryTotalQueueSize  int
	MaxRetryExecutionTime      time.Duration

	FilePieceBytes int
	SyncTimeout    time.Duration
}

// ConfigFromConfiguration derives connector settings from the node
// configuration, overridden by the pipe's connector parameters
func ConfigFromConfiguration(c *cfg.Configuration, params meta.Parameters) Config {
	bc := batch.ConfigFromConnector(c.Connector)
	if format, ok := params.Get(meta.ConnectorBatchFormatKey, meta.SinkBatchFormatKey); ok {
		bc.Kind = cfg.BatchKind(strings.ToLower(strings.TrimSpace(format)))
	}
	return Config{
		BatchEnabled:               params.GetBool(c.Connector.BatchEnabled, meta.ConnectorBatchEnableKey, meta.SinkBatchEnableKey),
		Batch:                      bc,
		ForcedRetryTabletQueueSize: c.Pipe.ForcedRetryTabletQueueSize,
		ForcedRetryFileQueueSize:   c.Pipe.ForcedRetryFileQueueSize,
		ForcedRetryTotalQueueSize:  c.Pipe.ForcedRetryTotalQueueSize,
		MaxRetryExecutionTime:      time.Duration(c.Pipe.MaxRetryExecutionTimeMS) * time.Millisecond,
		FilePieceBytes:             c.Connector.FilePieceBytes,
		SyncTimeout:                time.Duration(c.Connector.SyncTimeoutMS) * time.Millisecond,
	}
}

// Options carries optional collaborators
type Options struct {
	Memory      MemoryAccountant
	Rates       RateRecorder
	OnTerminate func(pipe string, region int32)
}

// AsyncConnector turns events into asynchronous transfers. Every event it keeps
// beyond a call holds a reference under the connector's holder id.
type AsyncConnector struct {
	cfg     Config
	holder  string
	clients *router.ClientManager
	builder *batch.Builder
	sync    *SyncConnector
	retry   *retryQueue

	memory MemoryAccountant
	rates  RateRecorder

	pending       *xsync.MapOf[uint64, *handler]
	nextHandlerID atomic.Uint64
	// inflight counts tracked handlers until they are eliminated
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes transfers against close
	mu     sync.Mutex
	closed atomic.Bool

	now func() time.Time
}

// NewAsyncConnector creates a connector identified by id over clients
func NewAsyncConnector(id string, c Config, clients *router.ClientManager, opts Options) *AsyncConnector {
	if c.FilePieceBytes <= 0 {
		c.FilePieceBytes = 2 << 20
	}
	if c.MaxRetryExecutionTime <= 0 {
		c.MaxRetryExecutionTime = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	ac := &AsyncConnector{
		cfg:     c,
		holder:  id,
		clients: clients,
		sync:    NewSyncConnector(clients, c.SyncTimeout, opts.OnTerminate),
		retry:   newRetryQueue(id),
		memory:  opts.Memory,
		rates:   opts.Rates,
		pending: xsync.NewMapOf[uint64, *handler](),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	if c.BatchEnabled {
		ac.builder = batch.NewBuilder(c.Batch, clients, id)
	}
	return ac
}

// ID returns the holder id the connector takes references under
func (c *AsyncConnector) ID() string {
	return c.holder
}

// Handshake connects to the receivers
func (c *AsyncConnector) Handshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	return c.sync.Handshake()
}

// Heartbeat checks that a receiver answers
func (c *AsyncConnector) Heartbeat() error {
	return c.sync.Heartbeat()
}

// Transfer hands ev to the network. It returns once the transfer is
// dispatched or queued for retry. Only fatal conditions, control event
// failures and a closed connector are reported.
func (c *AsyncConnector) Transfer(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	switch e := ev.(type) {
	case *event.TabletEvent:
		if err := c.transferQueuedEventsIfNecessary(false); err != nil {
			return err
		}
		return c.transferTablet(e)

	case *event.FileEvent:
		if err := c.transferQueuedEventsIfNecessary(false); err != nil {
			return err
		}
		c.transferBatchedEventsIfNecessary()
		_, err := c.transferFileWithoutCheck(e)
		return err

	case *event.HeartbeatEvent, *event.SchemaEvent, *event.TerminateEvent:
		if err := c.transferQueuedEventsIfNecessary(true); err != nil {
			return err
		}
		c.transferBatchedEventsIfNecessary()
		return c.sync.Transfer(ev)
	}

	log.Warn().Str("event", fmt.Sprint(ev)).Msg("Connector does not support event type")
	return nil
}

func (c *AsyncConnector) transferTablet(ev *event.TabletEvent) error {
	if c.builder == nil {
		c.transferTabletWithoutCheck(ev)
		return nil
	}
	return c.transferInBatch(ev)
}

func (c *AsyncConnector) transferInBatch(ev *event.TabletEvent) error {
	ep, b, err := c.builder.OnEvent(ev)
	if err != nil {
		return err
	}
	if b != nil {
		c.transferBatchWithoutCheck(ep, b)
	}
	return nil
}

// transferBatchedEventsIfNecessary flushes every open batch so batched rows
// are committed before the event that follows them
func (c *AsyncConnector) transferBatchedEventsIfNecessary() {
	if c.builder == nil || c.builder.IsEmpty() {
		return
	}
	for _, b := range c.builder.GetAllNonEmptyBatches() {
		c.transferBatchWithoutCheck(b.Endpoint(), b)
	}
}

func (c *AsyncConnector) transferBatchWithoutCheck(ep transport.Endpoint, b batch.Batch) {
	defer b.OnSuccess()

	switch bt := b.(type) {
	case *batch.PlainBatch:
		h := c.newHandler("batch", bt.Events(), bt.Weights())
		req, err := bt.Request()
		if err != nil {
			c.trackHandler(h)
			h.onError(err)
			return
		}
		c.dispatch(h, func() (transport.Client, error) { return c.clients.Borrow(ep) }, req)

	case *batch.FileBatch:
		events := bt.Events()
		weights := bt.Weights()
		files, err := bt.Seal()
		if err != nil || len(files) == 0 {
			h := c.newHandler("batch_file", events, weights)
			c.trackHandler(h)
			h.onError(fmt.Errorf("seal batch for %s: %w", ep, err))
			return
		}

		shared := &sharedOutcome{}
		shared.remaining.Store(int32(len(files)))
		for i, path := range files {
			h := c.newHandler("batch_file", events, weights)
			h.shared = shared
			h.cleanup = []string{path}
			if i > 0 {
				h.floating = nil
			}
			c.dispatchFile(h, fileTransfer{path: path})
		}
	}
}

// transferTabletWithoutCheck sends ev on its own. It returns false when ev was
// already released.
func (c *AsyncConnector) transferTabletWithoutCheck(ev *event.TabletEvent) bool {
	if !ev.IncreaseReferenceCount(c.holder) {
		return false
	}

	h := c.newHandler("tablet", []event.Event{ev}, singleWeight(ev))
	req, err := transport.NewRequest(transport.RequestTablet, transport.NewTabletBody(ev))
	if err != nil {
		c.trackHandler(h)
		h.onError(err)
		return true
	}
	c.dispatch(h, func() (transport.Client, error) { return c.clients.BorrowForKey(ev.Device) }, req)
	return true
}

// transferFileWithoutCheck sends a file event. It returns false when ev was
// already released.
func (c *AsyncConnector) transferFileWithoutCheck(ev *event.FileEvent) (bool, error) {
	if !ev.IncreaseReferenceCount(c.holder) {
		return false, nil
	}

	if _, err := os.Stat(ev.Path); err != nil {
		ev.DecreaseReferenceCount(c.holder, false)
		return false, &PipeError{Pipe: ev.PipeName(), Region: ev.RegionID(), Err: err}
	}

	h := c.newHandler("file", []event.Event{ev}, singleWeight(ev))
	ft := fileTransfer{path: ev.Path}
	if ev.HasMod() {
		ft.modPath = ev.ModPath
	}
	c.dispatchFile(h, ft)
	return true, nil
}

// dispatch registers h and issues req on the borrowed client. A borrow
// failure is routed to the handler like a transport failure.
func (c *AsyncConnector) dispatch(h *handler, borrow func() (transport.Client, error), req *transport.Request) {
	c.trackHandler(h)

	client, err := borrow()
	if err != nil {
		h.onError(err)
		return
	}

	f := client.Transfer(c.ctx, req)
	go func() {
		resp, err := f.Get()
		if err == nil {
			err = resp.Err()
		}
		if err != nil {
			h.onError(err)
			return
		}
		h.onComplete(resp)
	}()
}

func (c *AsyncConnector) dispatchFile(h *handler, ft fileTransfer) {
	c.trackHandler(h)

	client, err := c.clients.BorrowAny()
	if err != nil {
		h.onError(err)
		return
	}
	if ft.modPath != "" && !c.clients.SupportsMods(client.Endpoint()) {
		ft.modPath = ""
	}

	go func() {
		resp, err := c.sendFile(c.ctx, client, ft)
		if err != nil {
			h.onError(err)
			return
		}
		h.onComplete(resp)
	}()
}

// transferQueuedEventsIfNecessary replays the retry queue. Unless forced it
// only runs when a queue threshold is reached. It stops once its time budget
// is spent and the queue is back under every threshold, and fails the pipe
// when the budget is spent without the queue shrinking.
func (c *AsyncConnector) transferQueuedEventsIfNecessary(forced bool) error {
	if c.retry.isEmpty() || (!forced && !c.retryThresholdReached()) {
		return nil
	}

	start := c.now()
	defer func() {
		telemetry.RetryDrainSeconds.Observe(c.now().Sub(start).Seconds())
	}()

	remaining := c.retry.size()
	for !c.retry.isEmpty() {
		if c.closed.Load() {
			return nil
		}

		peeked, ok := c.retry.peek()
		if !ok {
			break
		}

		switch ev := peeked.(type) {
		case *event.TabletEvent:
			c.retryTablet(ev)
		case *event.FileEvent:
			c.retryFile(ev)
		default:
			log.Warn().Str("event", fmt.Sprint(peeked)).Msg("Retry queue holds an unsupported event")
		}

		polled, _ := c.retry.poll()
		if polled != peeked {
			log.Error().
				Str("peeked", fmt.Sprint(peeked)).
				Str("polled", fmt.Sprint(polled)).
				Msg("Event polled from the retry queue differs from the peeked event")
		}

		if c.now().Sub(start) > c.cfg.MaxRetryExecutionTime {
			if !c.retryThresholdReached() {
				return nil
			}
			if size := c.retry.size(); remaining <= size {
				return &PipeError{
					Fatal: true,
					Err: fmt.Errorf("%w: remaining events %d (tablet events: %d, file events: %d)",
						ErrRetryNotConverging, size, c.retry.tabletCount(), c.retry.fileCount()),
				}
			}
		}
	}
	return nil
}

func (c *AsyncConnector) retryThresholdReached() bool {
	return c.retry.tabletCount() >= int64(c.cfg.ForcedRetryTabletQueueSize) ||
		c.retry.fileCount() >= int64(c.cfg.ForcedRetryFileQueueSize) ||
		c.retry.size() >= c.cfg.ForcedRetryTotalQueueSize
}

// retryTablet redispatches a queued tablet. The queue's reference is given
// back once the new attempt holds its own.
func (c *AsyncConnector) retryTablet(ev *event.TabletEvent) {
	if c.builder != nil {
		if err := c.transferInBatch(ev); err != nil {
			c.addFailureEventToRetryQueue(ev)
			return
		}
		ev.DecreaseReferenceCount(c.holder, false)
		return
	}

	if c.transferTabletWithoutCheck(ev) {
		ev.DecreaseReferenceCount(c.holder, false)
		return
	}
	c.addFailureEventToRetryQueue(ev)
}

func (c *AsyncConnector) retryFile(ev *event.FileEvent) {
	ok, err := c.transferFileWithoutCheck(ev)
	if ok {
		ev.DecreaseReferenceCount(c.holder, false)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("event", ev.String()).Msg("Retrying file event failed")
		ev.DecreaseReferenceCount(c.holder, false)
		return
	}
	c.addFailureEventToRetryQueue(ev)
}

// addFailureEventToRetryQueue queues ev, which keeps the reference of its
// failed attempt. Released events are skipped; once closed the reference is
// dropped instead.
func (c *AsyncConnector) addFailureEventToRetryQueue(ev event.Event) {
	if ev.IsReleased() {
		return
	}
	if c.closed.Load() || !c.retry.offer(ev) {
		ev.ClearReferenceCount(c.holder)
	}
}

// DiscardEventsOfPipe drops every buffered and queued event of (pipe,
// region) without delivering it. In-flight transfers of the pipe release
// their events instead of requeueing them on failure.
func (c *AsyncConnector) DiscardEventsOfPipe(pipe string, region int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	match := func(ev event.Event) bool {
		return ev.PipeName() == pipe && ev.RegionID() == region
	}

	discarded := 0
	if c.builder != nil {
		discarded += c.builder.DiscardEventsOfPipe(pipe, region)
	}
	for _, ev := range c.retry.removeIf(match) {
		ev.ClearReferenceCount(c.holder)
		discarded++
	}
	inflight := 0
	c.pending.Range(func(_ uint64, h *handler) bool {
		if h.discard(match) {
			inflight++
		}
		return true
	})

	log.Info().
		Str("connector", c.holder).
		Str("pipe", pipe).
		Int32("region", region).
		Int("discarded", discarded).
		Int("in_flight", inflight).
		Msg("Discarded events of pipe")
}

// Close stops the connector. Buffered, in-flight and queued events lose the
// connector's references; no callback touches them afterwards. Closing twice
// is a no-op.
func (c *AsyncConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.builder != nil {
		c.builder.Close()
	}

	c.pending.Range(func(_ uint64, h *handler) bool {
		h.clearEventsReferenceCount()
		return true
	})
	// completions that won their handler before the pass above
	c.inflight.Wait()

	c.cancel()
	var err error
	if cerr := c.clients.Close(); cerr != nil {
		log.Warn().Err(cerr).Str("connector", c.holder).Msg("Failed to close client manager")
		err = cerr
	}

	for _, ev := range c.retry.closeAndDrain() {
		ev.ClearReferenceCount(c.holder)
	}

	log.Info().Str("connector", c.holder).Msg("Connector closed")
	return err
}

// IsClosed reports whether Close was called
func (c *AsyncConnector) IsClosed() bool {
	return c.closed.Load()
}

// RetryEventQueueSize returns the number of events waiting for retry
func (c *AsyncConnector) RetryEventQueueSize() int {
	return c.retry.size()
}

// PendingHandlers returns the number of in-flight transfers
func (c *AsyncConnector) PendingHandlers() int {
	return c.pending.Size()
}
