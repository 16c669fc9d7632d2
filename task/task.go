// Package task runs one pipe on one region: it moves the events of its source
// into the pipe's connector and reports their progress.
package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/rs/zerolog/log"
)

// State is the local lifecycle state of a task
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateDropped:
		return "DROPPED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Transferer delivers events; the async connector implements it
type Transferer interface {
	Transfer(ev event.Event) error
}

// Tracker counts events entering and leaving a pipe
type Tracker interface {
	EventQueued(pipe string, creationTime int64)
	EventCommitted(pipe string, creationTime int64)
}

// Options tunes how a task handles transfer errors
type Options struct {
	// MaxRetries is the number of failed attempts after which a non fatal
	// error is recorded as an exception. The event keeps being retried.
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles up to MaxRetryBackoff
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Tracker         Tracker
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 50 * time.Millisecond
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = 5 * time.Second
		if o.MaxRetryBackoff < o.RetryBackoff {
			o.MaxRetryBackoff = o.RetryBackoff
		}
	}
	return o
}

// Task binds a pipe incarnation to a region
type Task struct {
	static   *meta.StaticMeta
	region   int32
	taskMeta *meta.TaskMeta
	source   Source
	conn     Transferer
	opts     Options
	holder   string

	state     atomic.Int32
	completed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a task in CREATED state
func New(static *meta.StaticMeta, region int32, tm *meta.TaskMeta, source Source, conn Transferer, opts Options) *Task {
	t := &Task{
		static:   static,
		region:   region,
		taskMeta: tm,
		source:   source,
		conn:     conn,
		opts:     opts.withDefaults(),
		holder:   "task-" + static.PipeName + "-" + strconv.Itoa(int(region)),
	}
	t.state.Store(int32(StateCreated))
	return t
}

func (t *Task) PipeName() string              { return t.static.PipeName }
func (t *Task) CreationTime() int64           { return t.static.CreationTime }
func (t *Task) Region() int32                 { return t.region }
func (t *Task) Static() *meta.StaticMeta      { return t.static }
func (t *Task) TaskMeta() *meta.TaskMeta      { return t.taskMeta }
func (t *Task) Source() Source                { return t.source }
func (t *Task) State() State                  { return State(t.state.Load()) }
func (t *Task) IsCompleted() bool             { return t.completed.Load() }
func (t *Task) MarkCompleted()                { t.completed.Store(true) }
func (t *Task) Holder() string                { return t.holder }
func (t *Task) IsRunning() bool               { return t.State() == StateRunning }
func (t *Task) ProgressIndex() progress.Index { return t.taskMeta.ProgressIndex() }

// EventMeta returns the meta of an event produced for this task at index.
// Producers create events with Holder() as creator.
func (t *Task) EventMeta(index progress.Index) event.Meta {
	return event.Meta{
		PipeName:     t.static.PipeName,
		CreationTime: t.static.CreationTime,
		RegionID:     t.region,
		Index:        index,
		Reporter:     t,
	}
}

// ReportProgress advances the region progress with a delivered event
func (t *Task) ReportProgress(ev event.Event) {
	t.taskMeta.UpdateProgressIndex(ev.ProgressIndex())
	t.committed()
}

func (t *Task) queued() {
	if t.opts.Tracker != nil {
		t.opts.Tracker.EventQueued(t.static.PipeName, t.static.CreationTime)
	}
}

func (t *Task) committed() {
	if t.opts.Tracker != nil {
		t.opts.Tracker.EventCommitted(t.static.PipeName, t.static.CreationTime)
	}
}

// Start starts the source and the transfer loop
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateRunning:
		return nil
	case StateDropped:
		return fmt.Errorf("task %s on region %d is dropped", t.static, t.region)
	}

	if err := t.source.Start(); err != nil {
		return fmt.Errorf("start source of %s on region %d: %w", t.static, t.region, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.state.Store(int32(StateRunning))
	go t.run(ctx, t.done)

	log.Info().Str("pipe", t.static.PipeName).Int32("region", t.region).Msg("Pipe task started")
	return nil
}

// Stop stops the transfer loop and waits for it to exit
func (t *Task) Stop() {
	t.mu.Lock()
	if t.State() != StateRunning {
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(StateStopped))
	done := t.shutdownLocked()
	t.mu.Unlock()

	<-done
	log.Info().Str("pipe", t.static.PipeName).Int32("region", t.region).Msg("Pipe task stopped")
}

// Drop stops the task for good
func (t *Task) Drop() {
	t.mu.Lock()
	var done chan struct{}
	if t.State() == StateRunning {
		done = t.shutdownLocked()
	}
	t.state.Store(int32(StateDropped))
	t.mu.Unlock()

	if done != nil {
		<-done
	}
	log.Info().Str("pipe", t.static.PipeName).Int32("region", t.region).Msg("Pipe task dropped")
}

func (t *Task) shutdownLocked() chan struct{} {
	t.cancel()
	t.source.Stop()
	return t.done
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	events := t.source.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				t.sourceExhausted(ctx)
				return
			}
			t.queued()
			if !t.transfer(ctx, ev) {
				return
			}
		}
	}
}

// sourceExhausted ends a finite extraction with a terminate event so the
// pipe can report the region as completed
func (t *Task) sourceExhausted(ctx context.Context) {
	if t.source.IsStreamMode() {
		return
	}
	ev := event.NewTerminateEvent(t.EventMeta(t.taskMeta.ProgressIndex()), t.holder)
	t.queued()
	t.transfer(ctx, ev)
}

// transfer delivers ev and gives back the task's reference. Non fatal errors
// are retried until the task is stopped, so progress never moves past an
// undelivered event. It returns false when the task has to stop.
func (t *Task) transfer(ctx context.Context, ev event.Event) bool {
	backoff := t.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := t.conn.Transfer(ev)
		if err == nil {
			ev.DecreaseReferenceCount(t.holder, true)
			return true
		}

		switch {
		case errors.Is(err, connector.ErrClosed):
			ev.DecreaseReferenceCount(t.holder, false)
			t.committed()
			return ctx.Err() == nil

		case connector.IsFatal(err):
			ev.DecreaseReferenceCount(t.holder, false)
			t.committed()
			t.fail(err)
			return false

		case attempt == t.opts.MaxRetries:
			log.Warn().Err(err).
				Str("pipe", t.static.PipeName).
				Int32("region", t.region).
				Int("attempts", attempt).
				Msg("Event keeps failing to transfer, still retrying")
			t.taskMeta.TrackException(false, err)
		}

		select {
		case <-ctx.Done():
			ev.DecreaseReferenceCount(t.holder, false)
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.opts.MaxRetryBackoff {
			backoff = t.opts.MaxRetryBackoff
		}
	}
}

// fail records a critical exception and stops the task from its own loop
func (t *Task) fail(err error) {
	log.Error().Err(err).
		Str("pipe", t.static.PipeName).
		Int32("region", t.region).
		Msg("Pipe task stopped by a fatal error")
	t.taskMeta.TrackException(true, err)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() == StateRunning {
		t.state.Store(int32(StateStopped))
		t.cancel()
		t.source.Stop()
	}
}
