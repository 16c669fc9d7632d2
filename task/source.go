package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/filter"
	"github.com/maxpert/sluice/meta"
)

// ErrSourceClosed is returned when pushing into a closed source
var ErrSourceClosed = errors.New("source closed")

// Source produces the events of one region task. Closing the events channel
// ends the extraction.
type Source interface {
	Start() error
	Stop()
	Events() <-chan event.Event

	IsStreamMode() bool
	ShouldExtractInsertion() bool
	HasConsumedAllHistoricalFiles() bool
}

// ChannelSource is a Source fed by an external producer. It is the entry
// point for extractors: they Push events created with the task's EventMeta
// and Holder, call MarkHistoricalConsumed once the backlog is read, and Close
// finite extractions.
type ChannelSource struct {
	params meta.Parameters
	events chan event.Event

	mu     sync.RWMutex
	closed bool

	running    atomic.Bool
	historical atomic.Bool
}

// NewChannelSource creates a source buffering up to capacity events
func NewChannelSource(params meta.Parameters, capacity int) *ChannelSource {
	return &ChannelSource{params: params, events: make(chan event.Event, capacity)}
}

func (s *ChannelSource) Start() error {
	s.running.Store(true)
	return nil
}

func (s *ChannelSource) Stop() {
	s.running.Store(false)
}

func (s *ChannelSource) Events() <-chan event.Event {
	return s.events
}

// Push blocks until ev is buffered or ctx is done
func (s *ChannelSource) Push(ctx context.Context, ev event.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSourceClosed
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the extraction once the buffered events are consumed
func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// IsRunning reports whether the owning task is started
func (s *ChannelSource) IsRunning() bool {
	return s.running.Load()
}

func (s *ChannelSource) IsStreamMode() bool {
	return !s.params.IsSnapshotMode()
}

func (s *ChannelSource) ShouldExtractInsertion() bool {
	insertion, _, err := filter.InsertionDeletionOptions(s.params)
	return err == nil && insertion
}

// MarkHistoricalConsumed records that every historical file was extracted.
// Stream pipes are only checked for pinned memtables and WAL use after this.
func (s *ChannelSource) MarkHistoricalConsumed() {
	s.historical.Store(true)
}

func (s *ChannelSource) HasConsumedAllHistoricalFiles() bool {
	return s.historical.Load()
}
