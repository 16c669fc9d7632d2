// Package event defines the reference-counted change-data units carried by pipes.
//
// An event is created by its producer holding one reference. Every stage that
// keeps the event beyond a synchronous call takes a reference under its own
// holder id and gives it back exactly once. The physical resource behind the
// event (a pinned memtable, a linked file) is released when no holder is left.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/sluice/progress"
	"github.com/rs/zerolog/log"
)

// Reporter receives the progress of events released after a successful transfer
type Reporter interface {
	ReportProgress(ev Event)
}

// Meta carries the attributes every event shares
type Meta struct {
	PipeName     string
	CreationTime int64
	RegionID     int32
	Index        progress.Index
	Reporter     Reporter
	OnRelease    func()
}

// Event is the closed set of change-data units: *TabletEvent, *FileEvent,
// *HeartbeatEvent, *SchemaEvent and *TerminateEvent.
type Event interface {
	PipeName() string
	CreationTime() int64
	RegionID() int32
	ProgressIndex() progress.Index
	CreatedAt() time.Time

	IncreaseReferenceCount(holder string) bool
	DecreaseReferenceCount(holder string, shouldReport bool)
	ClearReferenceCount(holder string)
	ReferenceCount() int
	HolderCount(holder string) int
	IsReleased() bool

	sealed()
}

// Base implements the reference counting shared by all events
type Base struct {
	meta      Meta
	createdAt time.Time
	self      Event

	mu       sync.Mutex
	holders  map[string]int
	released bool
}

func (b *Base) init(meta Meta, creator string, self Event) {
	b.meta = meta
	b.createdAt = time.Now()
	b.self = self
	b.holders = make(map[string]int, 2)
	if creator != "" {
		b.holders[creator] = 1
	}
}

func (b *Base) sealed() {}

func (b *Base) PipeName() string              { return b.meta.PipeName }
func (b *Base) CreationTime() int64           { return b.meta.CreationTime }
func (b *Base) RegionID() int32               { return b.meta.RegionID }
func (b *Base) ProgressIndex() progress.Index { return b.meta.Index }
func (b *Base) CreatedAt() time.Time          { return b.createdAt }

// IncreaseReferenceCount takes a reference for holder. It returns false without
// taking anything when the event has already been released.
func (b *Base) IncreaseReferenceCount(holder string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return false
	}
	b.holders[holder]++
	return true
}

// DecreaseReferenceCount gives back one reference of holder. A holder can never
// go below its own increments; a surplus decrement is logged and ignored.
func (b *Base) DecreaseReferenceCount(holder string, shouldReport bool) {
	b.mu.Lock()
	n, ok := b.holders[holder]
	if !ok || n <= 0 {
		b.mu.Unlock()
		log.Warn().
			Str("pipe", b.meta.PipeName).
			Int32("region", b.meta.RegionID).
			Str("holder", holder).
			Msg("Reference count decreased by a holder without references")
		return
	}

	if n == 1 {
		delete(b.holders, holder)
	} else {
		b.holders[holder] = n - 1
	}
	release := b.markReleasedLocked()
	b.mu.Unlock()

	if release {
		b.release(shouldReport)
	}
}

// ClearReferenceCount drops every reference of holder
func (b *Base) ClearReferenceCount(holder string) {
	b.mu.Lock()
	if _, ok := b.holders[holder]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.holders, holder)
	release := b.markReleasedLocked()
	b.mu.Unlock()

	if release {
		b.release(false)
	}
}

// markReleasedLocked flips the released flag when the last holder left.
// Only the caller that flips it may run the release hooks.
func (b *Base) markReleasedLocked() bool {
	if b.released || len(b.holders) > 0 {
		return false
	}
	b.released = true
	return true
}

func (b *Base) release(shouldReport bool) {
	if b.meta.OnRelease != nil {
		b.meta.OnRelease()
	}
	if shouldReport && b.meta.Reporter != nil {
		b.meta.Reporter.ReportProgress(b.self)
	}
}

// ReferenceCount returns the sum of references over all holders
func (b *Base) ReferenceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, n := range b.holders {
		total += n
	}
	return total
}

// HolderCount returns the references held by holder
func (b *Base) HolderCount(holder string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holders[holder]
}

func (b *Base) IsReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

func (b *Base) describe(kind string) string {
	return fmt.Sprintf("%s{pipe=%s, creation=%d, region=%d, index=%s}",
		kind, b.meta.PipeName, b.meta.CreationTime, b.meta.RegionID, b.meta.Index)
}
