package resource

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/sluice/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

type remainingEntry struct {
	mu          sync.Mutex
	remaining   int64
	transferred float64
	rate        float64
	lastSample  time.Time
	frozen      bool
}

// RemainingTracker estimates per pipe how many events are left and how long
// draining them will take, from an exponentially smoothed transfer rate.
type RemainingTracker struct {
	alpha float64
	now   func() time.Time
	pipes *xsync.MapOf[string, *remainingEntry]
}

// NewRemainingTracker creates a tracker; alpha weights the newest rate sample
func NewRemainingTracker(alpha float64) *RemainingTracker {
	return &RemainingTracker{
		alpha: alpha,
		now:   time.Now,
		pipes: xsync.NewMapOf[string, *remainingEntry](),
	}
}

// PipeKey identifies one incarnation of a pipe
func PipeKey(pipe string, creationTime int64) string {
	return pipe + "_" + strconv.FormatInt(creationTime, 10)
}

func (t *RemainingTracker) entry(pipe string, creationTime int64) *remainingEntry {
	e, _ := t.pipes.LoadOrCompute(PipeKey(pipe, creationTime), func() *remainingEntry {
		return &remainingEntry{lastSample: t.now(), frozen: true}
	})
	return e
}

// Register starts tracking a pipe incarnation in frozen state
func (t *RemainingTracker) Register(pipe string, creationTime int64) {
	t.entry(pipe, creationTime)
}

// Deregister forgets a dropped pipe incarnation
func (t *RemainingTracker) Deregister(pipe string, creationTime int64) {
	t.pipes.Delete(PipeKey(pipe, creationTime))
	telemetry.RemainingEvents.Delete(pipe)
	telemetry.RemainingSeconds.Delete(pipe)
}

// Thaw resumes rate sampling when a pipe starts
func (t *RemainingTracker) Thaw(pipe string, creationTime int64) {
	e := t.entry(pipe, creationTime)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		e.frozen = false
		e.transferred = 0
		e.lastSample = t.now()
	}
}

// Freeze pauses rate sampling when a pipe stops
func (t *RemainingTracker) Freeze(pipe string, creationTime int64) {
	e := t.entry(pipe, creationTime)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen = true
}

// EventQueued counts an event handed to the pipe
func (t *RemainingTracker) EventQueued(pipe string, creationTime int64) {
	e := t.entry(pipe, creationTime)
	e.mu.Lock()
	e.remaining++
	e.mu.Unlock()
}

// EventCommitted counts an event whose transfer completed
func (t *RemainingTracker) EventCommitted(pipe string, creationTime int64) {
	e := t.entry(pipe, creationTime)
	e.mu.Lock()
	if e.remaining > 0 {
		e.remaining--
	}
	e.mu.Unlock()
}

// MarkTransferred feeds the rate estimate with weight transferred events
func (t *RemainingTracker) MarkTransferred(pipe string, creationTime int64, weight float64) {
	e := t.entry(pipe, creationTime)
	e.mu.Lock()
	e.transferred += weight
	e.mu.Unlock()
}

// RemainingEventAndTime returns the remaining event count and the estimated
// seconds to drain them. The time is math.MaxFloat64 while nothing moves.
func (t *RemainingTracker) RemainingEventAndTime(pipe string, creationTime int64) (int64, float64) {
	e, ok := t.pipes.Load(PipeKey(pipe, creationTime))
	if !ok {
		return 0, 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	if !e.frozen {
		if elapsed := now.Sub(e.lastSample).Seconds(); elapsed > 0 {
			instant := e.transferred / elapsed
			e.rate = t.alpha*instant + (1-t.alpha)*e.rate
			e.transferred = 0
			e.lastSample = now
		}
	}

	remainingTime := 0.0
	switch {
	case e.remaining == 0:
	case e.rate <= 0:
		remainingTime = math.MaxFloat64
	default:
		remainingTime = float64(e.remaining) / e.rate
	}

	telemetry.RemainingEvents.With(pipe).Set(float64(e.remaining))
	if remainingTime != math.MaxFloat64 {
		telemetry.RemainingSeconds.With(pipe).Set(remainingTime)
	}
	return e.remaining, remainingTime
}
