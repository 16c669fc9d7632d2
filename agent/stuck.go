package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/task"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Reasons a pipe is restarted
const (
	ReasonForced         = "forced"
	ReasonLinkedFiles    = "linked_files_memory"
	ReasonDeletedFiles   = "deleted_files_disk"
	ReasonPinnedMemTable = "pinned_memtables"
	ReasonFloatingMemory = "floating_memory"
	ReasonManual         = "manual"
)

type stuckPipe struct {
	meta   *meta.PipeMeta
	reason string
}

// RestartAllStuckPipes finds the pipes starving the node and recreates them
// in parallel. It gives up with ErrLockTimeout when the task table stays busy.
func (a *Agent) RestartAllStuckPipes(ctx context.Context) error {
	if !a.lock.tryLock(a.cfg.RestartLockTimeout) {
		return ErrLockTimeout
	}
	stuck := a.findAllStuckPipesLocked()
	a.lock.unlock()

	var g errgroup.Group
	for _, s := range stuck {
		s := s
		g.Go(func() error {
			return a.restartStuckPipe(ctx, s.meta, s.reason)
		})
	}
	return g.Wait()
}

// findAllStuckPipesLocked evaluates the restart triggers in priority order.
// The first global trigger that fires marks every pipe.
func (a *Agent) findAllStuckPipesLocked() []stuckPipe {
	pipes := a.keeper.List()
	all := func(reason string) []stuckPipe {
		out := make([]stuckPipe, 0, len(pipes))
		for _, pm := range pipes {
			out = append(out, stuckPipe{meta: pm, reason: reason})
		}
		return out
	}

	now := a.now().UnixMilli()
	if now-a.lastForcedRestart.Load() > a.cfg.ForcedRestartInterval.Milliseconds() {
		a.lastForcedRestart.Store(now)
		log.Warn().Int("pipes", len(pipes)).Msg("Restarting all pipes by the forced restart policy")
		return all(ReasonForced)
	}

	res := a.deps.Resources
	if 3*res.LinkedDeletedResourceRAMBytes() >= 2*res.FreeMemoryBytes() {
		log.Warn().Int("pipes", len(pipes)).Msg("Restarting all pipes, linked files hold too much memory")
		return all(ReasonLinkedFiles)
	}

	var stuck []stuckPipe
	for _, pm := range pipes {
		name := pm.Static.PipeName
		sources := a.insertionSourcesLocked(name)
		if len(sources) == 0 {
			continue
		}

		if res.CompactionEnabled() && a.mayDeletedFileSizeReachDangerousThreshold() {
			log.Warn().Str("pipe", pm.Static.String()).Msg("Pipe needs restart, too many linked files are out of date")
			stuck = append(stuck, stuckPipe{meta: pm, reason: ReasonDeletedFiles})
			continue
		}

		if !sources[0].IsStreamMode() {
			continue
		}

		consumedHistory := false
		for _, s := range sources {
			if s.HasConsumedAllHistoricalFiles() {
				consumedHistory = true
				break
			}
		}

		switch {
		case consumedHistory && (a.mayPinnedMemTableCountReachDangerousThreshold() || a.mayWALSizeReachThrottleThreshold()):
			log.Warn().Str("pipe", pm.Static.String()).Msg("Pipe needs restart, too many memtables are pinned")
			stuck = append(stuck, stuckPipe{meta: pm, reason: ReasonPinnedMemTable})
		case res.FloatingMemory(name) >= res.FreeMemoryBytes()/int64(len(pipes)):
			log.Warn().Str("pipe", pm.Static.String()).Msg("Pipe needs restart, too many events are in flight")
			stuck = append(stuck, stuckPipe{meta: pm, reason: ReasonFloatingMemory})
		}
	}
	return stuck
}

// insertionSourcesLocked returns the sources of a pipe that extract
// insertions, ordered by region
func (a *Agent) insertionSourcesLocked(pipe string) []task.Source {
	regions := make([]int32, 0, len(a.tasks[pipe]))
	for region := range a.tasks[pipe] {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })

	var out []task.Source
	for _, region := range regions {
		if s := a.tasks[pipe][region].Source(); s.ShouldExtractInsertion() {
			out = append(out, s)
		}
	}
	return out
}

func (a *Agent) mayDeletedFileSizeReachDangerousThreshold() bool {
	linked := a.deps.Resources.LinkedDeletedFileBytes()
	total := a.deps.Resources.TotalDiskBytes()
	return linked > 0 && total > 0 && float64(linked) > a.cfg.MaxLinkedDeletedDiskPercentage*float64(total)
}

func (a *Agent) mayPinnedMemTableCountReachDangerousThreshold() bool {
	limit := a.cfg.MaxAllowedPinnedMemTableCount
	return limit > 0 && a.deps.Resources.PinnedMemTableCount() >= 10*limit
}

func (a *Agent) mayWALSizeReachThrottleThreshold() bool {
	return 3*a.deps.Resources.WALDiskUsage() > 2*a.deps.Resources.WALThrottleThreshold()
}

// restartStuckPipe drops and recreates a pipe from a copy of its meta while
// holding the task table lock
func (a *Agent) restartStuckPipe(ctx context.Context, pm *meta.PipeMeta, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Warn().Str("pipe", pm.Static.String()).Str("reason", reason).Msg("Restarting stuck pipe")
	a.lock.lock()
	defer a.lock.unlock()

	start := a.now()
	if a.keeper.Get(pm.Static.PipeName) != pm {
		log.Info().Str("pipe", pm.Static.String()).Msg("Pipe changed before restart, skipping")
		return nil
	}

	original := pm.DeepCopy()
	if err := a.dropPipeLocked(pm.Static.PipeName); err != nil {
		log.Warn().Err(err).Str("pipe", pm.Static.String()).Msg("Failed to drop stuck pipe")
	}
	if err := a.handleSinglePipeMetaChangesLocked(original); err != nil {
		log.Warn().Err(err).Str("pipe", pm.Static.String()).Msg("Failed to restart stuck pipe")
		return fmt.Errorf("restart %s: %w", pm.Static, err)
	}

	telemetry.StuckRestartsTotal.With(reason).Inc()
	log.Warn().
		Str("pipe", original.Static.String()).
		Dur("took", a.now().Sub(start)).
		Msg("Stuck pipe restarted")
	return nil
}

// RestartPipe recreates one pipe on demand
func (a *Agent) RestartPipe(ctx context.Context, name string) error {
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return ErrLockTimeout
	}
	pm := a.keeper.Get(name)
	a.lock.rUnlock()

	if pm == nil {
		return fmt.Errorf("%w: %s", ErrPipeNotFound, name)
	}
	return a.restartStuckPipe(ctx, pm, ReasonManual)
}

// Start runs the stuck pipe check every StuckCheckInterval until ctx is done
func (a *Agent) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.shutdown.Load() {
				return
			}
			if err := a.RestartAllStuckPipes(ctx); err != nil {
				log.Warn().Err(err).Msg("Stuck pipe check failed")
			}
		}
	}
}
