package agent

import (
	"fmt"

	"github.com/maxpert/sluice/filter"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// PipeReport is the heartbeat entry of one pipe
type PipeReport struct {
	Meta             []byte
	Completed        bool
	RemainingEvents  int64
	RemainingSeconds float64
}

// CollectPipeMetaList reports every known pipe. It waits at most the
// heartbeat lock timeout for the task table and reports nothing when the
// table stays busy, so heartbeats are never blocked by reconciliation.
func (a *Agent) CollectPipeMetaList() ([]PipeReport, error) {
	if !a.lock.tryRLock(a.cfg.HeartbeatLockTimeout) {
		telemetry.HeartbeatRoundsTotal.With("skipped").Inc()
		log.Warn().Msg("Skipped pipe meta report, task table is busy")
		return nil, ErrLockTimeout
	}
	defer a.lock.rUnlock()

	if a.shutdown.Load() {
		return nil, nil
	}

	dataRegions := a.deps.Regions.DataRegions()
	logged := a.reportLogBudget()

	pipes := a.keeper.List()
	reports := make([]PipeReport, 0, len(pipes))
	for _, pm := range pipes {
		data, err := pm.Serialize()
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", pm.Static.PipeName, err)
		}

		completed, err := a.isPipeCompletedLocked(pm, dataRegions)
		if err != nil {
			return nil, fmt.Errorf("pipe %s: %w", pm.Static.PipeName, err)
		}

		var remainingEvents int64
		var remainingSeconds float64
		if a.deps.Tracker != nil {
			remainingEvents, remainingSeconds = a.deps.Tracker.RemainingEventAndTime(pm.Static.PipeName, pm.Static.CreationTime)
		}

		reports = append(reports, PipeReport{
			Meta:             data,
			Completed:        completed,
			RemainingEvents:  remainingEvents,
			RemainingSeconds: remainingSeconds,
		})

		if logged > 0 {
			logged--
			log.Info().
				Str("meta", pm.CoreReportMessage()).
				Bool("completed", completed).
				Int64("remaining_events", remainingEvents).
				Float64("remaining_seconds", remainingSeconds).
				Msg("Reporting pipe meta")
		}
	}

	telemetry.HeartbeatRoundsTotal.With("reported").Inc()
	log.Debug().Int("pipes", len(reports)).Msg("Reported pipe metas")
	return reports, nil
}

// isPipeCompletedLocked reports whether a finite pipe finished every local
// data region. Stream pipes never complete.
func (a *Agent) isPipeCompletedLocked(pm *meta.PipeMeta, dataRegions map[int32]string) (bool, error) {
	params := pm.Static.ExtractorParameters
	insertion, _, err := filter.InsertionDeletionOptions(params)
	if err != nil {
		return false, err
	}
	if !insertion || !params.IsSnapshotMode() {
		return false, nil
	}

	for region, t := range a.tasks[pm.Static.PipeName] {
		if _, ok := dataRegions[region]; ok && !t.IsCompleted() {
			return false, nil
		}
	}
	return true, nil
}

// reportLogBudget returns how many pipes this heartbeat round may log
func (a *Agent) reportLogBudget() int {
	round := a.heartbeatRounds.Add(1)
	interval := int64(a.cfg.MetaReportMaxLogIntervalRounds)
	if interval > 1 && (round-1)%interval != 0 {
		return 0
	}
	return a.cfg.MetaReportMaxLogNumPerRound
}
