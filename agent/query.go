package agent

import (
	"fmt"
	"sort"

	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/maxpert/sluice/task"
	"github.com/maxpert/sluice/telemetry"
)

// MarkCompleted flags the region task of a pipe as having drained a finite
// extraction. It is called from the transfer path and takes no lock.
func (a *Agent) MarkCompleted(pipe string, region int32) {
	if t, ok := a.lookup.Load(taskKey{pipe: pipe, region: region}); ok {
		t.MarkCompleted()
	}
}

// Task returns the local task of a pipe on a region
func (a *Agent) Task(pipe string, region int32) (*task.Task, bool) {
	return a.lookup.Load(taskKey{pipe: pipe, region: region})
}

// GetPipeTaskProgressIndex returns the progress of a pipe on a region
func (a *Agent) GetPipeTaskProgressIndex(pipe string, region int32) (progress.Index, error) {
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return progress.Minimum, ErrLockTimeout
	}
	defer a.lock.rUnlock()

	pm := a.keeper.Get(pipe)
	if pm == nil {
		return progress.Minimum, fmt.Errorf("%w: %s", ErrPipeNotFound, pipe)
	}
	tm := pm.Runtime.TaskMeta(region)
	if tm == nil {
		return progress.Minimum, fmt.Errorf("pipe %s has no task on region %d", pipe, region)
	}
	return tm.ProgressIndex(), nil
}

// HasPipeReleaseRegionRelatedResource reports whether no local task runs on
// region any more. It answers false when the task table stays busy.
func (a *Agent) HasPipeReleaseRegionRelatedResource(region int32) bool {
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return false
	}
	defer a.lock.rUnlock()

	for _, tasks := range a.tasks {
		if _, ok := tasks[region]; ok {
			return false
		}
	}
	return true
}

// PipeTaskRegionIDs returns the regions assigned to a pipe incarnation
func (a *Agent) PipeTaskRegionIDs(pipe string, creationTime int64) []int32 {
	a.lock.rLock()
	defer a.lock.rUnlock()

	pm := a.keeper.Get(pipe)
	if pm == nil || pm.Static.CreationTime != creationTime {
		return nil
	}
	return pm.Runtime.Regions()
}

// TaskInfo describes a region of a pipe
type TaskInfo struct {
	Region        int32                `json:"region"`
	LeaderNodeID  uint64               `json:"leader_node_id"`
	Local         bool                 `json:"local"`
	State         string               `json:"state,omitempty"`
	Completed     bool                 `json:"completed"`
	ProgressIndex string               `json:"progress_index"`
	Exceptions    []meta.TaskException `json:"exceptions,omitempty"`
}

// PipeInfo describes a pipe known to the node
type PipeInfo struct {
	Name             string     `json:"name"`
	CreationTime     int64      `json:"creation_time"`
	Status           string     `json:"status"`
	RemainingEvents  int64      `json:"remaining_events"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	Tasks            []TaskInfo `json:"tasks"`
}

// Pipes describes every known pipe ordered by name
func (a *Agent) Pipes() ([]PipeInfo, error) {
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return nil, ErrLockTimeout
	}
	defer a.lock.rUnlock()

	pipes := a.keeper.List()
	out := make([]PipeInfo, 0, len(pipes))
	for _, pm := range pipes {
		out = append(out, a.describeLocked(pm))
	}
	return out, nil
}

// Pipe describes one pipe
func (a *Agent) Pipe(name string) (PipeInfo, error) {
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return PipeInfo{}, ErrLockTimeout
	}
	defer a.lock.rUnlock()

	pm := a.keeper.Get(name)
	if pm == nil {
		return PipeInfo{}, fmt.Errorf("%w: %s", ErrPipeNotFound, name)
	}
	return a.describeLocked(pm), nil
}

func (a *Agent) describeLocked(pm *meta.PipeMeta) PipeInfo {
	info := PipeInfo{
		Name:         pm.Static.PipeName,
		CreationTime: pm.Static.CreationTime,
		Status:       pm.Runtime.Status().String(),
	}
	if a.deps.Tracker != nil {
		info.RemainingEvents, info.RemainingSeconds = a.deps.Tracker.RemainingEventAndTime(pm.Static.PipeName, pm.Static.CreationTime)
	}

	for _, region := range pm.Runtime.Regions() {
		tm := pm.Runtime.TaskMeta(region)
		if tm == nil {
			continue
		}
		ti := TaskInfo{
			Region:        region,
			LeaderNodeID:  tm.LeaderNodeID(),
			ProgressIndex: tm.ProgressIndex().String(),
			Exceptions:    tm.Exceptions(),
		}
		if t, ok := a.tasks[pm.Static.PipeName][region]; ok {
			ti.Local = true
			ti.State = t.State().String()
			ti.Completed = t.IsCompleted()
		}
		info.Tasks = append(info.Tasks, ti)
	}
	return info
}

// ResourceStats implements telemetry.StatsProvider
func (a *Agent) ResourceStats() telemetry.ResourceStats {
	return a.deps.Resources.Stats()
}

// TaskStats implements telemetry.StatsProvider. It counts nothing when the
// task table stays busy.
func (a *Agent) TaskStats() telemetry.TaskStats {
	stats := telemetry.TaskStats{}
	for _, s := range []task.State{task.StateCreated, task.StateRunning, task.StateStopped} {
		stats[s.String()] = 0
	}
	if !a.lock.tryRLock(a.cfg.QueryLockTimeout) {
		return stats
	}
	defer a.lock.rUnlock()

	for _, tasks := range a.tasks {
		for _, t := range tasks {
			stats[t.State().String()]++
		}
	}
	return stats
}

// LocalRegions returns the regions with a local task of pipe, ascending
func (a *Agent) LocalRegions(pipe string) []int32 {
	a.lock.rLock()
	defer a.lock.rUnlock()

	out := make([]int32, 0, len(a.tasks[pipe]))
	for region := range a.tasks[pipe] {
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
