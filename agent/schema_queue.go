package agent

import (
	"fmt"
	"math"

	"github.com/maxpert/sluice/filter"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
)

// clearSchemaRegionListeningQueueIfNecessary trims every local schema
// listening queue up to the slowest pipe reading it. It returns the schema
// regions still read by some pipe.
func (a *Agent) clearSchemaRegionListeningQueueIfNecessary(metas []*meta.PipeMeta) (map[int32]struct{}, error) {
	newFirstIndex := make(map[int32]int64)

	for _, pm := range metas {
		listened, err := filter.ShouldSchemaRegionBeListened(pm.Static.ExtractorParameters)
		if err != nil {
			return nil, fmt.Errorf("pipe %s: %w", pm.Static.PipeName, err)
		}
		if !listened {
			continue
		}

		tasks := pm.Runtime.TaskMetas()
		for _, region := range a.deps.Regions.SchemaRegions() {
			tm, ok := tasks[region]
			if !ok {
				continue
			}

			cur, seen := newFirstIndex[region]
			if !seen {
				cur = math.MaxInt64
			}
			index := tm.ProgressIndex()
			if index.Kind == progress.KindQueue {
				if index.Queue+1 < cur {
					newFirstIndex[region] = index.Queue + 1
				}
			} else {
				// a pipe that has not consumed anything yet keeps the whole queue
				newFirstIndex[region] = 0
			}
		}
	}

	for region, first := range newFirstIndex {
		if err := a.deps.SchemaQueue.RemoveBefore(region, first); err != nil {
			return nil, fmt.Errorf("trim schema region %d: %w", region, err)
		}
	}

	valid := make(map[int32]struct{}, len(newFirstIndex))
	for region := range newFirstIndex {
		valid[region] = struct{}{}
	}
	return valid, nil
}

// closeSchemaRegionListeningQueueIfNecessary closes the queues no pipe reads
// any more. Nothing is closed while some pipe failed to reconcile.
func (a *Agent) closeSchemaRegionListeningQueueIfNecessary(valid map[int32]struct{}, exceptions []meta.ExceptionMessage) error {
	if len(exceptions) > 0 {
		return nil
	}

	for _, region := range a.deps.SchemaQueue.ListeningRegions() {
		if _, ok := valid[region]; ok || !a.deps.SchemaQueue.IsLeaderReady(region) {
			continue
		}
		if err := a.deps.SchemaQueue.Close(region); err != nil {
			return fmt.Errorf("close listening queue of schema region %d: %w", region, err)
		}
	}
	return nil
}
