package telemetry

import (
	"sync"
	"time"
)

// ResourceStats is a point-in-time view of node resources held by pipes
type ResourceStats struct {
	PinnedMemTables        int
	LinkedDeletedFileBytes int64
	WALDiskUsageBytes      int64
	FreeMemoryBytes        int64
	FloatingMemoryBytes    map[string]int64
}

// TaskStats counts local pipe tasks per state
type TaskStats map[string]int

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	ResourceStats() ResourceStats
	TaskStats() TaskStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	seenPipes map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider:  provider,
		interval:  interval,
		stopCh:    make(chan struct{}),
		seenPipes: make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	rs := mc.provider.ResourceStats()
	PinnedMemTables.Set(float64(rs.PinnedMemTables))
	LinkedDeletedFileBytes.Set(float64(rs.LinkedDeletedFileBytes))
	WALDiskUsageBytes.Set(float64(rs.WALDiskUsageBytes))
	FreeMemoryBytes.Set(float64(rs.FreeMemoryBytes))

	current := make(map[string]struct{}, len(rs.FloatingMemoryBytes))
	for pipe, bytes := range rs.FloatingMemoryBytes {
		FloatingMemoryBytes.With(pipe).Set(float64(bytes))
		current[pipe] = struct{}{}
	}
	for pipe := range mc.seenPipes {
		if _, ok := current[pipe]; !ok {
			FloatingMemoryBytes.Delete(pipe)
		}
	}
	mc.seenPipes = current

	for state, n := range mc.provider.TaskStats() {
		PipeTasks.With(state).Set(float64(n))
	}
}
