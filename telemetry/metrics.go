package telemetry

// Histogram bucket definitions
var (
	// TransferBuckets for a single network transfer round trip
	TransferBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RetryDrainBuckets for a retry drain invocation
	RetryDrainBuckets = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Connector Metrics
var (
	// RetryQueueSize tracks queued retry events by connector and class (tablet, file, total)
	RetryQueueSize GaugeVec = noopGaugeVec{}

	// RetryEventsTotal counts events admitted to a retry queue
	RetryEventsTotal Counter = NoopStat{}

	// RetryDrainSeconds measures retry drain invocations
	RetryDrainSeconds Histogram = NoopStat{}

	// TransfersTotal counts transfers by kind (tablet, batch, file, schema, heartbeat) and result
	TransfersTotal CounterVec = noopCounterVec{}

	// TransferDurationSeconds measures transfer latency by kind
	TransferDurationSeconds HistogramVec = noopHistogramVec{}

	// BatchFlushesTotal counts emitted batches by reason (threshold, forced)
	BatchFlushesTotal CounterVec = noopCounterVec{}

	// PendingHandlers tracks in-flight asynchronous handlers
	PendingHandlers Gauge = NoopStat{}

	// LeaderCacheUpdatesTotal counts leader cache redirects applied
	LeaderCacheUpdatesTotal Counter = NoopStat{}
)

// Agent Metrics
var (
	// PipeTasks tracks local tasks by state
	PipeTasks GaugeVec = noopGaugeVec{}

	// StuckRestartsTotal counts stuck pipe restarts by reason
	StuckRestartsTotal CounterVec = noopCounterVec{}

	// HeartbeatRoundsTotal counts heartbeat collections by result (reported, skipped)
	HeartbeatRoundsTotal CounterVec = noopCounterVec{}

	// MetaChangeExceptionsTotal counts per-pipe failures during reconciliation
	MetaChangeExceptionsTotal Counter = NoopStat{}

	// RemainingEvents tracks the remaining event count per pipe
	RemainingEvents GaugeVec = noopGaugeVec{}

	// RemainingSeconds tracks the estimated remaining time per pipe
	RemainingSeconds GaugeVec = noopGaugeVec{}
)

// Resource Metrics
var (
	PinnedMemTables        Gauge    = NoopStat{}
	LinkedDeletedFileBytes Gauge    = NoopStat{}
	WALDiskUsageBytes      Gauge    = NoopStat{}
	FreeMemoryBytes        Gauge    = NoopStat{}
	FloatingMemoryBytes    GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RetryQueueSize = NewGaugeVec(
		"retry_queue_size",
		"Events waiting in connector retry queues",
		[]string{"connector", "class"},
	)
	RetryEventsTotal = NewCounter(
		"retry_events_total",
		"Events admitted to a retry queue",
	)
	RetryDrainSeconds = NewHistogramWithBuckets(
		"retry_drain_seconds",
		"Retry drain invocation duration in seconds",
		RetryDrainBuckets,
	)
	TransfersTotal = NewCounterVec(
		"transfers_total",
		"Transfers by kind and result",
		[]string{"kind", "result"},
	)
	TransferDurationSeconds = NewHistogramVec(
		"transfer_duration_seconds",
		"Transfer round trip duration in seconds",
		[]string{"kind"},
		TransferBuckets,
	)
	BatchFlushesTotal = NewCounterVec(
		"batch_flushes_total",
		"Emitted batches by reason",
		[]string{"reason"},
	)
	PendingHandlers = NewGauge(
		"pending_handlers",
		"In-flight asynchronous transfer handlers",
	)
	LeaderCacheUpdatesTotal = NewCounter(
		"leader_cache_updates_total",
		"Leader cache entries updated from receiver redirects",
	)

	PipeTasks = NewGaugeVec(
		"tasks",
		"Local pipe tasks by state",
		[]string{"state"},
	)
	StuckRestartsTotal = NewCounterVec(
		"stuck_restarts_total",
		"Pipes restarted by the stuck detector by reason",
		[]string{"reason"},
	)
	HeartbeatRoundsTotal = NewCounterVec(
		"heartbeat_rounds_total",
		"Heartbeat collections by result",
		[]string{"result"},
	)
	MetaChangeExceptionsTotal = NewCounter(
		"meta_change_exceptions_total",
		"Per-pipe failures while reconciling pipe metas",
	)
	RemainingEvents = NewGaugeVec(
		"remaining_events",
		"Remaining events per pipe",
		[]string{"pipe"},
	)
	RemainingSeconds = NewGaugeVec(
		"remaining_seconds",
		"Estimated remaining transfer time per pipe",
		[]string{"pipe"},
	)

	PinnedMemTables = NewGauge(
		"pinned_memtables",
		"Memtables pinned by pipe events",
	)
	LinkedDeletedFileBytes = NewGauge(
		"linked_deleted_file_bytes",
		"Bytes of files kept alive only by pipe links",
	)
	WALDiskUsageBytes = NewGauge(
		"wal_disk_usage_bytes",
		"WAL disk usage",
	)
	FreeMemoryBytes = NewGauge(
		"free_memory_bytes",
		"Free pipe memory budget",
	)
	FloatingMemoryBytes = NewGaugeVec(
		"floating_memory_bytes",
		"In-flight memory per pipe",
		[]string{"pipe"},
	)
}
