package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/maxpert/sluice/region"
	"github.com/maxpert/sluice/task"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
	"github.com/maxpert/sluice/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResources struct {
	mu sync.Mutex

	free               int64
	floating           map[string]int64
	pinned             int
	linkedDeletedBytes int64
	linkedDeletedRAM   int64
	walUsage           int64
	walThreshold       int64
	compaction         bool
	totalDisk          int64
	forgotten          []string
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		free:         1 << 30,
		floating:     make(map[string]int64),
		walThreshold: 1 << 30,
		totalDisk:    1 << 40,
	}
}

func (f *fakeResources) set(fn func(f *fakeResources)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeResources) FreeMemoryBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free
}

func (f *fakeResources) FloatingMemory(pipe string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.floating[pipe]
}

func (f *fakeResources) ForgetPipe(pipe string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.floating, pipe)
	f.forgotten = append(f.forgotten, pipe)
}

func (f *fakeResources) PinnedMemTableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned
}

func (f *fakeResources) LinkedDeletedFileBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkedDeletedBytes
}

func (f *fakeResources) LinkedDeletedResourceRAMBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkedDeletedRAM
}

func (f *fakeResources) WALDiskUsage() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.walUsage
}

func (f *fakeResources) WALThrottleThreshold() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.walThreshold
}

func (f *fakeResources) CompactionEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compaction
}

func (f *fakeResources) TotalDiskBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalDisk
}

func (f *fakeResources) Stats() telemetry.ResourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return telemetry.ResourceStats{FreeMemoryBytes: f.free, PinnedMemTables: f.pinned}
}

type sourceSet struct {
	mu      sync.Mutex
	sources map[string]*task.ChannelSource
}

func (s *sourceSet) factory(static *meta.StaticMeta, region int32) task.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := task.NewChannelSource(static.ExtractorParameters, 16)
	s.sources[fmt.Sprintf("%s/%d", static.PipeName, region)] = src
	return src
}

func (s *sourceSet) get(pipe string, region int32) *task.ChannelSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[fmt.Sprintf("%s/%d", pipe, region)]
}

type fixture struct {
	agent     *Agent
	resources *fakeResources
	dialer    *transporttest.Dialer
	registry  *connector.Registry
	regions   *region.StaticLister
	sources   *sourceSet
}

func testConfig() Config {
	return Config{
		NodeID:                         1,
		HeartbeatLockTimeout:           50 * time.Millisecond,
		RestartLockTimeout:             50 * time.Millisecond,
		QueryLockTimeout:               50 * time.Millisecond,
		StuckCheckInterval:             time.Hour,
		ForcedRestartInterval:          time.Hour,
		MaxAllowedPinnedMemTableCount:  5,
		MaxLinkedDeletedDiskPercentage: 0.1,
		MetaReportMaxLogNumPerRound:    10,
		MetaReportMaxLogIntervalRounds: 1,
		SourceBufferSize:               16,
	}
}

func newFixture(t *testing.T, store *meta.Store) *fixture {
	return newFixtureWith(t, store, nil)
}

func newFixtureWith(t *testing.T, store *meta.Store, tune func(c *cfg.Configuration)) *fixture {
	c := cfg.Default()
	c.NodeID = 1
	c.Connector.NodeURLs = []string{"10.0.0.1:6668"}
	c.Connector.SpillDir = t.TempDir()
	c.Connector.BatchEnabled = false
	if tune != nil {
		tune(c)
	}

	f := &fixture{
		resources: newFakeResources(),
		dialer:    transporttest.NewDialer(nil),
		regions: region.NewStaticLister(cfg.RegionsConfiguration{
			Data: []cfg.RegionConfiguration{
				{ID: 1, Database: "root.sg1"},
				{ID: 2, Database: "root.sg2"},
			},
			Schema: []int32{10},
		}),
		sources: &sourceSet{sources: make(map[string]*task.ChannelSource)},
	}
	f.registry = connector.NewRegistry(connector.NewFactory(c, f.dialer, connector.Options{}))
	f.agent = New(testConfig(), Deps{
		Regions:     f.regions,
		Resources:   f.resources,
		Connectors:  f.registry,
		Store:       store,
		Sources:     f.sources.factory,
		TaskOptions: task.Options{MaxRetries: 2, RetryBackoff: time.Millisecond},
	})
	t.Cleanup(func() {
		f.agent.Close()
		f.registry.Close()
	})
	return f
}

func pipeMeta(name string, status meta.Status, extractor meta.Parameters, leaders map[int32]uint64) *meta.PipeMeta {
	tasks := make(map[int32]*meta.TaskMeta, len(leaders))
	for r, leader := range leaders {
		tasks[r] = meta.NewTaskMeta(leader, progress.Minimum)
	}
	return meta.NewPipeMeta(&meta.StaticMeta{
		PipeName:            name,
		CreationTime:        100,
		ExtractorParameters: extractor,
		ConnectorParameters: meta.Parameters{"connector": "sluice-connector"},
	}, meta.NewRuntimeMeta(status, tasks))
}

func streamPipe(name string) *meta.PipeMeta {
	return pipeMeta(name, meta.StatusRunning, meta.Parameters{}, map[int32]uint64{1: 1, 2: 1})
}

func queryPipe(name string) *meta.PipeMeta {
	return pipeMeta(name, meta.StatusRunning, meta.Parameters{meta.ExtractorModeKey: meta.ModeQuery}, map[int32]uint64{1: 1})
}

func TestHandlePipeMetaChanges_CreatesLedListenedRegionsOnly(t *testing.T) {
	f := newFixture(t, nil)

	pm := pipeMeta("p1", meta.StatusRunning, meta.Parameters{}, map[int32]uint64{1: 1, 2: 2, 10: 1})
	assert.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))

	assert.Equal(t, []int32{1}, f.agent.LocalRegions("p1"), "region 2 is led elsewhere and schema is not captured")
	assert.Equal(t, []int32{1, 2, 10}, f.agent.PipeTaskRegionIDs("p1", 100))
	assert.Nil(t, f.agent.PipeTaskRegionIDs("p1", 99))

	tk, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	assert.Equal(t, task.StateRunning, tk.State())
	assert.Equal(t, meta.StatusRunning, pm.Runtime.Status(), "the incoming meta is not mutated")

	schema := pipeMeta("p2", meta.StatusRunning, meta.Parameters{meta.ExtractorInclusionKey: "schema"}, map[int32]uint64{1: 1, 10: 1})
	assert.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm, schema}))
	assert.Equal(t, []int32{10}, f.agent.LocalRegions("p2"))
}

func TestHandlePipeMetaChanges_StatusTransitions(t *testing.T) {
	f := newFixture(t, nil)

	pm := pipeMeta("p1", meta.StatusStopped, meta.Parameters{}, map[int32]uint64{1: 1})
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))
	tk, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	assert.Equal(t, task.StateCreated, tk.State())

	pm.Runtime.SetStatus(meta.StatusRunning)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))
	assert.Equal(t, task.StateRunning, tk.State())

	pm.Runtime.SetStatus(meta.StatusStopped)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))
	assert.Equal(t, task.StateStopped, tk.State())

	info, err := f.agent.Pipe("p1")
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", info.Status)

	require.Empty(t, f.agent.HandlePipeMetaChanges(nil))
	assert.Equal(t, task.StateDropped, tk.State())
	_, ok = f.agent.Task("p1", 1)
	assert.False(t, ok)
	assert.Empty(t, f.registry.Info())
	assert.Contains(t, f.resources.forgotten, "p1")

	_, err = f.agent.Pipe("p1")
	assert.ErrorIs(t, err, ErrPipeNotFound)
}

func TestHandlePipeMetaChanges_DroppedStatus(t *testing.T) {
	f := newFixture(t, nil)
	pm := streamPipe("p1")
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))

	dropped := pm.DeepCopy()
	dropped.Runtime.SetStatus(meta.StatusDropped)
	require.NoError(t, f.agent.HandleSinglePipeMetaChanges(dropped))
	assert.Empty(t, f.agent.LocalRegions("p1"))

	pipes, err := f.agent.Pipes()
	require.NoError(t, err)
	assert.Empty(t, pipes)
}

func TestHandlePipeMetaChanges_RegionReassignment(t *testing.T) {
	f := newFixture(t, nil)

	pm := pipeMeta("p1", meta.StatusRunning, meta.Parameters{}, map[int32]uint64{1: 1, 2: 2})
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{pm}))
	assert.Equal(t, []int32{1}, f.agent.LocalRegions("p1"))

	moved := pipeMeta("p1", meta.StatusRunning, meta.Parameters{}, map[int32]uint64{2: 1})
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{moved}))
	assert.Equal(t, []int32{2}, f.agent.LocalRegions("p1"))
	assert.Equal(t, []int32{2}, f.agent.PipeTaskRegionIDs("p1", 100))

	tk, ok := f.agent.Task("p1", 2)
	require.True(t, ok)
	assert.Equal(t, task.StateRunning, tk.State())
	assert.True(t, f.agent.HasPipeReleaseRegionRelatedResource(1))
	assert.False(t, f.agent.HasPipeReleaseRegionRelatedResource(2))
}

func TestHandlePipeMetaChanges_NewIncarnationRecreatesTasks(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1")}))
	before, _ := f.agent.Task("p1", 1)

	recreated := streamPipe("p1")
	recreated.Static.CreationTime = 200
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{recreated}))

	after, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, task.StateDropped, before.State())
	assert.Equal(t, int64(200), after.CreationTime())
}

func TestHandlePipeMetaChanges_IsolatesFailingPipe(t *testing.T) {
	f := newFixture(t, nil)

	bad := pipeMeta("bad", meta.StatusRunning, meta.Parameters{meta.ExtractorInclusionKey: "data.upsert"}, map[int32]uint64{1: 1})
	exceptions := f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{bad, streamPipe("good")})

	require.Len(t, exceptions, 1)
	assert.Equal(t, "bad", exceptions[0].PipeName)
	assert.Contains(t, exceptions[0].Message, "data.upsert")
	assert.Equal(t, []int32{1, 2}, f.agent.LocalRegions("good"))
}

func TestTask_DeliversThroughSharedConnector(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1")}))
	assert.Len(t, f.registry.Info(), 1, "both regions share one connector")

	tk, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	index := progress.Index{Kind: progress.KindHybrid, WallTime: 42, NodeID: 1}
	ev := event.NewTabletEvent(tk.EventMeta(index), tk.Holder(), &event.Tablet{
		Device:       "root.sg1.d1",
		Measurements: []string{"s1"},
		Timestamps:   []int64{42},
		Values:       [][]interface{}{{int64(42)}},
	})
	require.NoError(t, f.sources.get("p1", 1).Push(context.Background(), ev))

	require.Eventually(t, ev.IsReleased, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.dialer.RequestsOfType(transport.RequestTablet), 1)

	require.Eventually(t, func() bool {
		got, err := f.agent.GetPipeTaskProgressIndex("p1", 1)
		return err == nil && got == index
	}, 2*time.Second, 5*time.Millisecond)

	_, err := f.agent.GetPipeTaskProgressIndex("p1", 7)
	assert.Error(t, err)
	_, err = f.agent.GetPipeTaskProgressIndex("missing", 1)
	assert.ErrorIs(t, err, ErrPipeNotFound)
}

func TestHandleDropPipe_DiscardsQueuedAndBatchedEvents(t *testing.T) {
	f := newFixtureWith(t, nil, func(c *cfg.Configuration) {
		c.Connector.BatchMaxDelayMS = int(time.Hour / time.Millisecond)
	})
	f.dialer.SetHandler(transporttest.Fail)

	batched := func(name string) *meta.PipeMeta {
		pm := streamPipe(name)
		pm.Static.ConnectorParameters[meta.ConnectorBatchEnableKey] = "true"
		return pm
	}
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{batched("p1"), batched("p2")}))
	require.Len(t, f.registry.Info(), 1)

	p1, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	p2, ok := f.agent.Task("p2", 1)
	require.True(t, ok)

	tabletOf := func(tk *task.Task, wall int64) *event.TabletEvent {
		return event.NewTabletEvent(tk.EventMeta(progress.Index{Kind: progress.KindHybrid, WallTime: wall, NodeID: 1}), tk.Holder(), &event.Tablet{
			Device:       "root.sg1.d1",
			Measurements: []string{"s1"},
			Timestamps:   []int64{wall},
			Values:       [][]interface{}{{wall}},
		})
	}
	push := func(tk *task.Task, ev event.Event) {
		require.NoError(t, f.sources.get(tk.PipeName(), tk.Region()).Push(context.Background(), ev))
	}
	retrySize := func() int { return f.registry.Info()[0].RetryQueueSize }

	var dropped []event.Event
	for i := int64(1); i <= 5; i++ {
		ev := tabletOf(p1, i)
		push(p1, ev)
		dropped = append(dropped, ev)
	}
	push(p1, event.NewHeartbeatEvent(p1.EventMeta(progress.Minimum), p1.Holder()))
	require.Eventually(t, func() bool { return retrySize() == 5 }, 2*time.Second, 5*time.Millisecond)

	for i := int64(6); i <= 7; i++ {
		ev := tabletOf(p1, i)
		push(p1, ev)
		dropped = append(dropped, ev)
	}
	other := tabletOf(p2, 8)
	push(p2, other)
	require.Eventually(t, func() bool {
		return dropped[5].ReferenceCount() == 1 && dropped[6].ReferenceCount() == 1 && other.ReferenceCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, retrySize())

	require.NoError(t, f.agent.HandleDropPipe("p1"))

	for _, ev := range dropped {
		assert.Equal(t, 0, ev.ReferenceCount())
		assert.True(t, ev.IsReleased())
	}
	infos := f.registry.Info()
	require.Len(t, infos, 1)
	assert.Equal(t, 0, infos[0].RetryQueueSize)
	for _, key := range infos[0].Tasks {
		assert.Equal(t, "p2", key.Pipe)
	}
	assert.False(t, other.IsReleased())
}

func TestCollectPipeMetaList_QueryPipeCompletes(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{queryPipe("query"), streamPipe("stream")}))

	completed := func() map[string]bool {
		reports, err := f.agent.CollectPipeMetaList()
		require.NoError(t, err)
		out := make(map[string]bool)
		for _, r := range reports {
			pm, err := meta.Deserialize(r.Meta)
			require.NoError(t, err)
			out[pm.Static.PipeName] = r.Completed
		}
		return out
	}

	assert.Equal(t, map[string]bool{"query": false, "stream": false}, completed())

	f.agent.MarkCompleted("query", 1)
	f.agent.MarkCompleted("stream", 1)
	f.agent.MarkCompleted("stream", 2)
	assert.Equal(t, map[string]bool{"query": true, "stream": false}, completed())

	f.agent.MarkCompleted("unknown", 1)
}

func TestCollectPipeMetaList_LockTimeout(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1")}))

	f.agent.lock.lock()
	start := time.Now()
	reports, err := f.agent.CollectPipeMetaList()
	f.agent.lock.unlock()

	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Nil(t, reports)
	assert.Less(t, time.Since(start), time.Second)

	reports, err = f.agent.CollectPipeMetaList()
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestReportLogBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.cfg.MetaReportMaxLogNumPerRound = 3
	f.agent.cfg.MetaReportMaxLogIntervalRounds = 2

	assert.Equal(t, 3, f.agent.reportLogBudget())
	assert.Equal(t, 0, f.agent.reportLogBudget())
	assert.Equal(t, 3, f.agent.reportLogBudget())
}

func stuckReasons(stuck []stuckPipe) map[string]string {
	out := make(map[string]string, len(stuck))
	for _, s := range stuck {
		out[s.meta.Static.PipeName] = s.reason
	}
	return out
}

func TestFindAllStuckPipes_ForcedRestartWinsOverMemoryPressure(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), streamPipe("p2")}))

	f.resources.set(func(r *fakeResources) { r.linkedDeletedRAM = r.free })
	later := time.Now().Add(2 * time.Hour)
	f.agent.now = func() time.Time { return later }

	f.agent.lock.lock()
	stuck := f.agent.findAllStuckPipesLocked()
	f.agent.lock.unlock()

	require.Len(t, stuck, 2, "every pipe is marked exactly once")
	assert.Equal(t, map[string]string{"p1": ReasonForced, "p2": ReasonForced}, stuckReasons(stuck))
	assert.Equal(t, later.UnixMilli(), f.agent.lastForcedRestart.Load())

	f.agent.lock.lock()
	stuck = f.agent.findAllStuckPipesLocked()
	f.agent.lock.unlock()
	assert.Equal(t, map[string]string{"p1": ReasonLinkedFiles, "p2": ReasonLinkedFiles}, stuckReasons(stuck))
}

func TestFindAllStuckPipes_PerPipeTriggers(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		expect map[string]string
	}{
		{
			name:   "healthy",
			setup:  func(f *fixture) {},
			expect: map[string]string{},
		},
		{
			name: "deleted files above disk share",
			setup: func(f *fixture) {
				f.resources.set(func(r *fakeResources) {
					r.compaction = true
					r.linkedDeletedBytes = r.totalDisk / 5
				})
			},
			expect: map[string]string{"p1": ReasonDeletedFiles, "p2": ReasonDeletedFiles, "q1": ReasonDeletedFiles},
		},
		{
			name: "deleted files ignored without compaction",
			setup: func(f *fixture) {
				f.resources.set(func(r *fakeResources) { r.linkedDeletedBytes = r.totalDisk / 5 })
			},
			expect: map[string]string{},
		},
		{
			name: "pinned memtables after history",
			setup: func(f *fixture) {
				f.sources.get("p2", 2).MarkHistoricalConsumed()
				f.resources.set(func(r *fakeResources) { r.pinned = 50 })
			},
			expect: map[string]string{"p2": ReasonPinnedMemTable},
		},
		{
			name: "pinned memtables before history",
			setup: func(f *fixture) {
				f.resources.set(func(r *fakeResources) { r.pinned = 50 })
			},
			expect: map[string]string{},
		},
		{
			name: "wal near throttle",
			setup: func(f *fixture) {
				f.sources.get("p1", 1).MarkHistoricalConsumed()
				f.resources.set(func(r *fakeResources) { r.walUsage = r.walThreshold })
			},
			expect: map[string]string{"p1": ReasonPinnedMemTable},
		},
		{
			name: "floating memory share",
			setup: func(f *fixture) {
				f.resources.set(func(r *fakeResources) {
					r.floating["p1"] = r.free / 3
					r.floating["q1"] = r.free
				})
			},
			expect: map[string]string{"p1": ReasonFloatingMemory},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), streamPipe("p2"), queryPipe("q1")}))
			tc.setup(f)

			f.agent.lock.lock()
			stuck := f.agent.findAllStuckPipesLocked()
			f.agent.lock.unlock()
			assert.Equal(t, tc.expect, stuckReasons(stuck))
		})
	}
}

func TestRestartAllStuckPipes_RecreatesTasks(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), streamPipe("p2")}))
	before, _ := f.agent.Task("p1", 1)

	f.resources.set(func(r *fakeResources) { r.floating["p1"] = r.free })
	require.NoError(t, f.agent.RestartAllStuckPipes(context.Background()))

	after, ok := f.agent.Task("p1", 1)
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, task.StateDropped, before.State())
	assert.Equal(t, task.StateRunning, after.State())
	assert.Equal(t, []int32{1, 2}, f.agent.LocalRegions("p1"))

	info, err := f.agent.Pipe("p1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", info.Status)
}

func TestRestartAllStuckPipes_LockTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.agent.lock.rLock()
	defer f.agent.lock.rUnlock()

	assert.ErrorIs(t, f.agent.RestartAllStuckPipes(context.Background()), ErrLockTimeout)
}

func TestRestartPipe(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1")}))
	before, _ := f.agent.Task("p1", 2)

	require.NoError(t, f.agent.RestartPipe(context.Background(), "p1"))
	after, ok := f.agent.Task("p1", 2)
	require.True(t, ok)
	assert.NotSame(t, before, after)

	assert.ErrorIs(t, f.agent.RestartPipe(context.Background(), "missing"), ErrPipeNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.agent.RestartPipe(ctx, "p1"), context.Canceled)
}

func TestStopAllPipesWithCriticalException(t *testing.T) {
	f := newFixture(t, nil)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), streamPipe("p2")}))

	tk, _ := f.agent.Task("p1", 1)
	tk.TaskMeta().TrackException(true, fmt.Errorf("receiver rejected the schema"))
	f.agent.StopAllPipesWithCriticalException()

	p1, err := f.agent.Pipe("p1")
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", p1.Status)
	require.Len(t, p1.Tasks, 2)
	assert.Len(t, p1.Tasks[0].Exceptions, 1)

	p2, err := f.agent.Pipe("p2")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", p2.Status)
}

func TestRecover_RestoresPersistedPipes(t *testing.T) {
	store, err := meta.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	first := newFixture(t, store)
	require.Empty(t, first.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), queryPipe("q1")}))
	tk, _ := first.agent.Task("p1", 1)
	tk.TaskMeta().UpdateProgressIndex(progress.QueueIndex(9))
	require.NoError(t, first.agent.HandleSinglePipeMetaChanges(first.agent.keeper.Get("p1").DeepCopy()))
	require.NoError(t, first.agent.HandleDropPipe("q1"))
	first.agent.Close()

	second := newFixture(t, store)
	require.NoError(t, second.agent.Recover())

	pipes, err := second.agent.Pipes()
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.Equal(t, "p1", pipes[0].Name)
	assert.Equal(t, "RUNNING", pipes[0].Status)
	assert.Equal(t, []int32{1, 2}, second.agent.LocalRegions("p1"))

	got, err := second.agent.GetPipeTaskProgressIndex("p1", 1)
	require.NoError(t, err)
	assert.Equal(t, progress.QueueIndex(9), got)
}

func TestTaskStats(t *testing.T) {
	f := newFixture(t, nil)
	stopped := pipeMeta("s1", meta.StatusStopped, meta.Parameters{}, map[int32]uint64{1: 1})
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1"), stopped}))

	stats := f.agent.TaskStats()
	assert.Equal(t, 2, stats["RUNNING"])
	assert.Equal(t, 1, stats["CREATED"])
	assert.Equal(t, 0, stats["STOPPED"])
	assert.Equal(t, int64(1<<30), f.agent.ResourceStats().FreeMemoryBytes)
}

func TestClose_KeepsStoredMetas(t *testing.T) {
	store, err := meta.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := newFixture(t, store)
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("p1")}))
	tk, _ := f.agent.Task("p1", 1)

	f.agent.Close()
	assert.Equal(t, task.StateDropped, tk.State())
	assert.Empty(t, f.registry.Info())
	assert.Empty(t, f.agent.HandlePipeMetaChanges(nil), "a closed agent ignores changes")

	metas, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}
