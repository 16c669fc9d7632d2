// Package agent reconciles the local pipe tasks of a node with the cluster's
// pipe metas. It reports pipe progress on heartbeats and restarts pipes that
// starve the node of resources.
package agent

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/filter"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/region"
	"github.com/maxpert/sluice/resource"
	"github.com/maxpert/sluice/task"
	"github.com/maxpert/sluice/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrLockTimeout  = errors.New("timed out acquiring the pipe task lock")
	ErrPipeNotFound = errors.New("pipe not found")
)

// Resources is the node resource ledger the stuck detector reads
type Resources interface {
	FreeMemoryBytes() int64
	FloatingMemory(pipe string) int64
	ForgetPipe(pipe string)
	PinnedMemTableCount() int
	LinkedDeletedFileBytes() int64
	LinkedDeletedResourceRAMBytes() int64
	WALDiskUsage() int64
	WALThrottleThreshold() int64
	CompactionEnabled() bool
	TotalDiskBytes() int64
	Stats() telemetry.ResourceStats
}

// SchemaQueue is the listening queue schema regions keep for pipes
type SchemaQueue interface {
	ListeningRegions() []int32
	IsLeaderReady(region int32) bool
	RemoveBefore(region int32, index int64) error
	Close(region int32) error
}

// SourceFactory creates the source of a region task
type SourceFactory func(static *meta.StaticMeta, region int32) task.Source

// Config holds the agent settings
type Config struct {
	NodeID uint64

	HeartbeatLockTimeout time.Duration
	RestartLockTimeout   time.Duration
	QueryLockTimeout     time.Duration
	StuckCheckInterval   time.Duration

	ForcedRestartInterval          time.Duration
	MaxAllowedPinnedMemTableCount  int
	MaxLinkedDeletedDiskPercentage float64

	MetaReportMaxLogNumPerRound    int
	MetaReportMaxLogIntervalRounds int

	SourceBufferSize int
}

// ConfigFromConfiguration derives the agent settings from the node configuration
func ConfigFromConfiguration(c *cfg.Configuration) Config {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		NodeID:                         c.NodeID,
		HeartbeatLockTimeout:           ms(int64(c.Agent.HeartbeatLockTimeoutMS)),
		RestartLockTimeout:             ms(int64(c.Agent.RestartLockTimeoutMS)),
		QueryLockTimeout:               ms(int64(c.Agent.QueryLockTimeoutMS)),
		StuckCheckInterval:             ms(int64(c.Agent.StuckCheckIntervalMS)),
		ForcedRestartInterval:          ms(c.Pipe.ForcedRestartIntervalMS),
		MaxAllowedPinnedMemTableCount:  c.Pipe.MaxAllowedPinnedMemTableCount,
		MaxLinkedDeletedDiskPercentage: c.Pipe.MaxLinkedDeletedDiskPercentage,
		MetaReportMaxLogNumPerRound:    c.Pipe.MetaReportMaxLogNumPerRound,
		MetaReportMaxLogIntervalRounds: c.Pipe.MetaReportMaxLogIntervalRounds,
		SourceBufferSize:               c.Agent.SourceBufferSize,
	}
}

// Deps are the collaborators of an agent. Store, Sources and SchemaQueue are
// optional.
type Deps struct {
	Regions     region.Lister
	Resources   Resources
	Tracker     *resource.RemainingTracker
	Connectors  *connector.Registry
	Store       *meta.Store
	Sources     SourceFactory
	SchemaQueue SchemaQueue
	TaskOptions task.Options
}

type taskKey struct {
	pipe   string
	region int32
}

// Agent owns the pipe task table of the node
type Agent struct {
	cfg  Config
	deps Deps

	// lock guards keeper and tasks
	lock   *timedRWLock
	keeper *meta.Keeper
	tasks  map[string]map[int32]*task.Task

	// lookup mirrors tasks for lock free access from the data path
	lookup *xsync.MapOf[taskKey, *task.Task]

	lastForcedRestart atomic.Int64
	heartbeatRounds   atomic.Int64
	shutdown          atomic.Bool

	now func() time.Time
}

// New creates an agent
func New(c Config, d Deps) *Agent {
	if d.Sources == nil {
		d.Sources = func(static *meta.StaticMeta, _ int32) task.Source {
			return task.NewChannelSource(static.ExtractorParameters, c.SourceBufferSize)
		}
	}
	if d.TaskOptions.Tracker == nil && d.Tracker != nil {
		d.TaskOptions.Tracker = d.Tracker
	}

	a := &Agent{
		cfg:    c,
		deps:   d,
		lock:   newTimedRWLock(),
		keeper: meta.NewKeeper(),
		tasks:  make(map[string]map[int32]*task.Task),
		lookup: xsync.NewMapOf[taskKey, *task.Task](),
		now:    time.Now,
	}
	a.lastForcedRestart.Store(a.now().UnixMilli())
	return a
}

// HandlePipeMetaChanges reconciles the local tasks with the complete list of
// pipe metas. Pipes missing from the list are dropped. A failing pipe is
// reported and does not stop the reconciliation of the others.
func (a *Agent) HandlePipeMetaChanges(metas []*meta.PipeMeta) []meta.ExceptionMessage {
	if a.shutdown.Load() {
		return nil
	}

	a.lock.lock()
	defer a.lock.unlock()

	var exceptions []meta.ExceptionMessage
	report := func(pipe string, err error) {
		telemetry.MetaChangeExceptionsTotal.Inc()
		log.Warn().Err(err).Str("pipe", pipe).Msg("Failed to handle pipe meta change")
		exceptions = append(exceptions, meta.ExceptionMessage{
			PipeName:   pipe,
			Message:    err.Error(),
			TimeMillis: a.now().UnixMilli(),
		})
	}

	known := make(map[string]struct{}, len(metas))
	for _, pm := range metas {
		known[pm.Static.PipeName] = struct{}{}
		if err := a.handleSinglePipeMetaChangesLocked(pm); err != nil {
			report(pm.Static.PipeName, err)
		}
	}

	for _, pm := range a.keeper.List() {
		if _, ok := known[pm.Static.PipeName]; ok {
			continue
		}
		if err := a.dropPipeLocked(pm.Static.PipeName); err != nil {
			report(pm.Static.PipeName, err)
		}
	}

	if a.deps.SchemaQueue != nil {
		valid, err := a.clearSchemaRegionListeningQueueIfNecessary(metas)
		if err == nil {
			err = a.closeSchemaRegionListeningQueueIfNecessary(valid, exceptions)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to clear or close the schema region listening queue")
			exceptions = append(exceptions, meta.ExceptionMessage{Message: err.Error(), TimeMillis: a.now().UnixMilli()})
		}
	}

	return exceptions
}

// HandleSinglePipeMetaChanges reconciles one pipe
func (a *Agent) HandleSinglePipeMetaChanges(pm *meta.PipeMeta) error {
	if a.shutdown.Load() {
		return nil
	}

	a.lock.lock()
	defer a.lock.unlock()
	return a.handleSinglePipeMetaChangesLocked(pm)
}

// HandleDropPipe drops every local task of a pipe
func (a *Agent) HandleDropPipe(name string) error {
	a.lock.lock()
	defer a.lock.unlock()
	return a.dropPipeLocked(name)
}

func (a *Agent) handleSinglePipeMetaChangesLocked(incoming *meta.PipeMeta) error {
	name := incoming.Static.PipeName
	status := incoming.Runtime.Status()

	existing := a.keeper.Get(name)
	if existing != nil && !existing.Static.Equal(incoming.Static) {
		if err := a.dropPipeLocked(name); err != nil {
			return err
		}
		existing = nil
	}

	if status == meta.StatusDropped {
		if existing != nil {
			return a.dropPipeLocked(name)
		}
		return nil
	}

	if existing == nil {
		needStart, err := a.createPipeLocked(incoming)
		if err != nil {
			return err
		}
		if needStart {
			return a.startPipeLocked(name)
		}
		return nil
	}

	if err := a.reconcileRegionsLocked(existing, incoming); err != nil {
		return err
	}

	switch {
	case status == meta.StatusRunning && existing.Runtime.Status() != meta.StatusRunning:
		return a.startPipeLocked(name)
	case status == meta.StatusStopped && existing.Runtime.Status() == meta.StatusRunning:
		a.stopPipeLocked(name)
	}
	return nil
}

// reconcileRegionsLocked aligns the region tasks of a known pipe with the
// incoming region assignment
func (a *Agent) reconcileRegionsLocked(existing, incoming *meta.PipeMeta) error {
	name := existing.Static.PipeName
	running := existing.Runtime.Status() == meta.StatusRunning
	local := existing.Runtime.TaskMetas()

	var errs []error
	for region, tm := range incoming.Runtime.TaskMetas() {
		cur, ok := local[region]
		if ok && cur.LeaderNodeID() == tm.LeaderNodeID() {
			continue
		}
		if ok {
			a.dropTaskLocked(existing.Static, region)
		}
		t, err := a.createTaskLocked(existing.Static, region, tm.Clone())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if t != nil && running {
			if err := t.Start(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for region := range local {
		if incoming.Runtime.TaskMeta(region) == nil {
			a.dropTaskLocked(existing.Static, region)
			existing.Runtime.RemoveTaskMeta(region)
		}
	}

	a.persist(a.keeper.Get(name))
	return errors.Join(errs...)
}

// createPipeLocked registers a copy of pm in STOPPED state with its region
// tasks. It reports whether the pipe has to be started.
func (a *Agent) createPipeLocked(pm *meta.PipeMeta) (bool, error) {
	local := pm.DeepCopy()
	needStart := local.Runtime.Status() == meta.StatusRunning
	local.Runtime.SetStatus(meta.StatusStopped)

	a.keeper.Add(local)
	a.tasks[local.Static.PipeName] = make(map[int32]*task.Task)
	if a.deps.Tracker != nil {
		a.deps.Tracker.Register(local.Static.PipeName, local.Static.CreationTime)
	}

	var errs []error
	for region, tm := range local.Runtime.TaskMetas() {
		if _, err := a.createTaskLocked(local.Static, region, tm); err != nil {
			errs = append(errs, err)
		}
	}

	a.persist(local)
	log.Info().
		Str("pipe", local.Static.PipeName).
		Int64("creation_time", local.Static.CreationTime).
		Int("tasks", len(a.tasks[local.Static.PipeName])).
		Msg("Pipe created")
	return needStart, errors.Join(errs...)
}

// createTaskLocked records the region's task meta and builds a task when this
// node leads the region and the region holds data the pipe listens to. It
// returns nil when no local task is needed.
func (a *Agent) createTaskLocked(static *meta.StaticMeta, region int32, tm *meta.TaskMeta) (*task.Task, error) {
	if pm := a.keeper.Get(static.PipeName); pm != nil {
		pm.Runtime.SetTaskMeta(region, tm)
	}
	if tm.LeaderNodeID() != a.cfg.NodeID {
		return nil, nil
	}

	needData, needSchema, err := a.shouldListen(static.ExtractorParameters, region)
	if err != nil {
		return nil, fmt.Errorf("region %d: %w", region, err)
	}
	if !needData && !needSchema {
		return nil, nil
	}

	conn, err := a.deps.Connectors.Acquire(static.ConnectorParameters, static.PipeName, region)
	if err != nil {
		return nil, fmt.Errorf("region %d: %w", region, err)
	}

	t := task.New(static, region, tm, a.deps.Sources(static, region), conn, a.deps.TaskOptions)
	if a.tasks[static.PipeName] == nil {
		a.tasks[static.PipeName] = make(map[int32]*task.Task)
	}
	a.tasks[static.PipeName][region] = t
	a.lookup.Store(taskKey{pipe: static.PipeName, region: region}, t)
	return t, nil
}

func (a *Agent) shouldListen(params meta.Parameters, region int32) (data, schema bool, err error) {
	if db, ok := a.deps.Regions.DataRegions()[region]; ok {
		if data, err = filter.ShouldDataRegionBeListened(params, db); err != nil {
			return false, false, err
		}
	}
	for _, id := range a.deps.Regions.SchemaRegions() {
		if id == region {
			if schema, err = filter.ShouldSchemaRegionBeListened(params); err != nil {
				return false, false, err
			}
			break
		}
	}
	return data, schema, nil
}

func (a *Agent) startPipeLocked(name string) error {
	pm := a.keeper.Get(name)
	if pm == nil {
		return fmt.Errorf("%w: %s", ErrPipeNotFound, name)
	}

	var errs []error
	for _, t := range a.tasks[name] {
		if err := t.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	pm.Runtime.SetStatus(meta.StatusRunning)
	if a.deps.Tracker != nil {
		a.deps.Tracker.Thaw(name, pm.Static.CreationTime)
	}
	a.persist(pm)
	return errors.Join(errs...)
}

func (a *Agent) stopPipeLocked(name string) {
	pm := a.keeper.Get(name)
	if pm == nil {
		return
	}
	for _, t := range a.tasks[name] {
		t.Stop()
	}
	pm.Runtime.SetStatus(meta.StatusStopped)
	if a.deps.Tracker != nil {
		a.deps.Tracker.Freeze(name, pm.Static.CreationTime)
	}
	a.persist(pm)
	log.Info().Str("pipe", name).Msg("Pipe stopped")
}

func (a *Agent) dropPipeLocked(name string) error {
	pm := a.keeper.Get(name)
	if pm == nil {
		return nil
	}
	pm.Runtime.SetStatus(meta.StatusDropped)

	for region := range a.tasks[name] {
		a.dropTaskLocked(pm.Static, region)
	}
	delete(a.tasks, name)
	a.keeper.Remove(name)

	if a.deps.Tracker != nil {
		a.deps.Tracker.Deregister(name, pm.Static.CreationTime)
	}
	if a.deps.Resources != nil {
		a.deps.Resources.ForgetPipe(name)
	}

	var err error
	if a.deps.Store != nil {
		if err = a.deps.Store.Delete(name); err != nil {
			err = fmt.Errorf("delete stored meta of %s: %w", name, err)
		}
	}
	log.Info().Str("pipe", name).Int64("creation_time", pm.Static.CreationTime).Msg("Pipe dropped")
	return err
}

// dropTaskLocked drops the local task of a region and detaches it from its
// connector
func (a *Agent) dropTaskLocked(static *meta.StaticMeta, region int32) {
	t, ok := a.tasks[static.PipeName][region]
	if !ok {
		return
	}
	t.Drop()
	a.deps.Connectors.Release(static.ConnectorParameters, static.PipeName, region)
	delete(a.tasks[static.PipeName], region)
	a.lookup.Delete(taskKey{pipe: static.PipeName, region: region})
}

// StopAllPipesWithCriticalException stops running pipes whose locally led
// regions recorded a critical exception
func (a *Agent) StopAllPipesWithCriticalException() {
	a.lock.lock()
	defer a.lock.unlock()

	for _, pm := range a.keeper.List() {
		if pm.Runtime.Status() != meta.StatusRunning {
			continue
		}
		for _, tm := range pm.Runtime.TaskMetas() {
			if tm.LeaderNodeID() == a.cfg.NodeID && tm.HasCriticalException() {
				log.Warn().Str("pipe", pm.Static.PipeName).Msg("Stopping pipe with critical exception")
				a.stopPipeLocked(pm.Static.PipeName)
				break
			}
		}
	}
}

func (a *Agent) persist(pm *meta.PipeMeta) {
	if a.deps.Store == nil || pm == nil {
		return
	}
	if err := a.deps.Store.Put(pm); err != nil {
		log.Warn().Err(err).Str("pipe", pm.Static.PipeName).Msg("Failed to persist pipe meta")
	}
}

// Recover recreates the pipes persisted in the meta store
func (a *Agent) Recover() error {
	if a.deps.Store == nil {
		return nil
	}
	metas, err := a.deps.Store.LoadAll()
	if err != nil {
		return fmt.Errorf("load pipe metas: %w", err)
	}

	a.lock.lock()
	defer a.lock.unlock()

	var errs []error
	for _, pm := range metas {
		if err := a.handleSinglePipeMetaChangesLocked(pm); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", pm.Static.PipeName, err))
		}
	}
	log.Info().Int("pipes", len(metas)).Msg("Recovered pipe metas")
	return errors.Join(errs...)
}

// Close stops every task and detaches it from its connector. Stored metas
// are kept for recovery.
func (a *Agent) Close() {
	if !a.shutdown.CompareAndSwap(false, true) {
		return
	}

	a.lock.lock()
	defer a.lock.unlock()

	for _, pm := range a.keeper.List() {
		for region := range a.tasks[pm.Static.PipeName] {
			a.dropTaskLocked(pm.Static, region)
		}
	}
	log.Info().Msg("Pipe task agent closed")
}
