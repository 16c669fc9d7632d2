// Package meta holds the cluster-wide description of pipes as seen by one node.
package meta

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sluice/encoding"
	"github.com/maxpert/sluice/progress"
)

// Status is the cluster-level state of a pipe
type Status int32

const (
	StatusRunning Status = iota
	StatusStopped
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	case StatusDropped:
		return "DROPPED"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// StaticMeta is the immutable part of a pipe
type StaticMeta struct {
	PipeName            string     `msgpack:"name"`
	CreationTime        int64      `msgpack:"creation_time"`
	ExtractorParameters Parameters `msgpack:"extractor"`
	ProcessorParameters Parameters `msgpack:"processor"`
	ConnectorParameters Parameters `msgpack:"connector"`
}

// Equal reports whether two static metas describe the same pipe incarnation
func (s *StaticMeta) Equal(o *StaticMeta) bool {
	return s.PipeName == o.PipeName &&
		s.CreationTime == o.CreationTime &&
		s.ExtractorParameters.Equal(o.ExtractorParameters) &&
		s.ProcessorParameters.Equal(o.ProcessorParameters) &&
		s.ConnectorParameters.Equal(o.ConnectorParameters)
}

func (s *StaticMeta) String() string {
	return fmt.Sprintf("%s@%d", s.PipeName, s.CreationTime)
}

// ExceptionMessage reports one pipe that failed during reconciliation
type ExceptionMessage struct {
	PipeName   string `json:"pipe_name"`
	Message    string `json:"message"`
	TimeMillis int64  `json:"time_millis"`
}

// TaskException is an error recorded on a region task
type TaskException struct {
	Message    string `msgpack:"message" json:"message"`
	TimeMillis int64  `msgpack:"time" json:"time_millis"`
	Critical   bool   `msgpack:"critical" json:"critical"`
}

// TaskMeta is the per-region runtime state of a pipe
type TaskMeta struct {
	mu           sync.Mutex
	leaderNodeID uint64
	index        progress.Index
	exceptions   []TaskException
}

// NewTaskMeta creates the meta of a region task led by leaderNodeID
func NewTaskMeta(leaderNodeID uint64, index progress.Index) *TaskMeta {
	return &TaskMeta{leaderNodeID: leaderNodeID, index: index}
}

func (t *TaskMeta) LeaderNodeID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaderNodeID
}

func (t *TaskMeta) ProgressIndex() progress.Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index
}

// UpdateProgressIndex advances the index; it never moves backwards
func (t *TaskMeta) UpdateProgressIndex(index progress.Index) progress.Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index = t.index.Advance(index)
	return t.index
}

// TrackException records an error on the task
func (t *TaskMeta) TrackException(critical bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exceptions = append(t.exceptions, TaskException{
		Message:    err.Error(),
		TimeMillis: time.Now().UnixMilli(),
		Critical:   critical,
	})
}

func (t *TaskMeta) Exceptions() []TaskException {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TaskException(nil), t.exceptions...)
}

func (t *TaskMeta) ClearExceptions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exceptions = nil
}

func (t *TaskMeta) HasCriticalException() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.exceptions {
		if e.Critical {
			return true
		}
	}
	return false
}

func (t *TaskMeta) wire() taskMetaWire {
	t.mu.Lock()
	defer t.mu.Unlock()
	return taskMetaWire{
		LeaderNodeID: t.leaderNodeID,
		Index:        t.index,
		Exceptions:   append([]TaskException(nil), t.exceptions...),
	}
}

// Clone returns an independent copy
func (t *TaskMeta) Clone() *TaskMeta {
	return t.wire().taskMeta()
}

// RuntimeMeta is the mutable part of a pipe
type RuntimeMeta struct {
	status atomic.Int32

	mu    sync.RWMutex
	tasks map[int32]*TaskMeta
}

// NewRuntimeMeta creates a runtime meta with the given region tasks
func NewRuntimeMeta(status Status, tasks map[int32]*TaskMeta) *RuntimeMeta {
	r := &RuntimeMeta{tasks: make(map[int32]*TaskMeta, len(tasks))}
	r.status.Store(int32(status))
	for id, tm := range tasks {
		r.tasks[id] = tm
	}
	return r
}

func (r *RuntimeMeta) Status() Status {
	return Status(r.status.Load())
}

func (r *RuntimeMeta) SetStatus(s Status) {
	r.status.Store(int32(s))
}

// TaskMeta returns the meta of a region, nil if the region is not assigned
func (r *RuntimeMeta) TaskMeta(region int32) *TaskMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[region]
}

func (r *RuntimeMeta) SetTaskMeta(region int32, tm *TaskMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[region] = tm
}

func (r *RuntimeMeta) RemoveTaskMeta(region int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, region)
}

// TaskMetas returns a snapshot of the region map
func (r *RuntimeMeta) TaskMetas() map[int32]*TaskMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int32]*TaskMeta, len(r.tasks))
	for id, tm := range r.tasks {
		out[id] = tm
	}
	return out
}

// Regions returns the assigned region ids in ascending order
func (r *RuntimeMeta) Regions() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int32, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PipeMeta is the complete description of a pipe
type PipeMeta struct {
	Static  *StaticMeta
	Runtime *RuntimeMeta
}

// NewPipeMeta creates a pipe meta
func NewPipeMeta(static *StaticMeta, runtime *RuntimeMeta) *PipeMeta {
	return &PipeMeta{Static: static, Runtime: runtime}
}

type taskMetaWire struct {
	LeaderNodeID uint64          `msgpack:"leader"`
	Index        progress.Index  `msgpack:"index"`
	Exceptions   []TaskException `msgpack:"exceptions,omitempty"`
}

func (w taskMetaWire) taskMeta() *TaskMeta {
	return &TaskMeta{leaderNodeID: w.LeaderNodeID, index: w.Index, exceptions: w.Exceptions}
}

type pipeMetaWire struct {
	Static StaticMeta             `msgpack:"static"`
	Status Status                 `msgpack:"status"`
	Tasks  map[int32]taskMetaWire `msgpack:"tasks"`
}

func (p *PipeMeta) wire() pipeMetaWire {
	w := pipeMetaWire{
		Static: *p.Static,
		Status: p.Runtime.Status(),
		Tasks:  make(map[int32]taskMetaWire),
	}
	for id, tm := range p.Runtime.TaskMetas() {
		w.Tasks[id] = tm.wire()
	}
	return w
}

func (w pipeMetaWire) pipeMeta() *PipeMeta {
	static := w.Static
	tasks := make(map[int32]*TaskMeta, len(w.Tasks))
	for id, tw := range w.Tasks {
		tasks[id] = tw.taskMeta()
	}
	return NewPipeMeta(&static, NewRuntimeMeta(w.Status, tasks))
}

// DeepCopy returns a copy sharing no mutable state with p
func (p *PipeMeta) DeepCopy() *PipeMeta {
	w := p.wire()
	w.Static.ExtractorParameters = copyParams(w.Static.ExtractorParameters)
	w.Static.ProcessorParameters = copyParams(w.Static.ProcessorParameters)
	w.Static.ConnectorParameters = copyParams(w.Static.ConnectorParameters)
	return w.pipeMeta()
}

func copyParams(p Parameters) Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Serialize encodes the pipe meta for heartbeats and the local store
func (p *PipeMeta) Serialize() ([]byte, error) {
	return encoding.Marshal(p.wire())
}

// Deserialize decodes a serialized pipe meta
func Deserialize(data []byte) (*PipeMeta, error) {
	var w pipeMetaWire
	if err := encoding.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode pipe meta: %w", err)
	}
	return w.pipeMeta(), nil
}

// CoreReportMessage summarizes the pipe for heartbeat logging
func (p *PipeMeta) CoreReportMessage() string {
	tasks := p.Runtime.TaskMetas()
	return fmt.Sprintf("%s status=%s regions=%d", p.Static, p.Runtime.Status(), len(tasks))
}
