package agent

import (
	"sync"
	"testing"

	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSchemaQueue struct {
	mu        sync.Mutex
	listening []int32
	ready     bool
	trimmed   map[int32]int64
	closed    []int32
}

func (q *fakeSchemaQueue) ListeningRegions() []int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int32(nil), q.listening...)
}

func (q *fakeSchemaQueue) IsLeaderReady(int32) bool {
	return q.ready
}

func (q *fakeSchemaQueue) RemoveBefore(region int32, index int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimmed[region] = index
	return nil
}

func (q *fakeSchemaQueue) Close(region int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = append(q.closed, region)
	return nil
}

func schemaPipe(name string, index progress.Index) *meta.PipeMeta {
	pm := pipeMeta(name, meta.StatusRunning, meta.Parameters{meta.ExtractorInclusionKey: "schema"}, map[int32]uint64{10: 2})
	pm.Runtime.TaskMeta(10).UpdateProgressIndex(index)
	return pm
}

func TestSchemaQueue_TrimsToSlowestPipe(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeSchemaQueue{listening: []int32{10}, ready: true, trimmed: make(map[int32]int64)}
	f.agent.deps.SchemaQueue = q

	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{
		schemaPipe("s1", progress.QueueIndex(7)),
		schemaPipe("s2", progress.QueueIndex(3)),
		streamPipe("data"),
	}))
	assert.Equal(t, map[int32]int64{10: 4}, q.trimmed)
	assert.Empty(t, q.closed)

	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{
		schemaPipe("s1", progress.QueueIndex(7)),
		schemaPipe("s3", progress.Minimum),
	}))
	assert.Equal(t, int64(0), q.trimmed[10], "a pipe with no progress keeps the whole queue")
}

func TestSchemaQueue_ClosesUnreadQueues(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeSchemaQueue{listening: []int32{10}, trimmed: make(map[int32]int64)}
	f.agent.deps.SchemaQueue = q

	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("data")}))
	assert.Empty(t, q.closed, "a queue is only closed once its leader is ready")

	q.ready = true
	require.Empty(t, f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{streamPipe("data")}))
	assert.Equal(t, []int32{10}, q.closed)
}

func TestSchemaQueue_KeptWhileAPipeFails(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeSchemaQueue{listening: []int32{10}, ready: true, trimmed: make(map[int32]int64)}
	f.agent.deps.SchemaQueue = q

	bad := streamPipe("bad")
	bad.Static.ConnectorParameters = meta.Parameters{meta.ConnectorNodeURLsKey: "receiver-without-port"}
	exceptions := f.agent.HandlePipeMetaChanges([]*meta.PipeMeta{bad})
	require.Len(t, exceptions, 1)
	assert.Empty(t, q.closed)
}
