package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maxpert/sluice/agent"
	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/maxpert/sluice/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipes struct {
	pipes     []agent.PipeInfo
	err       error
	restarted []string
	applied   []*meta.PipeMeta
	dropped   []string
	reports   []agent.PipeReport
}

func (f *fakePipes) HandleSinglePipeMetaChanges(pm *meta.PipeMeta) error {
	f.applied = append(f.applied, pm)
	return f.err
}

func (f *fakePipes) HandleDropPipe(name string) error {
	f.dropped = append(f.dropped, name)
	return f.err
}

func (f *fakePipes) CollectPipeMetaList() ([]agent.PipeReport, error) {
	return f.reports, f.err
}

func (f *fakePipes) Pipes() ([]agent.PipeInfo, error) {
	return f.pipes, f.err
}

func (f *fakePipes) Pipe(name string) (agent.PipeInfo, error) {
	if f.err != nil {
		return agent.PipeInfo{}, f.err
	}
	for _, p := range f.pipes {
		if p.Name == name {
			return p, nil
		}
	}
	return agent.PipeInfo{}, fmt.Errorf("%w: %s", agent.ErrPipeNotFound, name)
}

func (f *fakePipes) RestartPipe(_ context.Context, name string) error {
	if _, err := f.Pipe(name); err != nil {
		return err
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakePipes) ResourceStats() telemetry.ResourceStats {
	return telemetry.ResourceStats{FreeMemoryBytes: 1024}
}

func (f *fakePipes) TaskStats() telemetry.TaskStats {
	return telemetry.TaskStats{"RUNNING": 2}
}

type fakeConnectors []connector.Info

func (f fakeConnectors) Info() []connector.Info { return f }

func newServer(t *testing.T, pipes *fakePipes, secret string) *httptest.Server {
	conns := fakeConnectors{{ID: "connector-01", Tasks: []connector.TaskKey{{Pipe: "p1", Region: 1}}}}
	srv := httptest.NewServer(NewRouter(NewAdminHandlers(pipes, conns), secret))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, header http.Header) (int, map[string]json.RawMessage) {
	return doBody(t, method, url, header, "")
}

func doBody(t *testing.T, method, url string, header http.Header, body string) (int, map[string]json.RawMessage) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func samplePipes() *fakePipes {
	return &fakePipes{pipes: []agent.PipeInfo{
		{Name: "p1", Status: "RUNNING", Tasks: []agent.TaskInfo{{Region: 1, Local: true, State: "RUNNING"}}},
		{Name: "p2", Status: "STOPPED"},
	}}
}

func TestListPipes(t *testing.T) {
	srv := newServer(t, samplePipes(), "")

	status, body := do(t, http.MethodGet, srv.URL+"/admin/pipes", nil)
	require.Equal(t, http.StatusOK, status)

	var pipes []agent.PipeInfo
	require.NoError(t, json.Unmarshal(body["data"], &pipes))
	require.Len(t, pipes, 2)
	assert.Equal(t, "p1", pipes[0].Name)
	assert.Equal(t, "RUNNING", pipes[0].Tasks[0].State)
}

func TestGetPipe(t *testing.T) {
	srv := newServer(t, samplePipes(), "")

	status, body := do(t, http.MethodGet, srv.URL+"/admin/pipes/p2", nil)
	require.Equal(t, http.StatusOK, status)
	var pipe agent.PipeInfo
	require.NoError(t, json.Unmarshal(body["data"], &pipe))
	assert.Equal(t, "STOPPED", pipe.Status)

	status, body = do(t, http.MethodGet, srv.URL+"/admin/pipes/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body["error"]), "missing")
}

func TestBusyAgentIsUnavailable(t *testing.T) {
	pipes := samplePipes()
	pipes.err = agent.ErrLockTimeout
	srv := newServer(t, pipes, "")

	status, _ := do(t, http.MethodGet, srv.URL+"/admin/pipes", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRestartPipe(t *testing.T) {
	pipes := samplePipes()
	srv := newServer(t, pipes, "")

	status, _ := do(t, http.MethodPost, srv.URL+"/admin/pipes/p1/restart", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"p1"}, pipes.restarted)

	status, _ = do(t, http.MethodPost, srv.URL+"/admin/pipes/nope/restart", nil)
	assert.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/pipes/p1/restart", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConnectorsAndStats(t *testing.T) {
	srv := newServer(t, samplePipes(), "")

	status, body := do(t, http.MethodGet, srv.URL+"/admin/connectors", nil)
	require.Equal(t, http.StatusOK, status)
	var infos []connector.Info
	require.NoError(t, json.Unmarshal(body["data"], &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, []connector.TaskKey{{Pipe: "p1", Region: 1}}, infos[0].Tasks)

	status, body = do(t, http.MethodGet, srv.URL+"/admin/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body["data"]), `"RUNNING":2`)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newServer(t, samplePipes(), "s3cret")

	status, _ := do(t, http.MethodGet, srv.URL+"/admin/pipes", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/pipes", http.Header{"Authorization": {"Basic s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/pipes", http.Header{"X-Sluice-Secret": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/pipes", http.Header{"X-Sluice-Secret": {"s3cret"}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, srv.URL+"/admin/pipes", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, status)
}

func TestPutPipe(t *testing.T) {
	pipes := samplePipes()
	srv := newServer(t, pipes, "")

	status, _ := doBody(t, http.MethodPut, srv.URL+"/admin/pipes/p3", nil, `{
		"creation_time": 42,
		"status": "stopped",
		"extractor": {"extractor.mode": "query"},
		"connector": {"connector.node-urls": "10.0.0.9:6668"},
		"regions": {"1": 7, "2": 8}
	}`)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pipes.applied, 1)

	pm := pipes.applied[0]
	assert.Equal(t, "p3", pm.Static.PipeName)
	assert.Equal(t, int64(42), pm.Static.CreationTime)
	assert.Equal(t, meta.StatusStopped, pm.Runtime.Status())
	assert.True(t, pm.Static.ExtractorParameters.IsSnapshotMode())
	assert.Equal(t, []int32{1, 2}, pm.Runtime.Regions())
	assert.Equal(t, uint64(8), pm.Runtime.TaskMeta(2).LeaderNodeID())
	assert.Equal(t, progress.Minimum, pm.Runtime.TaskMeta(1).ProgressIndex())

	status, _ = doBody(t, http.MethodPut, srv.URL+"/admin/pipes/p4", nil, `{"creation_time": 1, "status": "paused"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doBody(t, http.MethodPut, srv.URL+"/admin/pipes/p4", nil, `{"status": "running"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doBody(t, http.MethodPut, srv.URL+"/admin/pipes/p4", nil, `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, pipes.applied, 1)
}

func TestDropPipe(t *testing.T) {
	pipes := samplePipes()
	srv := newServer(t, pipes, "")

	status, _ := do(t, http.MethodDelete, srv.URL+"/admin/pipes/p1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"p1"}, pipes.dropped)
}

func TestHeartbeat(t *testing.T) {
	pm := meta.NewPipeMeta(&meta.StaticMeta{PipeName: "p1", CreationTime: 5}, meta.NewRuntimeMeta(meta.StatusRunning, nil))
	data, err := pm.Serialize()
	require.NoError(t, err)

	pipes := samplePipes()
	pipes.reports = []agent.PipeReport{{Meta: data, Completed: true, RemainingEvents: 3}}
	srv := newServer(t, pipes, "")

	status, body := do(t, http.MethodGet, srv.URL+"/admin/heartbeat", nil)
	require.Equal(t, http.StatusOK, status)

	var entries []heartbeatEntry
	require.NoError(t, json.Unmarshal(body["data"], &entries))
	assert.Equal(t, []heartbeatEntry{{Pipe: "p1", CreationTime: 5, Completed: true, RemainingEvents: 3}}, entries)
}
