package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/sluice/agent"
	"github.com/maxpert/sluice/connector"
	"github.com/maxpert/sluice/meta"
	"github.com/maxpert/sluice/progress"
	"github.com/maxpert/sluice/telemetry"
	"github.com/rs/zerolog/log"
)

// PipeService is the part of the pipe task agent exposed over HTTP
type PipeService interface {
	Pipes() ([]agent.PipeInfo, error)
	Pipe(name string) (agent.PipeInfo, error)
	RestartPipe(ctx context.Context, name string) error
	HandleSinglePipeMetaChanges(pm *meta.PipeMeta) error
	HandleDropPipe(name string) error
	CollectPipeMetaList() ([]agent.PipeReport, error)
	telemetry.StatsProvider
}

// ConnectorLister lists live connectors
type ConnectorLister interface {
	Info() []connector.Info
}

// AdminHandlers serves the pipe admin API
type AdminHandlers struct {
	pipes      PipeService
	connectors ConnectorLister
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(pipes PipeService, connectors ConnectorLister) *AdminHandlers {
	return &AdminHandlers{
		pipes:      pipes,
		connectors: connectors,
	}
}

// handleListPipes handles GET /admin/pipes
func (h *AdminHandlers) handleListPipes(w http.ResponseWriter, r *http.Request) {
	pipes, err := h.pipes.Pipes()
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSONResponse(w, pipes)
}

// handleGetPipe handles GET /admin/pipes/{name}
func (h *AdminHandlers) handleGetPipe(w http.ResponseWriter, r *http.Request) {
	pipe, err := h.pipes.Pipe(chi.URLParam(r, "name"))
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSONResponse(w, pipe)
}

// handleRestartPipe handles POST /admin/pipes/{name}/restart
func (h *AdminHandlers) handleRestartPipe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pipes.RestartPipe(r.Context(), name); err != nil {
		writeAgentError(w, err)
		return
	}
	log.Info().Str("pipe", name).Str("remote", r.RemoteAddr).Msg("Pipe restarted from admin API")
	writeJSONResponse(w, map[string]any{"success": true, "pipe": name})
}

// PipeRequest is the body of PUT /admin/pipes/{name}. Regions map region ids
// to the node leading them.
type PipeRequest struct {
	CreationTime int64            `json:"creation_time"`
	Status       string           `json:"status"`
	Extractor    meta.Parameters  `json:"extractor"`
	Processor    meta.Parameters  `json:"processor"`
	Connector    meta.Parameters  `json:"connector"`
	Regions      map[int32]uint64 `json:"regions"`
}

func (p PipeRequest) pipeMeta(name string) (*meta.PipeMeta, error) {
	var status meta.Status
	switch strings.ToUpper(p.Status) {
	case "", "RUNNING":
		status = meta.StatusRunning
	case "STOPPED":
		status = meta.StatusStopped
	case "DROPPED":
		status = meta.StatusDropped
	default:
		return nil, fmt.Errorf("unknown pipe status %q", p.Status)
	}
	if p.CreationTime <= 0 {
		return nil, fmt.Errorf("creation_time must be positive")
	}

	tasks := make(map[int32]*meta.TaskMeta, len(p.Regions))
	for region, leader := range p.Regions {
		tasks[region] = meta.NewTaskMeta(leader, progress.Minimum)
	}
	return meta.NewPipeMeta(&meta.StaticMeta{
		PipeName:            name,
		CreationTime:        p.CreationTime,
		ExtractorParameters: p.Extractor,
		ProcessorParameters: p.Processor,
		ConnectorParameters: p.Connector,
	}, meta.NewRuntimeMeta(status, tasks)), nil
}

// handlePutPipe handles PUT /admin/pipes/{name}
func (h *AdminHandlers) handlePutPipe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req PipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid pipe: %v", err))
		return
	}
	pm, err := req.pipeMeta(name)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pipes.HandleSinglePipeMetaChanges(pm); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSONResponse(w, map[string]any{"success": true, "pipe": name})
}

// handleDropPipe handles DELETE /admin/pipes/{name}
func (h *AdminHandlers) handleDropPipe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pipes.HandleDropPipe(name); err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSONResponse(w, map[string]any{"success": true, "pipe": name})
}

// heartbeatEntry is a PipeReport with its meta decoded
type heartbeatEntry struct {
	Pipe             string  `json:"pipe"`
	CreationTime     int64   `json:"creation_time"`
	Completed        bool    `json:"completed"`
	RemainingEvents  int64   `json:"remaining_events"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// handleHeartbeat handles GET /admin/heartbeat
func (h *AdminHandlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reports, err := h.pipes.CollectPipeMetaList()
	if err != nil {
		writeAgentError(w, err)
		return
	}

	entries := make([]heartbeatEntry, 0, len(reports))
	for _, rep := range reports {
		pm, err := meta.Deserialize(rep.Meta)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = append(entries, heartbeatEntry{
			Pipe:             pm.Static.PipeName,
			CreationTime:     pm.Static.CreationTime,
			Completed:        rep.Completed,
			RemainingEvents:  rep.RemainingEvents,
			RemainingSeconds: rep.RemainingSeconds,
		})
	}
	writeJSONResponse(w, entries)
}

// handleListConnectors handles GET /admin/connectors
func (h *AdminHandlers) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.connectors.Info())
}

// handleStats handles GET /admin/stats
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{
		"resources": h.pipes.ResourceStats(),
		"tasks":     h.pipes.TaskStats(),
	})
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrPipeNotFound):
		writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrLockTimeout):
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeErrorResponse(w, http.StatusRequestTimeout, err.Error())
	default:
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
