// Package api defines the REST handlers for the slated server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/internal/version"
	"github.com/slateworks/slate/protocol"
	"github.com/slateworks/slate/workflow"
)

// pingTimeout bounds the round trip behind POST /api/agents/{id}/ping.
const pingTimeout = 2 * time.Second

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Registry *agent.Registry
	Engine   *workflow.Engine
	Bus      bus.Bus
	Logger   *slog.Logger
	Started  time.Time
}

// RegisterRoutes registers the protected API routes on the given mux.
// GET /api/status stays on the public mux; the server mounts it there.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/ping", h.pingAgent)

	mux.HandleFunc("GET /api/workflows", h.listWorkflows)
	mux.HandleFunc("POST /api/workflows", h.startWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", h.getWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/checkpoints", h.listCheckpoints)
	mux.HandleFunc("POST /api/workflows/{id}/pause", h.pauseWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/resume", h.resumeWorkflow)

	mux.HandleFunc("GET /api/bus/history", h.busHistory)

	mux.HandleFunc("GET /api/version", h.versionInfo)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Registry.List()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// agentDetail is the GET /api/agents/{id} body: the snapshot plus the
// operation log, oldest entry first.
type agentDetail struct {
	agent.Info
	Operations []agent.OpEntry `json:"operations"`
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rt, ok := h.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agentDetail{
		Info:       rt.Info(),
		Operations: rt.Record().OperationLog(),
	})
}

func (h *Handlers) pingAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	start := time.Now()
	resp := protocol.Request(r.Context(), h.Bus, protocol.NewPing("api", id), pingTimeout)
	body := map[string]any{
		"status":     string(resp.Status),
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if resp.Reason != "" {
		body["reason"] = resp.Reason
	}
	if resp.Data != nil {
		body["data"] = resp.Data
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Workflow handlers ---

func (h *Handlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.Filter{
		Type:      q.Get("type"),
		ProjectID: q.Get("project_id"),
	}
	if s := q.Get("status"); s != "" {
		st := workflow.Status(s)
		filter.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	insts, err := h.Engine.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if insts == nil {
		insts = []*workflow.Instance{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// startWorkflowRequest is the body accepted by POST /api/workflows.
type startWorkflowRequest struct {
	Type      string         `json:"workflow_type"`
	ProjectID string         `json:"project_id"`
	Context   map[string]any `json:"context"`
}

func (h *Handlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "workflow_type is required")
		return
	}

	in, err := h.Engine.StartWorkflow(r.Context(), req.Type, req.ProjectID, req.Context)
	if err != nil {
		if strings.Contains(err.Error(), "unknown workflow type") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (h *Handlers) getWorkflow(w http.ResponseWriter, r *http.Request) {
	in, err := h.Engine.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Engine.Checkpoints(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cps == nil {
		cps = []*workflow.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (h *Handlers) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	in, err := h.Engine.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handlers) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	in, err := h.Engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// writeWorkflowError maps pause/resume failures: unknown id is 404, a
// state that does not admit the transition is 409.
func writeWorkflowError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}

// --- Bus history ---

func (h *Handlers) busHistory(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	msgs := h.Bus.History(topic, limit)
	if msgs == nil {
		msgs = []*bus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Status / version ---

// Status reports daemon health. The server mounts it on the public mux.
func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(h.Started).Seconds()),
	})
}

func (h *Handlers) versionInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_date": version.BuildDate,
	})
}
