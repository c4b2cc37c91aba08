// Package server exposes the kernel over HTTP. It is a thin
// collaborator: every operation maps onto Kernel.Submit, Status or
// Stop, plus health and metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmlite/swarmlite/swarm"
	"github.com/swarmlite/swarmlite/swarm/audit"
)

// Server handles the REST surface.
type Server struct {
	kernel *swarm.Kernel
	cfg    swarm.Config
	mux    *http.ServeMux
}

// New builds a server over a kernel. gatherer supplies /metrics; nil
// defaults to prometheus.DefaultGatherer.
func New(kernel *swarm.Kernel, cfg swarm.Config, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{kernel: kernel, cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /workflows/start", s.handleStart)
	s.mux.HandleFunc("GET /workflows/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /workflows/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/governance", s.handleGovernanceHealth)
	s.mux.HandleFunc("GET /health/compliance", s.handleComplianceHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type startRequest struct {
	Definition     string `json:"definition"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	source := r.Header.Get("X-Request-Source")
	clientID := r.Header.Get("X-Client-ID")
	if source == "" || clientID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "missing required headers: X-Request-Source, X-Client-ID",
		})
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Definition) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "definition is required"})
		return
	}

	gctx := swarm.GovContext{
		RequestSource:  source,
		ClientID:       clientID,
		IdempotencyKey: req.IdempotencyKey,
	}
	id, err := s.kernel.Submit(r.Context(), []byte(req.Definition), req.IdempotencyKey, gctx)
	if err != nil {
		var verr *swarm.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
		case errors.Is(err, swarm.ErrWorkflowExists):
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		WorkflowID: id,
		Status:     "started",
		Message:    "workflow " + id + " started",
	})
}

type statusResponse struct {
	swarm.Snapshot
	History []historyEntry `json:"history"`
}

type historyEntry struct {
	Seq       int64  `json:"seq"`
	TaskID    string `json:"task_id,omitempty"`
	Event     string `json:"event"`
	From      string `json:"from_state,omitempty"`
	To        string `json:"to_state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.kernel.Status(r.Context(), id)
	if errors.Is(err, swarm.ErrWorkflowNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "workflow not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	records, err := s.kernel.History(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := statusResponse{Snapshot: snap, History: make([]historyEntry, 0, len(records))}
	for _, rec := range records {
		resp.History = append(resp.History, historyEntry{
			Seq:       rec.Seq,
			TaskID:    rec.TaskID,
			Event:     rec.Event,
			From:      rec.From,
			To:        rec.To,
			Detail:    rec.Detail,
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.kernel.Stop(r.Context(), id)
	if errors.Is(err, swarm.ErrWorkflowNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "workflow not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "workflow " + id + " stop requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleGovernanceHealth(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.GovernanceConfigPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "inactive", "reason": "no governance config"})
		return
	}
	gate, err := swarm.LoadRuleGate(s.cfg.GovernanceConfigPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "active",
		"enforced_rules": map[string]any{
			"phi_allowed":              gate.PHIAllowed,
			"llm_models_allowed":       len(gate.AllowedModels),
			"banned_prompts":           len(gate.BannedPrompts),
			"idempotency_required_for": gate.RequireIdempotencyTypes,
		},
	})
}

func (s *Server) handleComplianceHealth(w http.ResponseWriter, _ *http.Request) {
	encryption := s.cfg.DBEncryptionKey != ""
	auditTrail := len(s.cfg.AuditSecretKey) >= audit.MinKeyLen
	status := "healthy"
	if !encryption || !auditTrail {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"compliance": map[string]any{
			"data_encryption": encryption,
			"audit_trail":     auditTrail,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
