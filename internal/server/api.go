package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jlowell/revq/internal/pipeline"
	"github.com/jlowell/revq/internal/workflow"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Status     string           `json:"status"`
	Uptime     string           `json:"uptime"`
	RunActive  bool             `json:"run_active"`
	LastResult *pipeline.Result `json:"last_result,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		RunActive:  s.active != nil,
		LastResult: s.lastResult,
		LastError:  s.lastErr,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"threads":    s.states.All(),
		"statistics": s.states.GetStatistics(),
	})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Status())
}

// RunRequest is the JSON body for POST /run.
type RunRequest struct {
	Repo           string `json:"repo"`
	PRNumber       int    `json:"pr_number"`
	DryRun         bool   `json:"dry_run"`
	ValidationMode string `json:"validation_mode,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Repo == "" || req.PRNumber <= 0 {
		http.Error(w, "repo and pr_number are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}
	opts := pipeline.Options{
		Repo:           req.Repo,
		PRNumber:       req.PRNumber,
		DryRun:         req.DryRun,
		ValidationMode: pipeline.ValidationMode(req.ValidationMode),
	}
	p, err := s.newPipeline(opts)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.active = p
	s.activeOpts = &opts
	s.mu.Unlock()

	// Respond immediately; the run executes asynchronously and the caller
	// polls GET /status for the outcome.
	go func() {
		res, err := p.Run(context.Background())
		s.mu.Lock()
		defer s.mu.Unlock()
		s.active = nil
		s.activeOpts = nil
		s.lastResult = res
		s.lastErr = ""
		if err != nil {
			s.lastErr = err.Error()
			slog.Error("pipeline run failed", "repo", req.Repo, "pr", req.PRNumber, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"repo":      req.Repo,
		"pr_number": req.PRNumber,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p == nil {
		http.Error(w, "no run in progress", http.StatusConflict)
		return
	}
	p.TriggerPoll()
	w.WriteHeader(http.StatusNoContent)
}

// WorkflowRequest is the JSON body shared by the workflow endpoints.
type WorkflowRequest struct {
	Repo        string `json:"repo"`
	PRNumber    int    `json:"pr_number"`
	IsValid     bool   `json:"is_valid,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

func decodeWorkflowRequest(w http.ResponseWriter, r *http.Request) (WorkflowRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Repo == "" || req.PRNumber <= 0 {
		http.Error(w, "repo and pr_number are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	st, err := s.workflows.Start(r.Context(), req.Repo, req.PRNumber)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleWorkflowValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	st, err := s.workflows.Validate(r.Context(), req.Repo, req.PRNumber, req.IsValid, req.Reason)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowApply(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	st, err := s.workflows.Apply(r.Context(), req.Repo, req.PRNumber)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowChallenge(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	if req.Explanation == "" {
		http.Error(w, "explanation is required", http.StatusBadRequest)
		return
	}
	st, err := s.workflows.Challenge(r.Context(), req.Repo, req.PRNumber, req.Explanation)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowAdvance(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	st, err := s.workflows.Advance(req.Repo, req.PRNumber)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWorkflowRequest(w, r)
	if !ok {
		return
	}
	st, err := s.workflows.Finalize(r.Context(), req.Repo, req.PRNumber)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	pr, _ := strconv.Atoi(r.URL.Query().Get("pr_number"))
	if repo == "" || pr <= 0 {
		http.Error(w, "repo and pr_number query params are required", http.StatusBadRequest)
		return
	}
	st, err := s.workflows.Status(repo, pr)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, workflow.ErrExists):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
