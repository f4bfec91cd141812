// Package server exposes pipeline and workflow operations over a JSON
// HTTP API so external tools can drive resolution runs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jlowell/revq/internal/pipeline"
	"github.com/jlowell/revq/internal/ratelimit"
	"github.com/jlowell/revq/internal/state"
	"github.com/jlowell/revq/internal/workflow"
)

// PipelineFactory builds a pipeline for one run request. Supplied by the
// composition root so the server never constructs backends itself.
type PipelineFactory func(opts pipeline.Options) (*pipeline.Pipeline, error)

// Server holds the injected collaborators behind the HTTP handlers.
type Server struct {
	workflows   *workflow.Manager
	limiter     *ratelimit.Limiter
	states      *state.Manager
	newPipeline PipelineFactory

	mu         sync.Mutex
	active     *pipeline.Pipeline
	activeOpts *pipeline.Options
	lastResult *pipeline.Result
	lastErr    string

	startTime time.Time
}

// New wires a server.
func New(workflows *workflow.Manager, limiter *ratelimit.Limiter, states *state.Manager, factory PipelineFactory) *Server {
	return &Server{
		workflows:   workflows,
		limiter:     limiter,
		states:      states,
		newPipeline: factory,
		startTime:   time.Now(),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("starting HTTP server", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /threads", s.handleThreads)
	mux.HandleFunc("GET /ratelimit", s.handleRateLimit)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.HandleFunc("POST /workflow/start", s.handleWorkflowStart)
	mux.HandleFunc("POST /workflow/validate", s.handleWorkflowValidate)
	mux.HandleFunc("POST /workflow/apply", s.handleWorkflowApply)
	mux.HandleFunc("POST /workflow/challenge", s.handleWorkflowChallenge)
	mux.HandleFunc("POST /workflow/advance", s.handleWorkflowAdvance)
	mux.HandleFunc("POST /workflow/finalize", s.handleWorkflowFinalize)
	mux.HandleFunc("GET /workflow/status", s.handleWorkflowStatus)
}
