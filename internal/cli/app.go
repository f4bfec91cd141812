package cli

import (
	"context"
	"fmt"

	"github.com/jlowell/revq/internal/analyze"
	"github.com/jlowell/revq/internal/config"
	"github.com/jlowell/revq/internal/gitops"
	"github.com/jlowell/revq/internal/pipeline"
	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/provider/github"
	"github.com/jlowell/revq/internal/ratelimit"
	"github.com/jlowell/revq/internal/state"
	"github.com/jlowell/revq/internal/workflow"
)

// app is the composition root: every collaborator is constructed here
// once and handed to the commands that need it.
type app struct {
	cfg       *config.Config
	backend   provider.ReviewBackend
	git       *gitops.Client
	limiter   *ratelimit.Limiter
	states    *state.Manager
	workers   []*analyze.Worker
	workflows *workflow.Manager
	workDir   string
}

// buildApp wires the full dependency graph from the merged config. It
// must run inside a git repository.
func buildApp(cfg *config.Config) (*app, error) {
	workDir := config.RepoRoot()
	if workDir == "" {
		return nil, fmt.Errorf("not in a git repository")
	}

	registry := provider.NewRegistry()
	registry.Register(github.NewBackend(cfg.PR.Providers["github"].Token))

	git := gitops.NewClient(workDir)

	backend, err := registry.Get(cfg.PR.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.PR.DefaultProvider, err)
	}
	// Prefer the backend matching the repo's origin remote; fall back to
	// the configured default when there is no origin or no match.
	if url, uerr := git.OriginURL(context.Background()); uerr == nil {
		if detected, derr := registry.Detect(url); derr == nil {
			backend = detected
		}
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxPerHour:        cfg.RateLimit.MaxPerHour,
		MaxPerMinute:      cfg.RateLimit.MaxPerMinute,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
		MaxBackoff:        cfg.RateLimit.ParseMaxBackoff(),
	})
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	n := cfg.Pipeline.Analyzers
	if n < 1 {
		n = 1
	}
	workers := make([]*analyze.Worker, n)
	for i := range workers {
		// The rule analyzer works on the local tree; it needs no
		// rate-limit slot of its own.
		workers[i] = analyze.NewWorker(fmt.Sprintf("analyzer-%d", i+1), analyze.NewRuleAnalyzer(workDir), nil)
	}

	detector := workflow.NewPhraseDetector(cfg.Workflow.SelfCorrectionPhrases)
	workflows := workflow.NewManager(workflow.NewRegistry(), backend, git, limiter, analyze.NewRuleAnalyzer(workDir), detector)
	workflows.BotAuthor = cfg.PR.BotAuthor
	workflows.PageSize = cfg.Pipeline.PageSize

	return &app{
		cfg:       cfg,
		backend:   backend,
		git:       git,
		limiter:   limiter,
		states:    state.NewManager(),
		workers:   workers,
		workflows: workflows,
		workDir:   workDir,
	}, nil
}

// newPipeline builds a pipeline for one PR using the app's shared
// collaborators.
func (a *app) newPipeline(opts pipeline.Options) (*pipeline.Pipeline, error) {
	if opts.BotAuthor == "" {
		opts.BotAuthor = a.cfg.PR.BotAuthor
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = a.cfg.Pipeline.MaxIterations
	}
	opts.IterationDelay = a.cfg.Pipeline.ParseIterationDelay()
	opts.PageSize = a.cfg.Pipeline.PageSize
	opts.CIMaxAttempts = a.cfg.Pipeline.CIMaxAttempts()
	opts.CIInterval = a.cfg.Pipeline.ParseCIPollInterval()

	return pipeline.New(opts, pipeline.Deps{
		Backend: a.backend,
		Git:     a.git,
		Limiter: a.limiter,
		States:  a.states,
		Workers: a.workers,
	})
}
