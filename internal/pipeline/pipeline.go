// Package pipeline orchestrates the automatic resolution run: fetch
// unresolved bot threads, classify them through the worker pool, apply
// valid fixes, commit once per iteration, wait on CI, then resolve or
// revert. Patching and pushing are strictly sequential; only the
// classification fan-out is concurrent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jlowell/revq/internal/analyze"
	"github.com/jlowell/revq/internal/bus"
	"github.com/jlowell/revq/internal/pool"
	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/ratelimit"
	"github.com/jlowell/revq/internal/state"
)

// EventTarget is the bus target run events are published to.
const EventTarget = "pipeline.events"

// ValidationMode selects who decides whether a suggestion is applied.
type ValidationMode string

const (
	// ValidationInternal classifies and applies fixes in-process.
	ValidationInternal ValidationMode = "internal"
	// ValidationExternal fetches the thread batch and returns it raw,
	// leaving classification to an outside caller.
	ValidationExternal ValidationMode = "external"
)

// GitClient is the subset of gitops the pipeline drives.
type GitClient interface {
	CheckoutBranch(ctx context.Context, name, base string) error
	ApplyPatch(ctx context.Context, relPath, unifiedDiff string) error
	CommitAndPush(ctx context.Context, message string) (string, error)
	RevertCommit(ctx context.Context, commitSHA string) error
}

// Options configures a run.
type Options struct {
	Repo           string
	PRNumber       int
	BotAuthor      string
	MaxIterations  int
	DryRun         bool
	ValidationMode ValidationMode
	IterationDelay time.Duration
	PageSize       int
	CIMaxAttempts  int
	CIInterval     time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 5
	}
	if o.ValidationMode == "" {
		o.ValidationMode = ValidationInternal
	}
	if o.IterationDelay <= 0 {
		o.IterationDelay = 30 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.CIMaxAttempts <= 0 {
		o.CIMaxAttempts = 30
	}
	if o.CIInterval <= 0 {
		o.CIInterval = 10 * time.Second
	}
}

func (o Options) validate() error {
	if o.Repo == "" {
		return errors.New("pipeline: repo is required")
	}
	if o.PRNumber <= 0 {
		return errors.New("pipeline: pr number is required")
	}
	if o.BotAuthor == "" {
		return errors.New("pipeline: bot author is required")
	}
	return nil
}

// Deps are the collaborators a Pipeline drives. All are required except
// Bus, which defaults to a private bus when nil.
type Deps struct {
	Backend provider.ReviewBackend
	Git     GitClient
	Limiter *ratelimit.Limiter
	States  *state.Manager
	Workers []*analyze.Worker
	Bus     *bus.Bus
}

// Result summarizes one run. Partial success is a designed outcome:
// counts plus error strings, never an all-or-nothing boolean.
type Result struct {
	Processed   int      `json:"processed"`
	Resolved    int      `json:"resolved"`
	Rejected    int      `json:"rejected"`
	NeedsReview int      `json:"needs_review"`
	Iterations  int      `json:"iterations"`
	Errors      []string `json:"errors,omitempty"`
	// Threads carries the raw unprocessed batch in external validation mode.
	Threads []provider.Thread `json:"threads,omitempty"`
}

// Pipeline runs bounded iterations over one pull request.
type Pipeline struct {
	opts    Options
	backend provider.ReviewBackend
	git     GitClient
	limiter *ratelimit.Limiter
	states  *state.Manager
	pool    *pool.Pool[*analyze.Worker]
	bus     *bus.Bus
	log     *slog.Logger

	trigger chan struct{}
}

// New validates options and wires a Pipeline.
func New(opts Options, deps Deps) (*Pipeline, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil || deps.Git == nil || deps.Limiter == nil || deps.States == nil {
		return nil, errors.New("pipeline: backend, git, limiter and states are required")
	}
	if len(deps.Workers) == 0 {
		return nil, errors.New("pipeline: at least one analyzer worker is required")
	}
	b := deps.Bus
	if b == nil {
		b = bus.New()
	}
	return &Pipeline{
		opts:    opts,
		backend: deps.Backend,
		git:     deps.Git,
		limiter: deps.Limiter,
		states:  deps.States,
		pool:    pool.New(deps.Workers),
		bus:     b,
		log:     slog.Default().With("repo", opts.Repo, "pr", opts.PRNumber),
		trigger: make(chan struct{}, 1),
	}, nil
}

// TriggerPoll requests an immediate next iteration, skipping the
// inter-iteration delay. Safe to call from any goroutine.
func (p *Pipeline) TriggerPoll() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Bus exposes the event bus for subscribers (server, CLI).
func (p *Pipeline) Bus() *bus.Bus { return p.bus }

// Run executes the pipeline until no unresolved bot threads remain, the
// iteration budget is exhausted, or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	defer p.pool.Reset()

	res := &Result{}
	p.emit("pipeline.started", map[string]any{"repo": p.opts.Repo, "pr": p.opts.PRNumber})

	pr, err := p.preflight(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.git.CheckoutBranch(ctx, pr.HeadRef, pr.BaseRef); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", pr.HeadRef, err)
	}

	for i := 0; i < p.opts.MaxIterations; i++ {
		res.Iterations = i + 1

		batch, err := p.fetchBotThreads(ctx)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res, err
		}
		if len(batch) == 0 {
			p.log.Info("no unresolved threads remain", "iterations", res.Iterations)
			break
		}

		if p.opts.ValidationMode == ValidationExternal {
			// The batch is handed over raw; nothing was processed here.
			res.Threads = batch
			p.emit("pipeline.external_batch", map[string]any{"threads": len(batch)})
			return res, nil
		}

		p.log.Info("iteration started", "iteration", i+1, "threads", len(batch))
		if err := p.runIteration(ctx, batch, res); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}

		if i == p.opts.MaxIterations-1 {
			break
		}
		if err := p.waitNext(ctx); err != nil {
			return res, err
		}
	}

	p.emit("pipeline.finished", res)
	return res, nil
}

// preflight verifies the PR is open and not a draft.
func (p *Pipeline) preflight(ctx context.Context) (*provider.PRInfo, error) {
	var pr *provider.PRInfo
	err := p.remote(ctx, func() error {
		var err error
		pr, err = p.backend.GetPR(ctx, p.opts.Repo, p.opts.PRNumber)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}
	if pr.IsDraft {
		return nil, fmt.Errorf("preflight: PR #%d is a draft", p.opts.PRNumber)
	}
	if pr.State != "open" {
		return nil, fmt.Errorf("preflight: PR #%d is %s, not open", p.opts.PRNumber, pr.State)
	}
	return pr, nil
}

// fetchBotThreads pages through unresolved threads and keeps those
// opened by the configured bot author.
func (p *Pipeline) fetchBotThreads(ctx context.Context) ([]provider.Thread, error) {
	var out []provider.Thread
	for page := 1; ; page++ {
		var tp *provider.ThreadPage
		err := p.remote(ctx, func() error {
			var err error
			tp, err = p.backend.ListReviewThreads(ctx, p.opts.Repo, p.opts.PRNumber, true, page, p.opts.PageSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list threads page %d: %w", page, err)
		}
		for _, t := range tp.Threads {
			if t.Author() == p.opts.BotAuthor && !t.IsResolved {
				out = append(out, t)
			}
		}
		if !tp.HasMore {
			return out, nil
		}
	}
}

// runIteration processes one batch end to end.
func (p *Pipeline) runIteration(ctx context.Context, batch []provider.Thread, res *Result) error {
	var eligible []provider.Thread
	var ids []string
	for _, t := range batch {
		// Threads left terminal by a previous iteration re-enter pending
		// when the remote still reports them unresolved. A thread with no
		// path back to pending (pushed but its resolve failed) is skipped
		// rather than poisoning the whole batch.
		if st, ok := p.states.Get(t.ID); ok && st.Status != state.StatusPending && st.Status != state.StatusProcessing {
			if err := p.states.SetStatus(t.ID, state.StatusPending); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("skip %s: %v", t.ID, err))
				continue
			}
		}
		eligible = append(eligible, t)
		ids = append(ids, t.ID)
	}
	if len(eligible) == 0 {
		return nil
	}
	if err := p.states.MarkProcessing(ids); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	res.Processed += len(eligible)

	results := p.fanOut(ctx, eligible)

	var valid, invalid, review []analyze.Result
	for _, r := range results {
		switch r.Result {
		case analyze.ResultValid:
			valid = append(valid, r)
		case analyze.ResultInvalid:
			invalid = append(invalid, r)
		default:
			// needs_review and unpatchable both go to a human.
			review = append(review, r)
		}
		if r.Err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("thread %s: %v", r.ThreadID, r.Err))
		}
	}
	p.emit("pipeline.classified", map[string]any{
		"valid": len(valid), "invalid": len(invalid), "needs_review": len(review),
	})

	if p.opts.DryRun {
		return p.finishDryRun(valid, invalid, review, res)
	}

	for _, r := range invalid {
		if err := p.states.SetStatus(r.ThreadID, state.StatusRejected); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Rejected++
		p.reply(ctx, r.ThreadID, "This suggestion was not applied: "+r.Reasoning, res)
	}
	for _, r := range review {
		if err := p.states.SetStatus(r.ThreadID, state.StatusNeedsReview); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.NeedsReview++
		p.reply(ctx, r.ThreadID, "This thread needs human review: "+r.Reasoning, res)
	}

	if len(valid) == 0 {
		return nil
	}
	return p.applyAndPush(ctx, valid, res)
}

// fanOut classifies the batch concurrently through the pool. One failed
// analysis becomes an error record in its result, never a batch abort.
func (p *Pipeline) fanOut(ctx context.Context, batch []provider.Thread) []analyze.Result {
	results := make([]analyze.Result, len(batch))
	done := make(chan int)
	for i, t := range batch {
		go func(i int, t provider.Thread) {
			defer func() { done <- i }()
			w, err := p.pool.Acquire(ctx)
			if err != nil {
				results[i] = analyze.Result{
					ThreadID:  t.ID,
					Result:    analyze.ResultUnpatchable,
					Reasoning: "no analyzer worker available",
					Err:       err,
				}
				return
			}
			defer p.pool.Release(w)
			results[i] = w.Analyze(ctx, t)
		}(i, t)
	}
	for range batch {
		<-done
	}
	return results
}

// finishDryRun records classifications without touching the remote or
// the working tree. Valid threads are marked resolved so repeated
// dry runs show what a real run would have closed.
func (p *Pipeline) finishDryRun(valid, invalid, review []analyze.Result, res *Result) error {
	for _, r := range valid {
		if err := p.states.SetStatus(r.ThreadID, state.StatusResolved); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Resolved++
	}
	for _, r := range invalid {
		if err := p.states.SetStatus(r.ThreadID, state.StatusRejected); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Rejected++
	}
	for _, r := range review {
		if err := p.states.SetStatus(r.ThreadID, state.StatusNeedsReview); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.NeedsReview++
	}
	p.log.Info("dry run complete", "resolved", res.Resolved, "rejected", res.Rejected)
	return nil
}

// applyAndPush applies valid patches sequentially, commits them as one
// unit, waits on CI, then resolves the batch or reverts it. There is no
// partial revert: the iteration's commit stands or falls as a whole.
func (p *Pipeline) applyAndPush(ctx context.Context, valid []analyze.Result, res *Result) error {
	var applied []analyze.Result
	for _, r := range valid {
		if err := p.git.ApplyPatch(ctx, r.FilePath, r.Patch); err != nil {
			p.log.Warn("patch failed", "thread", r.ThreadID, "err", err)
			p.states.SetError(r.ThreadID, err.Error())
			if serr := p.states.SetStatus(r.ThreadID, state.StatusNeedsReview); serr == nil {
				res.NeedsReview++
			}
			res.Errors = append(res.Errors, fmt.Sprintf("apply %s: %v", r.ThreadID, err))
			continue
		}
		applied = append(applied, r)
	}
	if len(applied) == 0 {
		return errors.New("all patches in the batch failed to apply")
	}

	ids := make([]string, len(applied))
	for i, r := range applied {
		ids[i] = r.ThreadID
	}

	sha, err := p.git.CommitAndPush(ctx, commitMessage(applied))
	if err != nil {
		for _, id := range ids {
			p.states.SetError(id, err.Error())
			if serr := p.states.SetStatus(id, state.StatusNeedsReview); serr == nil {
				res.NeedsReview++
			}
		}
		return fmt.Errorf("commit and push: %w", err)
	}
	if err := p.states.MarkPushed(ids, sha); err != nil {
		return fmt.Errorf("mark pushed: %w", err)
	}
	p.emit("pipeline.pushed", map[string]any{"commit": sha, "threads": len(ids)})

	var check *provider.CheckResult
	err = p.remote(ctx, func() error {
		var err error
		check, err = p.backend.WaitForChecks(ctx, p.opts.Repo, sha, p.opts.CIMaxAttempts, p.opts.CIInterval)
		return err
	})
	if err != nil {
		return fmt.Errorf("wait for checks: %w", err)
	}

	switch check.Conclusion {
	case provider.ChecksSuccess, provider.ChecksNotFound:
		// No registered checks counts as passing; there is nothing to wait on.
		return p.resolveBatch(ctx, ids, sha, res)
	default:
		return p.revertBatch(ctx, ids, sha, check, res)
	}
}

func (p *Pipeline) resolveBatch(ctx context.Context, ids []string, sha string, res *Result) error {
	for _, id := range ids {
		err := p.remote(ctx, func() error {
			return p.backend.ResolveThread(ctx, p.opts.Repo, p.opts.PRNumber, id)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("resolve %s: %v", id, err))
			continue
		}
		if err := p.states.SetStatus(id, state.StatusResolved); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Resolved++
	}
	ack := fmt.Sprintf("Applied %d suggested fix(es) in %s; checks passed.", len(ids), sha)
	if err := p.remote(ctx, func() error {
		return p.backend.PostComment(ctx, p.opts.Repo, p.opts.PRNumber, ack)
	}); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("ack comment: %v", err))
	}
	p.emit("pipeline.resolved", map[string]any{"commit": sha, "threads": len(ids)})
	return nil
}

func (p *Pipeline) revertBatch(ctx context.Context, ids []string, sha string, check *provider.CheckResult, res *Result) error {
	p.log.Warn("checks failed, reverting", "commit", sha, "conclusion", check.Conclusion, "run", check.RunURL)
	if err := p.git.RevertCommit(ctx, sha); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("revert %s: %v", sha, err))
	}
	reason := fmt.Sprintf("checks %s", check.Conclusion)
	if err := p.states.MarkFailed(ids, check.RunURL, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	for _, id := range ids {
		body := fmt.Sprintf("The fix for this thread was reverted: CI %s after commit %s.", check.Conclusion, sha)
		if check.RunURL != "" {
			body += " Failing run: " + check.RunURL
		}
		p.reply(ctx, id, body, res)
	}
	p.emit("pipeline.reverted", map[string]any{"commit": sha, "run": check.RunURL})
	return nil
}

// reply posts a thread reply, demoting failures to run errors.
func (p *Pipeline) reply(ctx context.Context, threadID, body string, res *Result) {
	err := p.remote(ctx, func() error {
		return p.backend.PostThreadReply(ctx, p.opts.Repo, p.opts.PRNumber, threadID, body)
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("reply %s: %v", threadID, err))
	}
}

// remote gates one backend call behind the shared rate limiter.
func (p *Pipeline) remote(ctx context.Context, fn func() error) error {
	if err := p.limiter.Acquire(ctx); err != nil {
		return err
	}
	err := fn()
	p.limiter.EndRequest(err == nil)
	return err
}

// waitNext sleeps the inter-iteration delay, waking early on a poll
// trigger or cancellation.
func (p *Pipeline) waitNext(ctx context.Context) error {
	t := time.NewTimer(p.opts.IterationDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-p.trigger:
		return nil
	}
}

func (p *Pipeline) emit(msgType string, payload any) {
	p.bus.Publish(bus.NewMessage(msgType, "pipeline", EventTarget, payload))
}

func commitMessage(applied []analyze.Result) string {
	files := map[string]bool{}
	for _, r := range applied {
		files[r.FilePath] = true
	}
	names := make([]string, 0, len(files))
	for f := range files {
		names = append(names, f)
	}
	sort.Strings(names)
	return fmt.Sprintf("Apply %d review suggestion(s)\n\nFiles: %s", len(applied), strings.Join(names, ", "))
}
