// Package workflow drives one-thread-at-a-time interactive resolution of
// review threads: start, validate, apply or challenge, advance, finalize.
// Fixes are committed locally as they are validated; pushing and
// resolving are deferred to a single batch step at the end so the remote
// reviewer is triggered once, not once per thread.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jlowell/revq/internal/analyze"
	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/ratelimit"
)

// ErrNotFound is returned for operations on a (repo, PR) pair with no
// active workflow.
var ErrNotFound = errors.New("workflow: no active workflow for this PR")

// ErrExists is returned by Start when a workflow is already active.
var ErrExists = errors.New("workflow: already active for this PR")

// ErrComplete is returned by mutating operations after the last thread
// has been advanced past.
var ErrComplete = errors.New("workflow: all threads processed")

// Decision records the caller's verdict on one thread.
type Decision struct {
	IsValid    bool   `json:"is_valid"`
	Reason     string `json:"reason,omitempty"`
	FixApplied bool   `json:"fix_applied,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
}

// workflowState is the mutable per-PR record. All access goes through
// the Manager, which holds the lock.
type workflowState struct {
	repo         string
	prNumber     int
	threads      []provider.Thread
	currentIndex int
	processed    int
	decisions    map[string]Decision
	startedAt    time.Time
	lastUpdated  time.Time
}

func (w *workflowState) complete() bool {
	return w.currentIndex >= len(w.threads)
}

func (w *workflowState) current() (*provider.Thread, error) {
	if w.complete() {
		return nil, ErrComplete
	}
	return &w.threads[w.currentIndex], nil
}

// Registry holds the active workflows, keyed by (repo, PR). It is an
// explicitly constructed dependency, injected into whatever needs it.
type Registry struct {
	mu        sync.Mutex
	workflows map[string]*workflowState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*workflowState)}
}

func key(repo string, prNumber int) string {
	return fmt.Sprintf("%s#%d", repo, prNumber)
}

// SelfCorrectionDetector reports whether a thread's own comment history
// shows the bot retracting its suggestion. Heuristic, so pluggable.
type SelfCorrectionDetector func(t provider.Thread) bool

// DefaultSelfCorrectionPhrases are retraction markers seen in practice.
var DefaultSelfCorrectionPhrases = []string{
	"you're right",
	"you are right",
	"my mistake",
	"i was wrong",
	"false positive",
	"disregard this",
	"withdrawing this",
	"good catch, this is not an issue",
}

// NewPhraseDetector matches any configured phrase in a follow-up comment
// by the original author. The first comment is the suggestion itself and
// is never a retraction.
func NewPhraseDetector(phrases []string) SelfCorrectionDetector {
	if len(phrases) == 0 {
		phrases = DefaultSelfCorrectionPhrases
	}
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return func(t provider.Thread) bool {
		if len(t.Comments) < 2 {
			return false
		}
		author := t.Comments[0].Author
		for _, c := range t.Comments[1:] {
			if c.Author != author {
				continue
			}
			body := strings.ToLower(c.Body)
			for _, p := range lowered {
				if strings.Contains(body, p) {
					return true
				}
			}
		}
		return false
	}
}

// GitClient is the subset of gitops the workflow drives. Apply-time
// commits stay local; Push runs once, in Finalize.
type GitClient interface {
	ApplyPatch(ctx context.Context, relPath, unifiedDiff string) error
	Commit(ctx context.Context, message string) (string, error)
	Push(ctx context.Context) error
}

// Status is a point-in-time snapshot of one workflow.
type Status struct {
	Repo          string              `json:"repo"`
	PRNumber      int                 `json:"pr_number"`
	Total         int                 `json:"total"`
	CurrentIndex  int                 `json:"current_index"`
	Processed     int                 `json:"processed"`
	Complete      bool                `json:"complete"`
	Current       *provider.Thread    `json:"current,omitempty"`
	SelfCorrected bool                `json:"self_corrected,omitempty"`
	Decisions     map[string]Decision `json:"decisions"`
	StartedAt     time.Time           `json:"started_at"`
	LastUpdated   time.Time           `json:"last_updated"`
}

// Manager executes workflow operations against the registry.
type Manager struct {
	registry *Registry
	backend  provider.ReviewBackend
	git      GitClient
	limiter  *ratelimit.Limiter
	analyzer analyze.Analyzer
	detector SelfCorrectionDetector

	// BotAuthor filters which threads the workflow loads. Empty loads all.
	BotAuthor string
	PageSize  int
}

// NewManager wires a workflow manager. detector may be nil, in which
// case the default phrase detector is used.
func NewManager(reg *Registry, backend provider.ReviewBackend, git GitClient, limiter *ratelimit.Limiter, analyzer analyze.Analyzer, detector SelfCorrectionDetector) *Manager {
	if detector == nil {
		detector = NewPhraseDetector(nil)
	}
	return &Manager{
		registry: reg,
		backend:  backend,
		git:      git,
		limiter:  limiter,
		analyzer: analyzer,
		detector: detector,
		PageSize: 50,
	}
}

// Start loads all unresolved threads for the PR and seats the cursor at
// the first one.
func (m *Manager) Start(ctx context.Context, repo string, prNumber int) (*Status, error) {
	m.registry.mu.Lock()
	_, exists := m.registry.workflows[key(repo, prNumber)]
	m.registry.mu.Unlock()
	if exists {
		return nil, ErrExists
	}

	threads, err := m.fetchThreads(ctx, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	now := time.Now().UTC()
	w := &workflowState{
		repo:        repo,
		prNumber:    prNumber,
		threads:     threads,
		decisions:   make(map[string]Decision),
		startedAt:   now,
		lastUpdated: now,
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if _, raced := m.registry.workflows[key(repo, prNumber)]; raced {
		return nil, ErrExists
	}
	m.registry.workflows[key(repo, prNumber)] = w
	return m.snapshotLocked(w), nil
}

// Validate records the caller's verdict for the current thread. When the
// detector finds a self-correction it overrides the verdict: the thread
// is resolved remotely right away and needs no fix.
func (m *Manager) Validate(ctx context.Context, repo string, prNumber int, isValid bool, reason string) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}

	m.registry.mu.Lock()
	t, err := w.current()
	m.registry.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.detector(*t) {
		if err := m.remote(ctx, func() error {
			return m.backend.ResolveThread(ctx, repo, prNumber, t.ID)
		}); err != nil {
			return nil, fmt.Errorf("resolve self-corrected thread: %w", err)
		}
		isValid = false
		reason = "bot self-corrected; resolved immediately"
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	w.decisions[t.ID] = Decision{IsValid: isValid, Reason: reason}
	w.lastUpdated = time.Now().UTC()
	return m.snapshotLocked(w), nil
}

// Apply patches and commits the current thread's fix. It never pushes.
// The thread must have been validated as valid first.
func (m *Manager) Apply(ctx context.Context, repo string, prNumber int) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}

	m.registry.mu.Lock()
	t, err := w.current()
	if err == nil {
		d, ok := w.decisions[t.ID]
		switch {
		case !ok:
			err = fmt.Errorf("workflow: thread %s has not been validated", t.ID)
		case !d.IsValid:
			err = fmt.Errorf("workflow: thread %s was validated as invalid", t.ID)
		}
	}
	m.registry.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := m.analyzer.Analyze(ctx, *t)
	if res.Result != analyze.ResultValid {
		return nil, fmt.Errorf("workflow: no applicable patch for thread %s: %s", t.ID, res.Reasoning)
	}
	if err := m.git.ApplyPatch(ctx, res.FilePath, res.Patch); err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	sha, err := m.git.Commit(ctx, fmt.Sprintf("Apply review suggestion for %s", res.FilePath))
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	d := w.decisions[t.ID]
	d.FixApplied = true
	d.CommitSHA = sha
	w.decisions[t.ID] = d
	w.lastUpdated = time.Now().UTC()
	return m.snapshotLocked(w), nil
}

// Challenge posts an explanation on the current thread instead of a fix.
// The thread must have been validated as invalid first.
func (m *Manager) Challenge(ctx context.Context, repo string, prNumber int, explanation string) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}

	m.registry.mu.Lock()
	t, err := w.current()
	if err == nil {
		if d, ok := w.decisions[t.ID]; !ok {
			err = fmt.Errorf("workflow: thread %s has not been validated", t.ID)
		} else if d.IsValid {
			err = fmt.Errorf("workflow: thread %s was validated as valid, apply it instead", t.ID)
		}
	}
	m.registry.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.remote(ctx, func() error {
		return m.backend.PostThreadReply(ctx, repo, prNumber, t.ID, explanation)
	}); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	w.lastUpdated = time.Now().UTC()
	return m.snapshotLocked(w), nil
}

// Advance moves the cursor to the next thread. The cursor only ever
// moves forward, capped at the thread count.
func (m *Manager) Advance(repo string, prNumber int) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	if !w.complete() {
		w.currentIndex++
		w.processed++
		w.lastUpdated = time.Now().UTC()
	}
	return m.snapshotLocked(w), nil
}

// Status returns a snapshot without mutating anything.
func (m *Manager) Status(repo string, prNumber int) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	return m.snapshotLocked(w), nil
}

// Finalize is the deferred batch step: push all local fix commits, then
// resolve every thread whose fix was applied. Returns the finished
// snapshot and removes the workflow from the registry.
func (m *Manager) Finalize(ctx context.Context, repo string, prNumber int) (*Status, error) {
	w, err := m.get(repo, prNumber)
	if err != nil {
		return nil, err
	}

	m.registry.mu.Lock()
	if !w.complete() {
		m.registry.mu.Unlock()
		return nil, fmt.Errorf("workflow: %d thread(s) not yet processed", len(w.threads)-w.currentIndex)
	}
	var toResolve []string
	anyApplied := false
	for id, d := range w.decisions {
		if d.FixApplied {
			anyApplied = true
			toResolve = append(toResolve, id)
		}
	}
	m.registry.mu.Unlock()

	if anyApplied {
		if err := m.git.Push(ctx); err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
	}
	for _, id := range toResolve {
		if err := m.remote(ctx, func() error {
			return m.backend.ResolveThread(ctx, repo, prNumber, id)
		}); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	w.lastUpdated = time.Now().UTC()
	snap := m.snapshotLocked(w)
	delete(m.registry.workflows, key(repo, prNumber))
	return snap, nil
}

func (m *Manager) get(repo string, prNumber int) (*workflowState, error) {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()
	w, ok := m.registry.workflows[key(repo, prNumber)]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (m *Manager) fetchThreads(ctx context.Context, repo string, prNumber int) ([]provider.Thread, error) {
	var out []provider.Thread
	for page := 1; ; page++ {
		var tp *provider.ThreadPage
		err := m.remote(ctx, func() error {
			var err error
			tp, err = m.backend.ListReviewThreads(ctx, repo, prNumber, true, page, m.PageSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tp.Threads {
			if t.IsResolved {
				continue
			}
			if m.BotAuthor != "" && t.Author() != m.BotAuthor {
				continue
			}
			out = append(out, t)
		}
		if !tp.HasMore {
			return out, nil
		}
	}
}

func (m *Manager) remote(ctx context.Context, fn func() error) error {
	if err := m.limiter.Acquire(ctx); err != nil {
		return err
	}
	err := fn()
	m.limiter.EndRequest(err == nil)
	return err
}

// snapshotLocked builds a Status; the registry lock must be held.
func (m *Manager) snapshotLocked(w *workflowState) *Status {
	s := &Status{
		Repo:         w.repo,
		PRNumber:     w.prNumber,
		Total:        len(w.threads),
		CurrentIndex: w.currentIndex,
		Processed:    w.processed,
		Complete:     w.complete(),
		Decisions:    make(map[string]Decision, len(w.decisions)),
		StartedAt:    w.startedAt,
		LastUpdated:  w.lastUpdated,
	}
	for id, d := range w.decisions {
		s.Decisions[id] = d
	}
	if !w.complete() {
		t := w.threads[w.currentIndex]
		s.Current = &t
		s.SelfCorrected = m.detector(t)
	}
	return s
}
