package cli

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlowell/revq/internal/analyze"
	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/ratelimit"
	"github.com/jlowell/revq/internal/workflow"
)

type loopBackend struct {
	mu       sync.Mutex
	threads  []provider.Thread
	resolved []string
	replies  map[string][]string
}

func newLoopBackend(threads ...provider.Thread) *loopBackend {
	return &loopBackend{threads: threads, replies: map[string][]string{}}
}

func (b *loopBackend) Name() string           { return "loop" }
func (b *loopBackend) MatchesURL(string) bool { return true }

func (b *loopBackend) GetPR(ctx context.Context, repo string, number int) (*provider.PRInfo, error) {
	return &provider.PRInfo{Number: number, State: "open"}, nil
}

func (b *loopBackend) ListReviewThreads(ctx context.Context, repo string, number int, onlyUnresolved bool, page, pageSize int) (*provider.ThreadPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &provider.ThreadPage{Threads: b.threads, TotalCount: len(b.threads)}, nil
}

func (b *loopBackend) PostComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}

func (b *loopBackend) PostThreadReply(ctx context.Context, repo string, number int, threadID, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[threadID] = append(b.replies[threadID], body)
	return nil
}

func (b *loopBackend) ResolveThread(ctx context.Context, repo string, number int, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, threadID)
	return nil
}

func (b *loopBackend) WaitForChecks(ctx context.Context, repo, sha string, maxAttempts int, interval time.Duration) (*provider.CheckResult, error) {
	return &provider.CheckResult{Conclusion: provider.ChecksSuccess}, nil
}

type loopGit struct {
	mu      sync.Mutex
	patches []string
	commits []string
	pushes  int
}

func (g *loopGit) ApplyPatch(ctx context.Context, relPath, diff string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patches = append(g.patches, relPath)
	return nil
}

func (g *loopGit) Commit(ctx context.Context, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, message)
	return "abcd1234", nil
}

func (g *loopGit) Push(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes++
	return nil
}

type loopAnalyzer struct{}

func (loopAnalyzer) Analyze(ctx context.Context, t provider.Thread) analyze.Result {
	return analyze.Result{
		ThreadID: t.ID,
		Result:   analyze.ResultValid,
		FilePath: t.FilePath,
		Patch:    "--- a/" + t.FilePath + "\n",
	}
}

func loopThread(id string, comments ...provider.ThreadComment) provider.Thread {
	if len(comments) == 0 {
		comments = []provider.ThreadComment{{Author: "review-bot", Body: "please fix"}}
	}
	return provider.Thread{ID: id, FilePath: id + ".go", Line: 1, Comments: comments}
}

func newLoopManager(t *testing.T, backend *loopBackend, git *loopGit) *workflow.Manager {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)
	return workflow.NewManager(workflow.NewRegistry(), backend, git, limiter, loopAnalyzer{}, nil)
}

// The whole interactive session runs inside one process against one
// manager, so validate, apply, challenge, advance, and finalize all see
// the state that start loaded.
func TestWorkflowLoopSingleSession(t *testing.T) {
	backend := newLoopBackend(
		loopThread("T1"),
		loopThread("T2"),
		loopThread("T3",
			provider.ThreadComment{Author: "review-bot", Body: "this allocation leaks"},
			provider.ThreadComment{Author: "review-bot", Body: "You're right, my mistake."},
		),
	)
	git := &loopGit{}
	m := newLoopManager(t, backend, git)

	verdicts := map[string]threadVerdict{
		"T1": {isValid: true},
		"T2": {isValid: false, reason: "intended", explanation: "the loop bound is intentional"},
	}
	decide := func(st *workflow.Status) (threadVerdict, error) {
		v, ok := verdicts[st.Current.ID]
		require.True(t, ok, "prompted for unexpected thread %s", st.Current.ID)
		return v, nil
	}

	var out bytes.Buffer
	require.NoError(t, runWorkflowLoop(context.Background(), &out, m, "acme/widgets", 7, decide))

	// T1's fix was committed during the loop and pushed once at the end.
	assert.Equal(t, []string{"T1.go"}, git.patches)
	assert.Equal(t, 1, git.pushes)

	// T3 was resolved as soon as the retraction was seen, T1 at finalize.
	assert.ElementsMatch(t, []string{"T1", "T3"}, backend.resolved)
	assert.Equal(t, []string{"the loop bound is intentional"}, backend.replies["T2"])

	assert.Contains(t, out.String(), "Committed abcd1234 (not pushed)")
	assert.Contains(t, out.String(), "Pushed and resolved 1 applied fix(es) across 3 thread(s)")

	// Finalize removed the workflow.
	_, err := m.Status("acme/widgets", 7)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestWorkflowLoopNoThreads(t *testing.T) {
	backend := newLoopBackend()
	git := &loopGit{}
	m := newLoopManager(t, backend, git)

	decide := func(st *workflow.Status) (threadVerdict, error) {
		return threadVerdict{}, errors.New("should not prompt")
	}

	var out bytes.Buffer
	require.NoError(t, runWorkflowLoop(context.Background(), &out, m, "acme/widgets", 7, decide))

	assert.Zero(t, git.pushes)
	assert.Empty(t, backend.resolved)
	assert.Contains(t, out.String(), "0 unresolved thread(s)")
}
