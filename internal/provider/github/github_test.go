package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlowell/revq/internal/provider"
)

// newTestBackend creates a Backend wired to a test HTTP server.
func newTestBackend(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gh.NewClient(nil).WithEnterpriseURLs(server.URL+"/", server.URL+"/")
	require.NoError(t, err)

	return &Backend{
		client: client,
		token:  "test-token",
		sleep: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	}
}

func TestName(t *testing.T) {
	b := &Backend{}
	assert.Equal(t, "github", b.Name())
}

func TestMatchesURL(t *testing.T) {
	b := &Backend{}
	tests := []struct {
		url     string
		matches bool
	}{
		{"https://github.com/owner/repo/pull/123", true},
		{"https://www.github.com/owner/repo/pull/456", true},
		{"https://github.com/owner/repo", true},
		{"https://gitlab.com/owner/repo", false},
		{"not-a-url", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.matches, b.MatchesURL(tt.url))
		})
	}
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("octocat/hello")
	require.NoError(t, err)
	assert.Equal(t, "octocat", owner)
	assert.Equal(t, "hello", name)

	_, _, err = splitRepo("just-a-name")
	assert.Error(t, err)
	_, _, err = splitRepo("/repo")
	assert.Error(t, err)
}

func TestGetPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"number": 7,
			"title":  "Fix the widget",
			"state":  "open",
			"draft":  true,
			"user":   map[string]any{"login": "octocat"},
			"head":   map[string]any{"ref": "fix-widget", "sha": "abc123"},
			"base":   map[string]any{"ref": "main"},
		})
	})

	b := newTestBackend(t, mux)
	pr, err := b.GetPR(context.Background(), "octocat/hello", 7)
	require.NoError(t, err)

	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "Fix the widget", pr.Title)
	assert.Equal(t, "open", pr.State)
	assert.True(t, pr.IsDraft)
	assert.Equal(t, "fix-widget", pr.HeadRef)
	assert.Equal(t, "main", pr.BaseRef)
	assert.Equal(t, "abc123", pr.HeadSHA)
	assert.Equal(t, "octocat", pr.Author)
}

func TestGetPRMergedState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"number": 8,
			"state":  "closed",
			"merged": true,
		})
	})

	b := newTestBackend(t, mux)
	pr, err := b.GetPR(context.Background(), "octocat/hello", 8)
	require.NoError(t, err)
	assert.Equal(t, "merged", pr.State)
}

func checkRunsResponse(runs ...map[string]any) map[string]any {
	return map[string]any{
		"total_count": len(runs),
		"check_runs":  runs,
	}
}

func TestWaitForChecksSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkRunsResponse(
			map[string]any{"id": 1, "status": "completed", "conclusion": "success"},
			map[string]any{"id": 2, "status": "completed", "conclusion": "neutral"},
		))
	})

	b := newTestBackend(t, mux)
	res, err := b.WaitForChecks(context.Background(), "octocat/hello", "abc123", 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, provider.ChecksSuccess, res.Conclusion)
}

func TestWaitForChecksFailureCarriesRunURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkRunsResponse(
			map[string]any{"id": 1, "status": "completed", "conclusion": "success"},
			map[string]any{"id": 2, "status": "completed", "conclusion": "failure", "html_url": "https://github.com/octocat/hello/runs/2"},
		))
	})

	b := newTestBackend(t, mux)
	res, err := b.WaitForChecks(context.Background(), "octocat/hello", "abc123", 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, provider.ChecksFailure, res.Conclusion)
	assert.Equal(t, "https://github.com/octocat/hello/runs/2", res.RunURL)
}

func TestWaitForChecksTimesOut(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(checkRunsResponse(
			map[string]any{"id": 1, "status": "in_progress"},
		))
	})

	b := newTestBackend(t, mux)
	res, err := b.WaitForChecks(context.Background(), "octocat/hello", "abc123", 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, provider.ChecksTimedOut, res.Conclusion)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForChecksNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkRunsResponse())
	})

	b := newTestBackend(t, mux)
	res, err := b.WaitForChecks(context.Background(), "octocat/hello", "abc123", 2, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, provider.ChecksNotFound, res.Conclusion)
}

func TestPostComment(t *testing.T) {
	var posted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/octocat/hello/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 1})
	})

	b := newTestBackend(t, mux)
	err := b.PostComment(context.Background(), "octocat/hello", 7, "looks good")
	require.NoError(t, err)
	assert.Equal(t, "looks good", posted["body"])
}
