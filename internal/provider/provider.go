// Package provider defines the interface between the orchestration engine
// and the hosted review service. Implementations live in subpackages; the
// engine only sees ReviewBackend.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned when a backend doesn't support a given operation.
var ErrUnsupported = errors.New("operation not supported by this backend")

// ReviewBackend is the interface for review-thread sources. Implementations
// handle provider-specific API calls for pull request metadata, review
// threads, comments, thread resolution, and CI check results.
type ReviewBackend interface {
	// Name returns the short identifier for this backend (e.g., "github").
	Name() string

	// MatchesURL returns true if the given URL belongs to this backend's
	// hosting service.
	MatchesURL(url string) bool

	// GetPR retrieves pull request metadata. repo is "owner/name".
	GetPR(ctx context.Context, repo string, number int) (*PRInfo, error)

	// ListReviewThreads returns one page of review threads on a pull
	// request. When onlyUnresolved is true, resolved threads are omitted.
	ListReviewThreads(ctx context.Context, repo string, number int, onlyUnresolved bool, page, pageSize int) (*ThreadPage, error)

	// PostComment posts a general (non-inline) comment on a pull request.
	PostComment(ctx context.Context, repo string, number int, body string) error

	// PostThreadReply adds a reply to an existing review thread.
	PostThreadReply(ctx context.Context, repo string, number int, threadID, body string) error

	// ResolveThread marks a review thread resolved.
	ResolveThread(ctx context.Context, repo string, number int, threadID string) error

	// WaitForChecks polls check runs for the given commit until they all
	// complete, the attempt budget runs out, or ctx is cancelled.
	WaitForChecks(ctx context.Context, repo, commitSHA string, maxAttempts int, interval time.Duration) (*CheckResult, error)
}

// PRInfo contains metadata about a pull request.
type PRInfo struct {
	// Number is the pull request number.
	Number int
	// Title is the pull request title.
	Title string
	// State is "open", "closed", or "merged".
	State string
	// IsDraft reports whether the PR is a draft.
	IsDraft bool
	// HeadRef is the branch being merged from.
	HeadRef string
	// BaseRef is the branch being merged into.
	BaseRef string
	// HeadSHA is the current head commit.
	HeadSHA string
	// Author is the login of the PR author.
	Author string
	// URL is the web URL to view the pull request.
	URL string
}

// Thread is a single review comment conversation on a pull request.
type Thread struct {
	// ID is the provider's thread identifier (node ID for GitHub).
	ID string
	// FilePath is the file the thread is attached to.
	FilePath string
	// Line is the line number the thread is attached to.
	Line int
	// IsResolved reports whether the thread has been resolved.
	IsResolved bool
	// IsOutdated reports whether the thread's diff anchor no longer exists.
	IsOutdated bool
	// Comments holds the thread's comments, oldest first.
	Comments []ThreadComment
}

// Author returns the login of the thread's first comment author, or "".
func (t *Thread) Author() string {
	if len(t.Comments) == 0 {
		return ""
	}
	return t.Comments[0].Author
}

// Body returns the body of the thread's first comment, or "".
func (t *Thread) Body() string {
	if len(t.Comments) == 0 {
		return ""
	}
	return t.Comments[0].Body
}

// ThreadComment is one comment inside a review thread.
type ThreadComment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
}

// ThreadPage is one page of review threads.
type ThreadPage struct {
	Threads    []Thread
	TotalCount int
	HasMore    bool
}

// CheckConclusion is the terminal outcome of waiting on CI checks.
type CheckConclusion string

const (
	// ChecksSuccess means every check completed successfully.
	ChecksSuccess CheckConclusion = "success"
	// ChecksFailure means at least one check failed.
	ChecksFailure CheckConclusion = "failure"
	// ChecksTimedOut means the attempt budget ran out before completion.
	ChecksTimedOut CheckConclusion = "timed_out"
	// ChecksNotFound means no checks are registered for the commit.
	ChecksNotFound CheckConclusion = "not_found"
)

// CheckResult is the outcome of WaitForChecks.
type CheckResult struct {
	Conclusion CheckConclusion
	// RunURL links to a failing run when Conclusion is ChecksFailure.
	RunURL string
}
