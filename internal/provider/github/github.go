// Package github implements provider.ReviewBackend against the GitHub API.
// REST (go-github) covers pull request metadata, comments, and check runs;
// review threads and thread resolution require the GraphQL API (githubv4) —
// REST has no resolveReviewThread equivalent.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/jlowell/revq/internal/provider"
)

// threadCommentLimit caps comments fetched per thread. Bot threads are
// short; anything past this is noise for classification purposes.
const threadCommentLimit = 50

// Backend implements provider.ReviewBackend for GitHub.
type Backend struct {
	client    *gh.Client
	gqlOnce   sync.Once
	gqlClient *githubv4.Client
	token     string

	// sleep is swapped out by tests so WaitForChecks polls instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBackend creates a GitHub backend. The go-github-ratelimit middleware
// handles GitHub's secondary rate limits transparently; the engine's own
// rate limiter sits above this in the pipeline.
func NewBackend(token string) *Backend {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	return &Backend{
		client: client,
		token:  token,
		sleep:  sleepCtx,
	}
}

// Name returns "github".
func (b *Backend) Name() string {
	return "github"
}

// MatchesURL returns true if the URL belongs to GitHub.
func (b *Backend) MatchesURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || host == "www.github.com"
}

// GetPR retrieves pull request metadata. repo is "owner/name".
func (b *Backend) GetPR(ctx context.Context, repo string, number int) (*provider.PRInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, _, err := b.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get PR: %w", err)
	}

	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}

	return &provider.PRInfo{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   state,
		IsDraft: pr.GetDraft(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		Author:  pr.GetUser().GetLogin(),
		URL:     pr.GetHTMLURL(),
	}, nil
}

// reviewThreadsQuery mirrors the GraphQL shape of reviewThreads. Threads
// are cursor-paginated; page numbers are translated by walking cursors.
type reviewThreadsQuery struct {
	Repository struct {
		PullRequest struct {
			ReviewThreads struct {
				TotalCount githubv4.Int
				PageInfo   struct {
					HasNextPage githubv4.Boolean
					EndCursor   githubv4.String
				}
				Nodes []struct {
					ID         githubv4.ID
					IsResolved githubv4.Boolean
					IsOutdated githubv4.Boolean
					Path       githubv4.String
					Line       *githubv4.Int
					Comments   struct {
						Nodes []struct {
							ID        githubv4.ID
							Body      githubv4.String
							CreatedAt githubv4.DateTime
							Author    struct {
								Login githubv4.String
							}
						}
					} `graphql:"comments(first: $commentLimit)"`
				}
			} `graphql:"reviewThreads(first: $pageSize, after: $after)"`
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// ListReviewThreads returns one page of review threads via GraphQL.
func (b *Backend) ListReviewThreads(ctx context.Context, repo string, number int, onlyUnresolved bool, page, pageSize int) (*provider.ThreadPage, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	gql := b.getGraphQLClient(ctx)

	var after *githubv4.String
	var q reviewThreadsQuery
	for p := 1; ; p++ {
		q = reviewThreadsQuery{}
		vars := map[string]any{
			"owner":        githubv4.String(owner),
			"name":         githubv4.String(name),
			"number":       githubv4.Int(number),
			"pageSize":     githubv4.Int(pageSize),
			"after":        after,
			"commentLimit": githubv4.Int(threadCommentLimit),
		}
		if err := gql.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("failed to list review threads: %w", err)
		}
		if p == page {
			break
		}
		if !q.Repository.PullRequest.ReviewThreads.PageInfo.HasNextPage {
			// Requested page is past the end; return an empty page.
			return &provider.ThreadPage{
				TotalCount: int(q.Repository.PullRequest.ReviewThreads.TotalCount),
			}, nil
		}
		cursor := q.Repository.PullRequest.ReviewThreads.PageInfo.EndCursor
		after = &cursor
	}

	rt := q.Repository.PullRequest.ReviewThreads
	out := &provider.ThreadPage{
		TotalCount: int(rt.TotalCount),
		HasMore:    bool(rt.PageInfo.HasNextPage),
	}

	for _, node := range rt.Nodes {
		if onlyUnresolved && bool(node.IsResolved) {
			continue
		}
		thread := provider.Thread{
			ID:         fmt.Sprintf("%v", node.ID),
			FilePath:   string(node.Path),
			IsResolved: bool(node.IsResolved),
			IsOutdated: bool(node.IsOutdated),
		}
		if node.Line != nil {
			thread.Line = int(*node.Line)
		}
		for _, c := range node.Comments.Nodes {
			thread.Comments = append(thread.Comments, provider.ThreadComment{
				ID:        fmt.Sprintf("%v", c.ID),
				Author:    string(c.Author.Login),
				Body:      string(c.Body),
				CreatedAt: c.CreatedAt.Time,
			})
		}
		out.Threads = append(out.Threads, thread)
	}

	return out, nil
}

// PostComment posts a general comment on a pull request.
func (b *Backend) PostComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = b.client.Issues.CreateComment(ctx, owner, name, number, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("failed to post comment: %w", err)
	}
	return nil
}

// PostThreadReply adds a reply to a review thread via GraphQL.
// threadID must be the thread's node ID (e.g., "PRRT_...").
func (b *Backend) PostThreadReply(ctx context.Context, repo string, number int, threadID, body string) error {
	gql := b.getGraphQLClient(ctx)

	var mutation struct {
		AddPullRequestReviewThreadReply struct {
			Comment struct {
				ID githubv4.ID
			}
		} `graphql:"addPullRequestReviewThreadReply(input: $input)"`
	}

	input := githubv4.AddPullRequestReviewThreadReplyInput{
		PullRequestReviewThreadID: githubv4.ID(threadID),
		Body:                      githubv4.String(body),
	}

	if err := gql.Mutate(ctx, &mutation, input, nil); err != nil {
		return fmt.Errorf("failed to reply to review thread: %w", err)
	}
	return nil
}

// ResolveThread resolves a review thread using the GraphQL API.
// threadID must be the thread's node ID.
func (b *Backend) ResolveThread(ctx context.Context, repo string, number int, threadID string) error {
	gql := b.getGraphQLClient(ctx)

	var mutation struct {
		ResolveReviewThread struct {
			Thread struct {
				IsResolved bool
			}
		} `graphql:"resolveReviewThread(input: $input)"`
	}

	input := githubv4.ResolveReviewThreadInput{
		ThreadID: githubv4.ID(threadID),
	}

	if err := gql.Mutate(ctx, &mutation, input, nil); err != nil {
		return fmt.Errorf("failed to resolve review thread: %w", err)
	}
	return nil
}

// WaitForChecks polls check runs for the commit until every run completes,
// the attempt budget runs out, or ctx is cancelled. The budget guarantees
// termination: a run that never finishes yields timed_out, not a hang.
func (b *Backend) WaitForChecks(ctx context.Context, repo, commitSHA string, maxAttempts int, interval time.Duration) (*provider.CheckResult, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runs, err := b.listAllCheckRuns(ctx, owner, name, commitSHA)
		if err != nil {
			return nil, err
		}

		if len(runs) == 0 {
			if attempt == maxAttempts {
				return &provider.CheckResult{Conclusion: provider.ChecksNotFound}, nil
			}
			// Checks may simply not have been reported yet; keep polling.
		} else {
			pending := 0
			for _, run := range runs {
				switch run.GetConclusion() {
				case "failure", "timed_out", "cancelled", "action_required":
					return &provider.CheckResult{
						Conclusion: provider.ChecksFailure,
						RunURL:     run.GetHTMLURL(),
					}, nil
				}
				if run.GetStatus() != "completed" {
					pending++
				}
			}
			if pending == 0 {
				return &provider.CheckResult{Conclusion: provider.ChecksSuccess}, nil
			}
			slog.Debug("checks still running", "sha", commitSHA, "pending", pending, "attempt", attempt)
		}

		if attempt < maxAttempts {
			if err := b.sleep(ctx, interval); err != nil {
				return nil, err
			}
		}
	}

	return &provider.CheckResult{Conclusion: provider.ChecksTimedOut}, nil
}

// --- Internal helpers ---

// listAllCheckRuns fetches every check run for a ref, following pagination.
func (b *Backend) listAllCheckRuns(ctx context.Context, owner, name, sha string) ([]*gh.CheckRun, error) {
	var all []*gh.CheckRun
	opts := &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		result, resp, err := b.client.Checks.ListCheckRunsForRef(ctx, owner, name, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list check runs: %w", err)
		}
		all = append(all, result.CheckRuns...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q, expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// getGraphQLClient returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (b *Backend) getGraphQLClient(ctx context.Context) *githubv4.Client {
	b.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: b.token})
		httpClient := oauth2.NewClient(ctx, ts)
		b.gqlClient = githubv4.NewClient(httpClient)
	})
	return b.gqlClient
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify Backend implements ReviewBackend at compile time.
var _ provider.ReviewBackend = (*Backend)(nil)
