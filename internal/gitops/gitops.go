// Package gitops wraps the git operations the pipeline needs: applying a
// suggestion patch, committing and pushing a batch, reverting a bad commit,
// and checking out the PR branch. All operations run against one working
// directory and are invoked strictly sequentially by the engine; a file
// lock on the workdir enforces the single-writer assumption across
// processes too.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long we wait for another process to release the
// working directory.
const lockTimeout = 10 * time.Second

// Client runs git against a single working directory.
type Client struct {
	workDir string
	lock    *flock.Flock
}

// NewClient creates a client for the given working directory. The directory
// must be inside a git repository.
func NewClient(workDir string) *Client {
	return &Client{
		workDir: workDir,
		lock:    flock.New(filepath.Join(workDir, ".git", "revq.lock")),
	}
}

// WorkDir returns the working directory this client operates on.
func (c *Client) WorkDir() string {
	return c.workDir
}

// ApplyPatch applies a unified diff to the file at relPath. It first tries
// a plain git apply; if the diff context has drifted (the thread is stale
// but not marked outdated), it retries with a 3-way merge before giving up.
func (c *Client) ApplyPatch(ctx context.Context, relPath, unifiedDiff string) error {
	return c.withLock(ctx, func() error {
		tmp, err := os.CreateTemp("", "revq-*.patch")
		if err != nil {
			return fmt.Errorf("creating patch file: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(unifiedDiff); err != nil {
			tmp.Close()
			return fmt.Errorf("writing patch file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("closing patch file: %w", err)
		}

		out, err := c.git(ctx, "apply", "--whitespace=nowarn", tmp.Name())
		if err == nil {
			return nil
		}

		// Context drift: retry with 3-way merge against the index.
		out3, err3 := c.git(ctx, "apply", "--3way", tmp.Name())
		if err3 == nil {
			return nil
		}
		return fmt.Errorf("patch does not apply to %s: %s / %s", relPath, strings.TrimSpace(out), strings.TrimSpace(out3))
	})
}

// Commit stages everything and commits with the given message without
// pushing. Returns the short commit hash. Fails if there is nothing to
// commit.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	var hash string
	err := c.withLock(ctx, func() error {
		var err error
		hash, err = c.commitLocked(ctx, message)
		return err
	})
	return hash, err
}

// Push pushes the current branch to its upstream.
func (c *Client) Push(ctx context.Context) error {
	return c.withLock(ctx, func() error {
		if out, err := c.git(ctx, "push"); err != nil {
			return fmt.Errorf("git push: %s: %w", strings.TrimSpace(out), err)
		}
		return nil
	})
}

// CommitAndPush stages everything, commits with the given message, and
// pushes to the current branch. Returns the short commit hash. Fails if
// there is nothing to commit.
func (c *Client) CommitAndPush(ctx context.Context, message string) (string, error) {
	var hash string
	err := c.withLock(ctx, func() error {
		var err error
		hash, err = c.commitLocked(ctx, message)
		if err != nil {
			return err
		}
		if out, err := c.git(ctx, "push"); err != nil {
			return fmt.Errorf("git push: %s: %w", strings.TrimSpace(out), err)
		}
		return nil
	})
	return hash, err
}

func (c *Client) commitLocked(ctx context.Context, message string) (string, error) {
	statusOut, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(statusOut) == "" {
		return "", fmt.Errorf("no changes to commit")
	}

	if out, err := c.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := c.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %s: %w", strings.TrimSpace(out), err)
	}

	hashOut, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	hash := strings.TrimSpace(hashOut)
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return hash, nil
}

// RevertCommit reverts the given commit and pushes the revert. Used for
// automatic rollback when CI rejects a batch.
func (c *Client) RevertCommit(ctx context.Context, commitSHA string) error {
	return c.withLock(ctx, func() error {
		if out, err := c.git(ctx, "revert", "--no-edit", commitSHA); err != nil {
			return fmt.Errorf("git revert %s: %s: %w", commitSHA, strings.TrimSpace(out), err)
		}
		if out, err := c.git(ctx, "push"); err != nil {
			return fmt.Errorf("git push after revert: %s: %w", strings.TrimSpace(out), err)
		}
		return nil
	})
}

// CheckoutBranch checks out the named branch, creating it from base when it
// does not exist locally. An empty base means the branch must already exist.
func (c *Client) CheckoutBranch(ctx context.Context, name, base string) error {
	return c.withLock(ctx, func() error {
		if out, err := c.git(ctx, "fetch", "origin"); err != nil {
			return fmt.Errorf("git fetch: %s: %w", strings.TrimSpace(out), err)
		}
		if _, err := c.git(ctx, "checkout", name); err == nil {
			return nil
		}
		if base == "" {
			return fmt.Errorf("branch %s does not exist", name)
		}
		if out, err := c.git(ctx, "checkout", "-b", name, base); err != nil {
			return fmt.Errorf("git checkout -b %s %s: %s: %w", name, base, strings.TrimSpace(out), err)
		}
		return nil
	})
}

// OriginURL returns the URL of the origin remote.
func (c *Client) OriginURL(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("git remote get-url origin: %s", strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree is dirty.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// withLock guards fn with the workdir file lock.
func (c *Client) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := c.lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring workdir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring workdir lock")
	}
	defer c.lock.Unlock()

	return fn()
}

// git runs a git subcommand in the working directory and returns combined
// output.
func (c *Client) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
