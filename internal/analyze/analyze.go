// Package analyze classifies review-bot suggestions. The rule analyzer
// extracts the suggestion block from a thread, checks it against the
// current working tree, and decides whether the engine can apply it
// automatically, should reject it, or should hand it to a human.
package analyze

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/jlowell/revq/internal/provider"
)

// Classification is the outcome category of a single analysis.
type Classification string

const (
	// ResultValid means the suggestion is safe to apply automatically.
	ResultValid Classification = "valid"
	// ResultInvalid means the suggestion is wrong or a no-op and should be
	// rejected with an explanation.
	ResultInvalid Classification = "invalid"
	// ResultNeedsReview means the thread is ambiguous and needs a human.
	ResultNeedsReview Classification = "needs_review"
	// ResultUnpatchable means a patch cannot be constructed (outdated
	// anchor, missing file, malformed suggestion).
	ResultUnpatchable Classification = "unpatchable"
)

// Result is the immutable outcome of one classification attempt.
type Result struct {
	ThreadID   string
	Result     Classification
	Confidence float64 // in [0,1]
	Reasoning  string
	// Patch is a unified diff, set only when Result is ResultValid.
	Patch string
	// FilePath is the file the patch touches.
	FilePath string
	// Err records a classification failure; the thread is downgraded, not
	// the batch aborted.
	Err error
}

// Analyzer classifies one review thread.
type Analyzer interface {
	Analyze(ctx context.Context, thread provider.Thread) Result
}

// suggestionRe extracts GitHub ```suggestion fenced blocks.
var suggestionRe = regexp.MustCompile("(?s)```suggestion[^\n]*\n(.*?)```")

// hedgeRe matches language that signals the bot itself is unsure.
var hedgeRe = regexp.MustCompile(`(?i)\b(consider|might want to|may want to|optionally|alternatively|up to you|not sure)\b`)

// RuleAnalyzer classifies suggestions with pattern-matching heuristics
// against the working tree. It never calls the remote API.
type RuleAnalyzer struct {
	// WorkDir is the checked-out PR branch the suggestions target.
	WorkDir string
	// ContextLines is the number of context lines in generated diffs.
	ContextLines int
}

// NewRuleAnalyzer creates an analyzer for the given working directory.
func NewRuleAnalyzer(workDir string) *RuleAnalyzer {
	return &RuleAnalyzer{WorkDir: workDir, ContextLines: 3}
}

// Analyze classifies a single thread. It never returns an error-only
// result for expected conditions; Err is reserved for I/O failures.
func (a *RuleAnalyzer) Analyze(ctx context.Context, thread provider.Thread) Result {
	if err := ctx.Err(); err != nil {
		return Result{ThreadID: thread.ID, Result: ResultUnpatchable, Reasoning: "analysis cancelled", Err: err}
	}

	if thread.IsOutdated {
		return Result{
			ThreadID:   thread.ID,
			Result:     ResultUnpatchable,
			Confidence: 0.9,
			Reasoning:  "thread anchor is outdated; the code it refers to has changed",
		}
	}

	body := thread.Body()
	suggestions := suggestionRe.FindAllStringSubmatch(body, -1)

	switch {
	case len(suggestions) == 0:
		reasoning := "no suggestion block; thread needs human judgment"
		if strings.Contains(body, "?") {
			reasoning = "thread is a question, not an actionable suggestion"
		}
		return Result{ThreadID: thread.ID, Result: ResultNeedsReview, Confidence: 0.6, Reasoning: reasoning}
	case len(suggestions) > 1:
		return Result{
			ThreadID:   thread.ID,
			Result:     ResultNeedsReview,
			Confidence: 0.7,
			Reasoning:  "multiple suggestion blocks; ambiguous which to apply",
		}
	}

	if thread.FilePath == "" || thread.Line <= 0 {
		return Result{
			ThreadID:   thread.ID,
			Result:     ResultUnpatchable,
			Confidence: 0.8,
			Reasoning:  "suggestion has no file/line anchor",
		}
	}

	suggestion := strings.TrimSuffix(suggestions[0][1], "\n")

	fullPath := filepath.Join(a.WorkDir, thread.FilePath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{
				ThreadID:   thread.ID,
				Result:     ResultUnpatchable,
				Confidence: 0.8,
				Reasoning:  fmt.Sprintf("file %s no longer exists", thread.FilePath),
			}
		}
		return Result{ThreadID: thread.ID, Result: ResultUnpatchable, Reasoning: "failed to read target file", Err: err}
	}

	lines := strings.Split(string(data), "\n")
	if thread.Line > len(lines) {
		return Result{
			ThreadID:   thread.ID,
			Result:     ResultUnpatchable,
			Confidence: 0.8,
			Reasoning:  fmt.Sprintf("line %d is past the end of %s", thread.Line, thread.FilePath),
		}
	}

	current := lines[thread.Line-1]

	// A suggestion identical to the current code is a no-op; reject it so
	// the thread gets an explanation instead of an empty commit.
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalize(current), normalize(suggestion), false)
	if dmp.DiffLevenshtein(diffs) == 0 {
		return Result{
			ThreadID:   thread.ID,
			Result:     ResultInvalid,
			Confidence: 0.9,
			Reasoning:  "suggestion is identical to the existing code",
		}
	}

	confidence := 0.85
	if hedgeRe.MatchString(body) {
		confidence = 0.55
	}

	patch := buildUnifiedDiff(thread.FilePath, lines, thread.Line, suggestion, a.ContextLines)
	return Result{
		ThreadID:   thread.ID,
		Result:     ResultValid,
		Confidence: confidence,
		Reasoning:  "single unambiguous suggestion block",
		Patch:      patch,
		FilePath:   thread.FilePath,
	}
}

// normalize collapses whitespace so formatting-only differences don't count.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// buildUnifiedDiff constructs a unified diff replacing line (1-based) of
// the file with the suggestion text, which may span multiple lines or be
// empty (a deletion).
func buildUnifiedDiff(path string, lines []string, line int, suggestion string, contextLines int) string {
	start := line - 1 - contextLines
	if start < 0 {
		start = 0
	}
	end := line + contextLines
	if end > len(lines) {
		end = len(lines)
	}

	var newLines []string
	if suggestion != "" {
		newLines = strings.Split(suggestion, "\n")
	}

	oldCount := end - start
	newCount := oldCount - 1 + len(newLines)

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n", path)
	fmt.Fprintf(&sb, "+++ b/%s\n", path)
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", start+1, oldCount, start+1, newCount)
	for i := start; i < end; i++ {
		switch {
		case i == line-1:
			fmt.Fprintf(&sb, "-%s\n", lines[i])
			for _, nl := range newLines {
				fmt.Fprintf(&sb, "+%s\n", nl)
			}
		default:
			fmt.Fprintf(&sb, " %s\n", lines[i])
		}
	}
	return sb.String()
}
