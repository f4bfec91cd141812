package analyze

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlowell/revq/internal/provider"
	"github.com/jlowell/revq/internal/ratelimit"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func thread(id, path string, line int, body string) provider.Thread {
	return provider.Thread{
		ID:       id,
		FilePath: path,
		Line:     line,
		Comments: []provider.ThreadComment{{Author: "review-bot", Body: body}},
	}
}

func TestAnalyzeValidSuggestion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")

	a := NewRuleAnalyzer(dir)
	res := a.Analyze(context.Background(), thread("T1", "main.go", 4,
		"Use fmt instead:\n```suggestion\n\tfmt.Println(\"hi\")\n```"))

	assert.Equal(t, ResultValid, res.Result)
	assert.Equal(t, "T1", res.ThreadID)
	assert.GreaterOrEqual(t, res.Confidence, 0.8)
	assert.Contains(t, res.Patch, "--- a/main.go")
	assert.Contains(t, res.Patch, "-\tprintln(\"hi\")")
	assert.Contains(t, res.Patch, "+\tfmt.Println(\"hi\")")
}

func TestAnalyzeNoSuggestionBlock(t *testing.T) {
	a := NewRuleAnalyzer(t.TempDir())
	res := a.Analyze(context.Background(), thread("T1", "main.go", 1,
		"Should this handle nil?"))

	assert.Equal(t, ResultNeedsReview, res.Result)
	assert.Contains(t, res.Reasoning, "question")
}

func TestAnalyzeMultipleSuggestionBlocks(t *testing.T) {
	a := NewRuleAnalyzer(t.TempDir())
	res := a.Analyze(context.Background(), thread("T1", "main.go", 1,
		"Either:\n```suggestion\nx := 1\n```\nor:\n```suggestion\nx := 2\n```"))

	assert.Equal(t, ResultNeedsReview, res.Result)
	assert.Contains(t, res.Reasoning, "multiple")
}

func TestAnalyzeOutdatedThread(t *testing.T) {
	a := NewRuleAnalyzer(t.TempDir())
	th := thread("T1", "main.go", 1, "```suggestion\nx := 1\n```")
	th.IsOutdated = true

	res := a.Analyze(context.Background(), th)
	assert.Equal(t, ResultUnpatchable, res.Result)
}

func TestAnalyzeMissingFile(t *testing.T) {
	a := NewRuleAnalyzer(t.TempDir())
	res := a.Analyze(context.Background(), thread("T1", "gone.go", 1,
		"```suggestion\nx := 1\n```"))

	assert.Equal(t, ResultUnpatchable, res.Result)
	assert.Contains(t, res.Reasoning, "gone.go")
}

func TestAnalyzeLinePastEOF(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "short.go", "package main\n")

	a := NewRuleAnalyzer(dir)
	res := a.Analyze(context.Background(), thread("T1", "short.go", 40,
		"```suggestion\nx := 1\n```"))

	assert.Equal(t, ResultUnpatchable, res.Result)
}

func TestAnalyzeNoOpSuggestion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nvar x = 1\n")

	a := NewRuleAnalyzer(dir)
	// Same code modulo whitespace.
	res := a.Analyze(context.Background(), thread("T1", "main.go", 3,
		"```suggestion\nvar x  =  1\n```"))

	assert.Equal(t, ResultInvalid, res.Result)
	assert.Contains(t, res.Reasoning, "identical")
}

func TestAnalyzeHedgedSuggestionLowConfidence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nvar x = 1\n")

	a := NewRuleAnalyzer(dir)
	res := a.Analyze(context.Background(), thread("T1", "main.go", 3,
		"You might want to rename this:\n```suggestion\nvar count = 1\n```"))

	assert.Equal(t, ResultValid, res.Result)
	assert.Less(t, res.Confidence, 0.6)
}

func TestAnalyzeDeletionSuggestion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nvar unused = 1\n\nvar x = 2\n")

	a := NewRuleAnalyzer(dir)
	res := a.Analyze(context.Background(), thread("T1", "main.go", 3,
		"Dead code:\n```suggestion\n```"))

	require.Equal(t, ResultValid, res.Result)
	assert.Contains(t, res.Patch, "-var unused = 1")
	assert.NotContains(t, res.Patch, "+var unused")
}

func TestBuildUnifiedDiffHunkHeader(t *testing.T) {
	lines := strings.Split("a\nb\nc\nd\ne\nf\ng\n", "\n")
	patch := buildUnifiedDiff("f.txt", lines, 4, "D1\nD2", 2)

	assert.Contains(t, patch, "@@ -2,5 +2,6 @@")
	assert.Contains(t, patch, "-d\n+D1\n+D2\n")
}

func TestWorkerWithoutLimiter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	w := NewWorker("worker-1", NewRuleAnalyzer(dir), nil)
	res := w.Analyze(context.Background(), thread("T1", "main.go", 1,
		"```suggestion\npackage app\n```"))
	assert.Equal(t, ResultValid, res.Result)
}

func TestWorkerAcquiresLimiterSlot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")

	limiter, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)

	w := NewWorker("worker-1", NewRuleAnalyzer(dir), limiter)
	res := w.Analyze(context.Background(), thread("T1", "main.go", 1,
		"```suggestion\npackage app\n```"))
	assert.Equal(t, ResultValid, res.Result)

	st := limiter.Status()
	assert.Equal(t, 1, st.UsedLastHour)
	assert.Equal(t, 0, st.InFlight)
}
