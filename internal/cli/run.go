package cli

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jlowell/revq/internal/pipeline"
)

var (
	runRepoFlag       string
	runPRFlag         int
	runDryRunFlag     bool
	runExternalFlag   bool
	runIterationsFlag int
	runBotFlag        string
)

func init() {
	runCmd.Flags().StringVar(&runRepoFlag, "repo", "", "Repository in owner/name form (required)")
	runCmd.Flags().IntVar(&runPRFlag, "pr", 0, "Pull request number (required)")
	runCmd.Flags().BoolVar(&runDryRunFlag, "dry-run", false, "Classify threads without patching or commenting")
	runCmd.Flags().BoolVar(&runExternalFlag, "external", false, "Return the raw thread batch without processing")
	runCmd.Flags().IntVar(&runIterationsFlag, "max-iterations", 0, "Iteration budget (default from config)")
	runCmd.Flags().StringVar(&runBotFlag, "bot", "", "Bot author whose threads to resolve (default from config)")
	runCmd.MarkFlagRequired("repo")
	runCmd.MarkFlagRequired("pr")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Resolve review-bot threads on a pull request",
	Long: `Run the resolution pipeline against one pull request: fetch
unresolved bot threads, classify them, apply valid suggestions, commit
and push as a batch, wait for CI, then resolve or revert.`,
	Example: `  revq run --repo acme/widgets --pr 42
  revq run --repo acme/widgets --pr 42 --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(appConfig)
		if err != nil {
			return err
		}

		opts := pipeline.Options{
			Repo:          runRepoFlag,
			PRNumber:      runPRFlag,
			BotAuthor:     runBotFlag,
			DryRun:        runDryRunFlag,
			MaxIterations: runIterationsFlag,
		}
		if runExternalFlag {
			opts.ValidationMode = pipeline.ValidationExternal
		}

		p, err := a.newPipeline(opts)
		if err != nil {
			return err
		}

		res, err := p.Run(cmd.Context())
		if err != nil {
			return err
		}

		printRunResult(cmd, res)
		return nil
	},
}

func printRunResult(cmd *cobra.Command, res *pipeline.Result) {
	out := cmd.OutOrStdout()

	if len(res.Threads) > 0 {
		headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)

		rows := make([][]string, 0, len(res.Threads))
		for _, t := range res.Threads {
			rows = append(rows, []string{
				t.ID,
				t.FilePath,
				strconv.Itoa(t.Line),
				t.Author(),
			})
		}
		tbl := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("THREAD", "FILE", "LINE", "AUTHOR").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
		fmt.Fprintln(out, tbl)
		return
	}

	labelStyle := lipgloss.NewStyle().Bold(true)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Processed:"), res.Processed)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Resolved:"), res.Resolved)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Rejected:"), res.Rejected)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Needs review:"), res.NeedsReview)
	fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Iterations:"), res.Iterations)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Error:"), e)
	}
}
