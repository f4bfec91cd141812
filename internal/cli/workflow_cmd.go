package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jlowell/revq/internal/workflow"
)

var (
	wfRepoFlag string
	wfPRFlag   int
)

func init() {
	workflowCmd.Flags().StringVar(&wfRepoFlag, "repo", "", "Repository in owner/name form (required)")
	workflowCmd.Flags().IntVar(&wfPRFlag, "pr", 0, "Pull request number (required)")
	workflowCmd.MarkFlagRequired("repo")
	workflowCmd.MarkFlagRequired("pr")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Resolve review threads one at a time",
	Long: `Interactive one-thread-at-a-time resolution. Walks every
unresolved bot thread on the pull request in a single session: each
suggestion is shown and validated, valid ones are applied and committed
locally, invalid ones can be challenged with a reply, and one push at
the end resolves everything that was applied.`,
	Example: `  revq workflow --repo acme/widgets --pr 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(appConfig)
		if err != nil {
			return err
		}
		return runWorkflowLoop(cmd.Context(), cmd.OutOrStdout(), a.workflows, wfRepoFlag, wfPRFlag, promptVerdict)
	},
}

// threadVerdict is the answer collected for one thread.
type threadVerdict struct {
	isValid     bool
	reason      string
	explanation string
}

// verdictFunc collects the verdict for the current thread. The command
// backs it with a huh form; callers driving the loop programmatically
// supply their own.
type verdictFunc func(st *workflow.Status) (threadVerdict, error)

func promptVerdict(st *workflow.Status) (threadVerdict, error) {
	v := threadVerdict{isValid: true}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Is this suggestion correct?").
				Value(&v.isValid),
			huh.NewInput().
				Title("Reason (optional)").
				Value(&v.reason),
		),
	)
	if err := form.Run(); err != nil {
		return v, fmt.Errorf("form cancelled: %w", err)
	}
	if !v.isValid {
		reply := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Reply to post on the thread (empty to skip)").
					Value(&v.explanation),
			),
		)
		if err := reply.Run(); err != nil {
			return v, fmt.Errorf("form cancelled: %w", err)
		}
	}
	return v, nil
}

// runWorkflowLoop drives one PR's threads end to end in a single
// process, so workflow state never has to outlive the command: start,
// then per thread validate, apply or challenge, advance, and finish
// with the one finalize push.
func runWorkflowLoop(ctx context.Context, out io.Writer, m *workflow.Manager, repo string, pr int, decide verdictFunc) error {
	labelStyle := lipgloss.NewStyle().Bold(true)

	st, err := m.Start(ctx, repo, pr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s#%d: %d unresolved thread(s)\n", labelStyle.Render("Workflow:"), st.Repo, st.PRNumber, st.Total)
	if st.Total == 0 {
		_, err := m.Finalize(ctx, repo, pr)
		return err
	}

	for !st.Complete {
		fmt.Fprintf(out, "\n%s %d/%d\n", labelStyle.Render("Thread:"), st.CurrentIndex+1, st.Total)
		printCurrentThread(out, st)
		cur := st.Current

		if st.SelfCorrected {
			if st, err = m.Validate(ctx, repo, pr, false, ""); err != nil {
				return err
			}
		} else {
			v, err := decide(st)
			if err != nil {
				return err
			}
			if st, err = m.Validate(ctx, repo, pr, v.isValid, v.reason); err != nil {
				return err
			}
			switch {
			case v.isValid:
				applied, aerr := m.Apply(ctx, repo, pr)
				if aerr != nil {
					fmt.Fprintf(out, "Could not apply a fix for %s: %v\n", cur.ID, aerr)
				} else {
					st = applied
					if d := st.Decisions[cur.ID]; d.FixApplied {
						fmt.Fprintf(out, "Committed %s (not pushed)\n", d.CommitSHA)
					}
				}
			case v.explanation != "":
				if st, err = m.Challenge(ctx, repo, pr, v.explanation); err != nil {
					return err
				}
				fmt.Fprintln(out, "Challenge posted")
			}
		}

		if st, err = m.Advance(repo, pr); err != nil {
			return err
		}
	}

	st, err = m.Finalize(ctx, repo, pr)
	if err != nil {
		return err
	}
	applied := 0
	for _, d := range st.Decisions {
		if d.FixApplied {
			applied++
		}
	}
	fmt.Fprintf(out, "\nPushed and resolved %d applied fix(es) across %d thread(s)\n", applied, st.Total)
	return nil
}

func printCurrentThread(out io.Writer, st *workflow.Status) {
	if st.Current == nil {
		return
	}
	labelStyle := lipgloss.NewStyle().Bold(true)

	t := st.Current
	fmt.Fprintf(out, "%s %s (%s:%d)\n", labelStyle.Render("Location:"), t.ID, t.FilePath, t.Line)
	if st.SelfCorrected {
		fmt.Fprintf(out, "%s bot retracted this suggestion; resolving without prompting\n", labelStyle.Render("Note:"))
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Comment:"), t.Body())
}
