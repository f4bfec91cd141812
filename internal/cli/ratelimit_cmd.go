package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show the outbound API budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(appConfig)
		if err != nil {
			return err
		}
		st := a.limiter.Status()

		out := cmd.OutOrStdout()
		labelStyle := lipgloss.NewStyle().Bold(true)

		fmt.Fprintf(out, "%s %d/%d\n", labelStyle.Render("Last hour:"), st.UsedLastHour, st.MaxPerHour)
		fmt.Fprintf(out, "%s %d/%d\n", labelStyle.Render("Last minute:"), st.UsedLastMinute, st.MaxPerMinute)
		fmt.Fprintf(out, "%s %d/%d\n", labelStyle.Render("In flight:"), st.InFlight, st.MaxConcurrent)
		fmt.Fprintf(out, "%s %d\n", labelStyle.Render("Consecutive errors:"), st.ConsecutiveErrors)
		if st.BackoffRemaining > 0 {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Backoff remaining:"), st.BackoffRemaining)
		}
		return nil
	},
}
