package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jlowell/revq/internal/config"
	"github.com/jlowell/revq/internal/logging"
)

var (
	verbose   bool
	quiet     bool
	appConfig *config.Config

	rootCmd = &cobra.Command{
		Use:   "revq",
		Short: "Automated resolver for review-bot comments on pull requests",
		Long: `revq fetches unresolved review-bot threads on a pull request,
classifies each suggestion, applies the valid ones, commits and pushes
them as a batch, waits for CI, and resolves or reverts accordingly.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logging.Setup(logging.Options{Verbose: verbose, Quiet: quiet})
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		appConfig = cfg
		return nil
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(ratelimitCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
