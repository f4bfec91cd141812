package cli

import (
	"github.com/spf13/cobra"

	"github.com/jlowell/revq/internal/server"
)

var servePortFlag int

func init() {
	serveCmd.Flags().IntVar(&servePortFlag, "port", 0, "Server port (default from config or 4199)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose pipeline and workflow operations over HTTP",
	Long: `Start the JSON API server. External tools can launch runs,
drive workflows, and inspect thread state and the rate-limit budget.`,
	Example: `  revq serve
  revq serve --port 8099`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(appConfig)
		if err != nil {
			return err
		}

		port := servePortFlag
		if port == 0 {
			port = appConfig.Server.Port
		}
		if port == 0 {
			port = 4199
		}

		srv := server.New(a.workflows, a.limiter, a.states, a.newPipeline)
		return srv.Run(cmd.Context(), port)
	},
}
