package standard

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostcrank/crank/internal/server/config"
)

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crank",
		Short: "Crank command-line interface",
		Long:  "Crank CLI controls bhyve guests supervised by the crankd agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("socket", "s", envOrDefault("CRANK_SOCKET", config.DefaultSocketPath), "crankd control socket path")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newDashCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the crank client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crank %s\n", version)
		},
	}
}

// version is stamped at build time via -ldflags.
var version = "dev"
