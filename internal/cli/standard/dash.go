package standard

import (
	"github.com/spf13/cobra"

	"github.com/hostcrank/crank/internal/cli/tui"
)

func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Open the interactive guest dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := cmd.Flags().GetString("socket")
			if err != nil {
				return err
			}
			return tui.Run(socket)
		},
	}
}
