package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <guest>",
		Short: "Start a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			snap, err := api.Start(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Guest %s started (pid %d)\n", snap.Name, snap.PID)
			if snap.ConsolePort != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Console: vnc://127.0.0.1:%d\n", snap.ConsolePort)
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <guest>",
		Short: "Gracefully stop a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			snap, err := api.Stop(ctx, args[0])
			if err != nil {
				return err
			}
			if snap.ShutdownDeadline != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Guest %s stopping (killed at %s if still up)\n",
					snap.Name, snap.ShutdownDeadline.Local().Format(time.Kitchen))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Guest %s stopping\n", snap.Name)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <guest>",
		Short: "Show a guest's runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			snap, err := api.Status(ctx, args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known guests",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			guests, err := api.List(ctx)
			if err != nil {
				return err
			}
			if len(guests) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No guests found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %-8s %-20s %-8s\n", "NAME", "PHASE", "PID", "MAC", "CONSOLE")
			for _, g := range guests {
				pid, console := "-", "-"
				if g.PID != 0 {
					pid = fmt.Sprintf("%d", g.PID)
				}
				if g.ConsolePort != 0 {
					console = fmt.Sprintf("%d", g.ConsolePort)
				}
				mac := g.MACAddress
				if mac == "" {
					mac = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %-8s %-20s %-8s\n", g.Name, g.Phase, pid, mac, console)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream guest lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			events, err := api.WatchEvents(cmd.Context())
			if err != nil {
				return err
			}
			for ev := range events {
				line := fmt.Sprintf("%s %-16s %-12s %s",
					ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Guest, ev.Message)
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}
