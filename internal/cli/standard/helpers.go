package standard

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostcrank/crank/internal/cli/client"
	"github.com/hostcrank/crank/internal/protocol"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	socket, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	if socket == "" {
		return nil, fmt.Errorf("control socket path must not be empty")
	}
	return client.New(socket), nil
}

func printSnapshot(out io.Writer, snap protocol.GuestSnapshot) {
	fmt.Fprintf(out, "Name: %s\nPhase: %s\n", snap.Name, snap.Phase)
	if snap.PID != 0 {
		fmt.Fprintf(out, "PID: %d\n", snap.PID)
	}
	if snap.StartedAt != nil {
		fmt.Fprintf(out, "Started: %s\n", snap.StartedAt.Local().Format(time.RFC3339))
	}
	if snap.ShutdownDeadline != nil {
		fmt.Fprintf(out, "Shutdown deadline: %s\n", snap.ShutdownDeadline.Local().Format(time.RFC3339))
	}
	if snap.LastExit != "" {
		fmt.Fprintf(out, "Last exit: %s\n", snap.LastExit)
	}
	if snap.MACAddress != "" {
		fmt.Fprintf(out, "MAC: %s\n", snap.MACAddress)
	}
	if snap.ConsolePort != 0 {
		fmt.Fprintf(out, "Console: vnc://127.0.0.1:%d\n", snap.ConsolePort)
	}
}
