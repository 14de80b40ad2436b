package standard

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hostcrank/crank/internal/server/config"
	"github.com/hostcrank/crank/internal/server/guestspec"
)

// newInitCmd scaffolds a new guest spec file and, when a template is
// available, a private copy of the UEFI variable store. crankd itself
// never writes spec files; this is purely a convenience for operators.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <guest>",
		Short: "Scaffold a guest spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			flags := cmd.Flags()

			guestDir, err := flags.GetString("guest-dir")
			if err != nil {
				return err
			}
			memory, _ := flags.GetInt("memory")
			cores, _ := flags.GetInt("cores")
			storage, _ := flags.GetString("storage")
			tap, _ := flags.GetString("tap")
			bridge, _ := flags.GetString("bridge")
			port, _ := flags.GetInt("console-port")
			bootImage, _ := flags.GetString("boot-image")
			varsTemplate, _ := flags.GetString("vars-template")

			if storage == "" {
				storage = filepath.Join("/vm", name+".img")
			}
			varsPath := filepath.Join(guestDir, name+".vars")

			spec := guestspec.Spec{
				Name:          name,
				MemoryMB:      memory,
				CPUSockets:    1,
				CPUCores:      cores,
				CPUThreads:    1,
				StoragePath:   storage,
				UEFIVarsPath:  varsPath,
				TapDevice:     tap,
				Bridge:        bridge,
				BootImagePath: bootImage,
				ConsolePort:   port,
				ConsoleWait:   bootImage != "", // installs want a console attached before boot
			}

			if err := os.MkdirAll(guestDir, 0o755); err != nil {
				return fmt.Errorf("ensure guest dir: %w", err)
			}
			specPath := filepath.Join(guestDir, name+".ini")
			if err := guestspec.WriteFile(specPath, spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", specPath)

			if varsTemplate != "" {
				if err := copyFile(varsTemplate, varsPath); err != nil {
					return fmt.Errorf("copy uefi vars template: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", varsPath)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Note: place a UEFI variable store at %s before starting\n", varsPath)
			}
			return nil
		},
	}

	cmd.Flags().String("guest-dir", envOrDefault("CRANK_GUEST_DIR", config.DefaultGuestDir), "Directory for guest spec files")
	cmd.Flags().Int("memory", 2048, "Memory (MB)")
	cmd.Flags().Int("cores", 2, "Number of CPU cores")
	cmd.Flags().String("storage", "", "Disk image path (default /vm/<guest>.img)")
	cmd.Flags().String("tap", "tap0", "Host tap device")
	cmd.Flags().String("bridge", "bridge0", "Host bridge the tap belongs to")
	cmd.Flags().Int("console-port", 5900, "VNC console port")
	cmd.Flags().String("boot-image", "", "Installer ISO to attach")
	cmd.Flags().String("vars-template", "", "UEFI variable store template to copy")
	return cmd
}

func copyFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
