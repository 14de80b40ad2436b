// Package bhyve launches guests with the bhyve(8) hypervisor and tears
// them down with its companion control utility bhyvectl(8).
package bhyve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/hostcrank/crank/internal/server/hypervisor"
)

// Launcher knows how to boot bhyve guests.
type Launcher struct {
	Binary       string // bhyve executable
	CtlBinary    string // bhyvectl executable
	FirmwarePath string // UEFI boot ROM
	KbdLayoutDir string // VNC keyboard layout files
	LogDir       string
	Logger       *slog.Logger
}

// New returns a configured Launcher.
func New(binary, ctlBinary, firmware, kbdLayoutDir, logDir string, logger *slog.Logger) *Launcher {
	return &Launcher{
		Binary:       binary,
		CtlBinary:    ctlBinary,
		FirmwarePath: firmware,
		KbdLayoutDir: kbdLayoutDir,
		LogDir:       logDir,
		Logger:       logger,
	}
}

// Launch starts a bhyve process for the provided spec. The process is
// placed in its own session so terminal signals aimed at the agent never
// propagate into guests.
func (l *Launcher) Launch(ctx context.Context, spec hypervisor.LaunchSpec) (hypervisor.Instance, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("bhyve: binary path required")
	}
	if l.FirmwarePath == "" {
		return nil, fmt.Errorf("bhyve: firmware path required")
	}
	if _, err := os.Stat(spec.UEFIVarsPath); err != nil {
		return nil, fmt.Errorf("bhyve: no firmware variable store at %s: %w", spec.UEFIVarsPath, err)
	}
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("bhyve: ensure log dir: %w", err)
	}

	logPath := filepath.Join(l.LogDir, fmt.Sprintf("%s.log", spec.Name))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bhyve: open log file: %w", err)
	}

	args := l.buildArgs(spec, l.resolveKbdLayout(spec))

	cmd := exec.Command(l.Binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("bhyve: start: %w", err)
	}

	done := make(chan hypervisor.ExitResult, 1)
	go func() {
		err := cmd.Wait()
		res := hypervisor.ExitResult{}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			res.Code = hypervisor.ExitReboot
		case errors.As(err, &exitErr):
			res.Code = exitErr.ExitCode()
		default:
			res.Code = -1
			res.Err = fmt.Errorf("bhyve: wait: %w", err)
		}
		done <- res
		close(done)
	}()

	return &instance{
		name:      spec.Name,
		cmd:       cmd,
		ctlBinary: l.CtlBinary,
		logFile:   logFile,
		done:      done,
	}, nil
}

// resolveKbdLayout maps the spec's layout name to a file under the layout
// directory, ignoring the layout (with a warning) when the file does not
// exist so a spec written on one host still boots on another.
func (l *Launcher) resolveKbdLayout(spec hypervisor.LaunchSpec) string {
	if spec.ConsoleKbd == "" {
		return ""
	}
	path := filepath.Join(l.KbdLayoutDir, spec.ConsoleKbd)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		if l.Logger != nil {
			l.Logger.Warn("no console keyboard layout file, ignoring layout", "guest", spec.Name, "path", path)
		}
		return ""
	}
	return path
}

// buildArgs assembles the deterministic bhyve argument list. Slot numbers
// matter: some guest OSes are picky about which device sits in which slot,
// and disc devices are only reliably detected in slots 3-6.
func (l *Launcher) buildArgs(spec hypervisor.LaunchSpec, kbdLayoutPath string) []string {
	consoleCfg := fmt.Sprintf("tcp=127.0.0.1:%d,w=1600,h=900", spec.ConsolePort)
	if spec.ConsoleWait {
		consoleCfg += ",wait"
	}

	args := []string{
		"-P", // vCPU exits on guest PAUSE
		"-A", // generate ACPI tables
		"-D", // destroy the VM on guest-initiated poweroff
		"-H", // yield vCPU on HLT
		"-w", // ignore accesses to unimplemented MSRs
		"-c", fmt.Sprintf("sockets=%d,cores=%d,threads=%d", spec.CPUSockets, spec.CPUCores, spec.CPUThreads),
		"-m", fmt.Sprintf("%dM", spec.MemoryMB),
		"-u", // guest RTC in UTC
		"-s", "0,hostbridge",
		"-s", "31,lpc",
		"-s", fmt.Sprintf("4,nvme,%s,sectsz=4096", spec.StoragePath),
		"-s", fmt.Sprintf("5,virtio-net,%s,mac=%s", spec.TapDevice, spec.MACAddress),
		"-s", fmt.Sprintf("6,fbuf,%s", consoleCfg),
		"-s", "8,xhci,tablet",
		"-s", "9,virtio-rnd",
	}
	if kbdLayoutPath != "" {
		args = append(args, "-K", kbdLayoutPath)
	}
	if spec.BootImagePath != "" {
		args = append(args, "-s", fmt.Sprintf("3,ahci-cd,%s", spec.BootImagePath))
	}
	args = append(args, "-l", fmt.Sprintf("bootrom,%s,%s", l.FirmwarePath, spec.UEFIVarsPath))
	// bhyve requires the VM name as the final operand.
	args = append(args, spec.Name)
	return args
}

type instance struct {
	name      string
	cmd       *exec.Cmd
	ctlBinary string
	logFile   *os.File
	done      <-chan hypervisor.ExitResult

	cleanupOnce sync.Once
}

func (i *instance) Name() string                       { return i.name }
func (i *instance) PID() int                           { return i.cmd.Process.Pid }
func (i *instance) Wait() <-chan hypervisor.ExitResult { return i.done }

func (i *instance) Shutdown() error {
	if i.cmd.Process == nil {
		return nil
	}
	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("bhyve: signal term: %w", err)
	}
	return nil
}

func (i *instance) Kill() error {
	if i.cmd.Process == nil {
		return nil
	}
	if err := i.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("bhyve: signal kill: %w", err)
	}
	return nil
}

// Cleanup closes the log handle and destroys the vmm device node if bhyve
// left one behind. A missing device node is the common case after a clean
// poweroff (the -D flag) and is not an error.
func (i *instance) Cleanup(ctx context.Context) error {
	var err error
	i.cleanupOnce.Do(func() {
		_ = i.logFile.Close()
		if i.ctlBinary == "" {
			return
		}
		if _, statErr := os.Stat(filepath.Join("/dev/vmm", i.name)); statErr != nil {
			return
		}
		// bhyvectl only syntax-checks arguments starting with two dashes;
		// keep the exact flag spelling.
		cmd := exec.CommandContext(ctx, i.ctlBinary, "--destroy", fmt.Sprintf("--vm=%s", i.name))
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if runErr := cmd.Run(); runErr != nil {
			err = fmt.Errorf("bhyve: destroy vmm device: %w", runErr)
		}
	})
	return err
}

var (
	_ hypervisor.Launcher = (*Launcher)(nil)
	_ hypervisor.Instance = (*instance)(nil)
)
