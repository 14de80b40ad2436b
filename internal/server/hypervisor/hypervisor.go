// Package hypervisor abstracts the external hypervisor process so the
// supervisor can be exercised against fakes in tests.
package hypervisor

import "context"

// bhyve exit codes, per bhyve(8).
const (
	ExitReboot   = 0
	ExitPoweroff = 1
	ExitHalt     = 2
)

// LaunchSpec contains everything required to start one guest process.
// All fields are resolved: the MAC has already been granted by the
// allocator and the console port checked for conflicts.
type LaunchSpec struct {
	Name          string
	MemoryMB      int
	CPUSockets    int
	CPUCores      int
	CPUThreads    int
	StoragePath   string
	UEFIVarsPath  string
	TapDevice     string
	MACAddress    string
	BootImagePath string
	ConsolePort   int
	ConsoleKbd    string
	ConsoleWait   bool
}

// ExitResult describes how a guest process ended. Err is set only for
// supervision-level failures (wait errors), not for nonzero guest exits;
// those are reported through Code.
type ExitResult struct {
	Code int
	Err  error
}

// Instance is one running hypervisor process. Wait's channel yields
// exactly one result and is intended for a single consumer (the guest's
// supervisor run loop).
type Instance interface {
	Name() string
	PID() int
	Wait() <-chan ExitResult
	// Shutdown delivers the cooperative shutdown signal; the guest's
	// firmware turns it into an ACPI poweroff.
	Shutdown() error
	// Kill forcibly terminates the process.
	Kill() error
	// Cleanup tears down whatever the hypervisor left behind after the
	// process exited (vmm device node, log handle).
	Cleanup(ctx context.Context) error
}

// Launcher starts guest processes for a specific hypervisor.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}
