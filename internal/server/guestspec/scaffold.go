package guestspec

import (
	"fmt"
	"os"
)

// Scaffold renders a spec back into the ini format Load understands.
// Optional keys are emitted only when set, so a scaffolded file stays a
// reasonable starting point for hand editing.
func Scaffold(s Spec) string {
	out := fmt.Sprintf(`[guest]
name = %s
memory_mb = %d
cpu_sockets = %d
cpu_cores = %d
cpu_threads = %d
storage_path = %s
uefi_vars_path = %s
tap = %s
bridge = %s
console_port = %d
`, s.Name, s.MemoryMB, s.CPUSockets, s.CPUCores, s.CPUThreads,
		s.StoragePath, s.UEFIVarsPath, s.TapDevice, s.Bridge, s.ConsolePort)

	if s.MACAddress != "" {
		out += fmt.Sprintf("mac = %s\n", s.MACAddress)
	}
	if s.ConsoleKbd != "" {
		out += fmt.Sprintf("console_kbd_layout = %s\n", s.ConsoleKbd)
	}
	if s.ConsoleWait {
		out += "console_wait = true\n"
	}
	if s.BootImagePath != "" {
		out += fmt.Sprintf("boot_image = %s\n", s.BootImagePath)
	}
	if s.ShutdownTimeout > 0 && s.ShutdownTimeout != DefaultShutdownTimeout {
		out += fmt.Sprintf("shutdown_timeout = %s\n", s.ShutdownTimeout)
	}
	return out
}

// WriteFile validates the spec and writes its scaffold to path, refusing
// to clobber an existing file.
func WriteFile(path string, s Spec) error {
	normalized := s
	normalized.normalize()
	if err := normalized.Validate(); err != nil {
		return fmt.Errorf("guestspec: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("guestspec: %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(Scaffold(normalized)), 0o644); err != nil {
		return fmt.Errorf("guestspec: write %s: %w", path, err)
	}
	return nil
}
