// Package config resolves the agent's runtime configuration from the
// environment. Everything has a usable default; production installs
// typically set only CRANK_GUEST_DIR.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults.
const (
	DefaultSocketPath   = "/var/run/crank.sock"
	DefaultGuestDir     = "/usr/local/etc/crank"
	DefaultLogDir       = "/var/log/crank"
	DefaultBhyveBinary  = "/usr/sbin/bhyve"
	DefaultBhyvectl     = "/usr/sbin/bhyvectl"
	DefaultFirmware     = "/usr/local/share/uefi-firmware/BHYVE_UEFI.fd"
	DefaultKbdLayoutDir = "/usr/local/share/bhyve/kbdlayout"

	// DefaultShutdownWait bounds the daemon's own exit: how long it waits
	// for all guests to stop before giving up.
	DefaultShutdownWait = 330 * time.Second
)

// Config captures the agent's runtime settings.
type Config struct {
	// SocketPath is the unix socket the control API listens on.
	SocketPath string
	// GuestDir holds the per-guest ini spec files.
	GuestDir string
	// LogDir receives per-guest hypervisor output logs.
	LogDir string
	// BhyveBinary is the hypervisor executable.
	BhyveBinary string
	// BhyvectlBinary is the companion teardown utility.
	BhyvectlBinary string
	// FirmwarePath is the shared UEFI boot ROM.
	FirmwarePath string
	// KbdLayoutDir holds VNC keyboard layout files.
	KbdLayoutDir string
	// ShutdownWait bounds waiting for guests during daemon exit.
	ShutdownWait time.Duration
}

// FromEnv assembles the configuration from environment variables, applying
// defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		SocketPath:     envOr("CRANK_SOCKET", DefaultSocketPath),
		GuestDir:       envOr("CRANK_GUEST_DIR", DefaultGuestDir),
		LogDir:         envOr("CRANK_LOG_DIR", DefaultLogDir),
		BhyveBinary:    envOr("CRANK_BHYVE", DefaultBhyveBinary),
		BhyvectlBinary: envOr("CRANK_BHYVECTL", DefaultBhyvectl),
		FirmwarePath:   envOr("CRANK_FIRMWARE", DefaultFirmware),
		KbdLayoutDir:   envOr("CRANK_KBD_DIR", DefaultKbdLayoutDir),
		ShutdownWait:   DefaultShutdownWait,
	}

	if raw := os.Getenv("CRANK_SHUTDOWN_WAIT"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse CRANK_SHUTDOWN_WAIT: %w", err)
		}
		if wait <= 0 {
			return Config{}, fmt.Errorf("config: CRANK_SHUTDOWN_WAIT must be positive")
		}
		cfg.ShutdownWait = wait
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious misconfiguration. Paths to
// binaries and firmware are not stat'd here; the launcher reports those at
// start time with better context.
func (c Config) Validate() error {
	for name, value := range map[string]string{
		"socket path":     c.SocketPath,
		"guest dir":       c.GuestDir,
		"log dir":         c.LogDir,
		"bhyve binary":    c.BhyveBinary,
		"bhyvectl binary": c.BhyvectlBinary,
		"firmware path":   c.FirmwarePath,
	} {
		if value == "" {
			return fmt.Errorf("config: %s must not be empty", name)
		}
	}
	if !filepath.IsAbs(c.SocketPath) {
		return fmt.Errorf("config: socket path must be absolute, got %q", c.SocketPath)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
