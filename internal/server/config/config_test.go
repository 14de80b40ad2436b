package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Fatalf("socket = %q, want default", cfg.SocketPath)
	}
	if cfg.GuestDir != DefaultGuestDir {
		t.Fatalf("guest dir = %q, want default", cfg.GuestDir)
	}
	if cfg.ShutdownWait != DefaultShutdownWait {
		t.Fatalf("shutdown wait = %s, want default", cfg.ShutdownWait)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CRANK_SOCKET", "/tmp/crank-test.sock")
	t.Setenv("CRANK_GUEST_DIR", "/tmp/guests")
	t.Setenv("CRANK_SHUTDOWN_WAIT", "45s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.SocketPath != "/tmp/crank-test.sock" {
		t.Fatalf("socket = %q", cfg.SocketPath)
	}
	if cfg.GuestDir != "/tmp/guests" {
		t.Fatalf("guest dir = %q", cfg.GuestDir)
	}
	if cfg.ShutdownWait != 45*time.Second {
		t.Fatalf("shutdown wait = %s", cfg.ShutdownWait)
	}
}

func TestFromEnvRejectsBadShutdownWait(t *testing.T) {
	t.Setenv("CRANK_SHUTDOWN_WAIT", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
	t.Setenv("CRANK_SHUTDOWN_WAIT", "-1s")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected positivity error")
	}
}

func TestValidateRejectsRelativeSocket(t *testing.T) {
	t.Setenv("CRANK_SOCKET", "crank.sock")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for relative socket path")
	}
}
