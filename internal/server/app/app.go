// Package app wires the crank agent together and runs it: unix socket
// listener, HTTP control API, guest manager, and ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/config"
	"github.com/hostcrank/crank/internal/server/control"
	"github.com/hostcrank/crank/internal/server/eventbus/memory"
	"github.com/hostcrank/crank/internal/server/httpapi"
	"github.com/hostcrank/crank/internal/server/hypervisor/bhyve"
	"github.com/hostcrank/crank/internal/shared/logging"
)

// Run starts the agent and blocks until ctx is cancelled or the server
// fails. On cancellation it stops accepting commands, then stops every
// guest and waits for them within cfg.ShutdownWait.
func Run(ctx context.Context, cfg config.Config) error {
	logger := logging.New("crankd")
	logger.Info("starting agent",
		"socket", cfg.SocketPath,
		"guest_dir", cfg.GuestDir,
	)

	bus := memory.New()
	launcher := bhyve.New(cfg.BhyveBinary, cfg.BhyvectlBinary, cfg.FirmwarePath, cfg.KbdLayoutDir, cfg.LogDir, logger)

	manager, err := control.New(control.Params{
		ConfigDir: cfg.GuestDir,
		Logger:    logger,
		Launcher:  launcher,
		Allocator: allocator.New(),
		Bus:       bus,
	})
	if err != nil {
		return err
	}

	ln, err := listen(cfg.SocketPath)
	if err != nil {
		return err
	}

	api := httpapi.New(manager, bus, logger)
	server := &http.Server{Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = os.Remove(cfg.SocketPath)
		return fmt.Errorf("app: control api: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Stop accepting commands first so no new guests launch mid-exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("control api shutdown", "error", err)
	}
	cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer cancel()
	if err := manager.Shutdown(stopCtx); err != nil {
		logger.Error("guest shutdown incomplete", "error", err)
	}

	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		logger.Error("remove control socket", "error", err)
	}
	logger.Info("agent stopped")
	return nil
}

// listen binds the control socket. A leftover socket file from a previous
// run is removed first; the umask window around the bind keeps the socket
// from ever being world-accessible.
func listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("app: remove stale socket: %w", err)
	}

	old := unix.Umask(0o077)
	ln, err := net.Listen("unix", path)
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("app: listen on %s: %w", path, err)
	}
	return ln, nil
}
