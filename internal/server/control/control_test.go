package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/hypervisor"
	"github.com/hostcrank/crank/internal/server/supervisor"
)

type fakeInstance struct {
	pid        int
	done       chan hypervisor.ExitResult
	ignoreTerm bool

	mu     sync.Mutex
	exited bool
}

func (f *fakeInstance) Name() string                       { return "fake" }
func (f *fakeInstance) PID() int                           { return f.pid }
func (f *fakeInstance) Wait() <-chan hypervisor.ExitResult { return f.done }
func (f *fakeInstance) Cleanup(context.Context) error      { return nil }

func (f *fakeInstance) Shutdown() error {
	if f.ignoreTerm {
		return nil
	}
	f.exit(hypervisor.ExitResult{Code: hypervisor.ExitPoweroff})
	return nil
}

func (f *fakeInstance) Kill() error {
	f.exit(hypervisor.ExitResult{Code: 137})
	return nil
}

func (f *fakeInstance) exit(res hypervisor.ExitResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return
	}
	f.exited = true
	f.done <- res
	close(f.done)
}

type fakeLauncher struct {
	mu         sync.Mutex
	launches   int
	ignoreTerm map[string]bool // guests that ignore cooperative shutdown
}

func (f *fakeLauncher) Launch(_ context.Context, spec hypervisor.LaunchSpec) (hypervisor.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	return &fakeInstance{
		pid:        7000 + f.launches,
		done:       make(chan hypervisor.ExitResult, 1),
		ignoreTerm: f.ignoreTerm[spec.Name],
	}, nil
}

func writeSpec(t *testing.T, dir, name string, port int) {
	t.Helper()
	content := fmt.Sprintf(`[guest]
name = %s
memory_mb = 1024
cpu_sockets = 1
cpu_cores = 2
cpu_threads = 1
storage_path = /vm/%s.img
uefi_vars_path = /vm/%s.vars
tap = tap_%s
bridge = bridge0
console_port = %d
shutdown_timeout = 100ms
`, name, name, name, name, port)
	if err := os.WriteFile(filepath.Join(dir, name+".ini"), []byte(content), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
}

func newTestManager(t *testing.T, launcher hypervisor.Launcher) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Params{
		ConfigDir: dir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Launcher:  launcher,
		Allocator: allocator.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, dir
}

// waitPhase polls until the guest reports the wanted phase.
func waitPhase(t *testing.T, m *Manager, guest, phase string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, err := m.GuestStatus(context.Background(), guest)
		if err == nil && snap.Phase == phase {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("guest %s never reached phase %s (last: %+v, err: %v)", guest, phase, snap, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartUnknownGuestNotFound(t *testing.T) {
	m, _ := newTestManager(t, &fakeLauncher{})
	_, err := m.StartGuest(context.Background(), "ghost")
	if !errors.Is(err, ErrGuestNotFound) {
		t.Fatalf("error = %v, want ErrGuestNotFound", err)
	}
}

func TestStartStatusStopRoundTrip(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)

	snap, err := m.StartGuest(context.Background(), "web01")
	if err != nil {
		t.Fatalf("StartGuest: %v", err)
	}
	if snap.Phase != string(supervisor.PhaseRunning) {
		t.Fatalf("phase after start = %s, want running", snap.Phase)
	}
	if snap.PID == 0 || snap.MACAddress == "" {
		t.Fatalf("incomplete snapshot: %+v", snap)
	}

	status, err := m.GuestStatus(context.Background(), "web01")
	if err != nil {
		t.Fatalf("GuestStatus: %v", err)
	}
	if status.Phase != string(supervisor.PhaseRunning) || status.PID != snap.PID {
		t.Fatalf("status = %+v, want running with pid %d", status, snap.PID)
	}

	if _, err := m.StopGuest(context.Background(), "web01"); err != nil {
		t.Fatalf("StopGuest: %v", err)
	}
	waitPhase(t, m, "web01", string(supervisor.PhaseStopped))
}

func TestStopWithoutLiveProcessNotFound(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)

	_, err := m.StopGuest(context.Background(), "web01")
	if !errors.Is(err, ErrGuestNotFound) {
		t.Fatalf("error = %v, want ErrGuestNotFound", err)
	}
}

func TestStatusWithSpecButNoProcessIsStopped(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)

	snap, err := m.GuestStatus(context.Background(), "web01")
	if err != nil {
		t.Fatalf("GuestStatus: %v", err)
	}
	if snap.Phase != string(supervisor.PhaseStopped) || snap.PID != 0 {
		t.Fatalf("snapshot = %+v, want synthetic stopped", snap)
	}
}

func TestDuplicateStartConflicts(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)

	if _, err := m.StartGuest(context.Background(), "web01"); err != nil {
		t.Fatalf("first StartGuest: %v", err)
	}
	_, err := m.StartGuest(context.Background(), "web01")
	if !errors.Is(err, supervisor.ErrConflict) {
		t.Fatalf("second StartGuest error = %v, want ErrConflict", err)
	}
}

func TestIdentifierConflictAndReuseAfterStop(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	// Both specs claim the same console port.
	writeSpec(t, dir, "web01", 5901)
	writeSpec(t, dir, "web02", 5901)

	if _, err := m.StartGuest(context.Background(), "web01"); err != nil {
		t.Fatalf("StartGuest web01: %v", err)
	}

	_, err := m.StartGuest(context.Background(), "web02")
	var conflict *allocator.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("StartGuest web02 error = %v, want allocator conflict", err)
	}
	if conflict.Identifier != "console_port" || conflict.Owner != "web01" {
		t.Fatalf("conflict = %+v", conflict)
	}

	if _, err := m.StopGuest(context.Background(), "web01"); err != nil {
		t.Fatalf("StopGuest web01: %v", err)
	}
	waitPhase(t, m, "web01", string(supervisor.PhaseStopped))

	// Identifiers are free again: the same port now launches web02.
	if _, err := m.StartGuest(context.Background(), "web02"); err != nil {
		t.Fatalf("StartGuest web02 after release: %v", err)
	}
}

func TestSlowShutdownDoesNotBlockOtherCommands(t *testing.T) {
	launcher := &fakeLauncher{ignoreTerm: map[string]bool{"slow": true}}
	m, dir := newTestManager(t, launcher)
	writeSpec(t, dir, "slow", 5901)
	writeSpec(t, dir, "web02", 5902)

	if _, err := m.StartGuest(context.Background(), "slow"); err != nil {
		t.Fatalf("StartGuest slow: %v", err)
	}
	snap, err := m.StopGuest(context.Background(), "slow")
	if err != nil {
		t.Fatalf("StopGuest slow: %v", err)
	}
	if snap.Phase != string(supervisor.PhaseStopping) {
		t.Fatalf("phase after stop = %s, want stopping", snap.Phase)
	}
	if snap.ShutdownDeadline == nil {
		t.Fatal("stopping guest must report its shutdown deadline")
	}

	// While the slow guest ignores its shutdown signal, other commands
	// must complete promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := m.ListGuests(context.Background()); err != nil {
			t.Errorf("ListGuests: %v", err)
		}
		if _, err := m.StartGuest(context.Background(), "web02"); err != nil {
			t.Errorf("StartGuest web02: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commands blocked behind a slow shutdown")
	}

	// The deadline eventually forces the kill.
	waitPhase(t, m, "slow", string(supervisor.PhaseStopped))
}

func TestListMergesSpecsAndLiveGuests(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "alpha", 5901)
	writeSpec(t, dir, "beta", 5902)

	if _, err := m.StartGuest(context.Background(), "beta"); err != nil {
		t.Fatalf("StartGuest beta: %v", err)
	}

	snaps, err := m.ListGuests(context.Background())
	if err != nil {
		t.Fatalf("ListGuests: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("list length = %d, want 2", len(snaps))
	}
	if snaps[0].Name != "alpha" || snaps[0].Phase != string(supervisor.PhaseStopped) {
		t.Fatalf("snaps[0] = %+v, want stopped alpha", snaps[0])
	}
	if snaps[1].Name != "beta" || snaps[1].Phase != string(supervisor.PhaseRunning) {
		t.Fatalf("snaps[1] = %+v, want running beta", snaps[1])
	}
}

func TestDispatchRoutesCommands(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)

	resp, err := m.Dispatch(context.Background(), protocol.NewRequest(protocol.CommandStart, "web01"))
	if err != nil {
		t.Fatalf("Dispatch start: %v", err)
	}
	if resp.Status != protocol.StatusOK || resp.Guest == nil {
		t.Fatalf("start response = %+v", resp)
	}

	resp, err = m.Dispatch(context.Background(), protocol.NewRequest(protocol.CommandList, ""))
	if err != nil {
		t.Fatalf("Dispatch list: %v", err)
	}
	if resp.Guest != nil || len(resp.Guests) != 1 {
		t.Fatalf("list response = %+v", resp)
	}
}

func TestShutdownStopsAllGuestsInParallel(t *testing.T) {
	m, dir := newTestManager(t, &fakeLauncher{})
	writeSpec(t, dir, "web01", 5901)
	writeSpec(t, dir, "web02", 5902)

	for _, name := range []string{"web01", "web02"} {
		if _, err := m.StartGuest(context.Background(), name); err != nil {
			t.Fatalf("StartGuest %s: %v", name, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	snaps, err := m.ListGuests(context.Background())
	if err != nil {
		t.Fatalf("ListGuests: %v", err)
	}
	for _, snap := range snaps {
		if snap.Phase != string(supervisor.PhaseStopped) {
			t.Fatalf("guest %s phase = %s after shutdown", snap.Name, snap.Phase)
		}
	}
}
