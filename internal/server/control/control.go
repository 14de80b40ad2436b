// Package control implements the agent's command surface: it resolves
// guest names to spec files, owns the supervisor registry, and turns
// lifecycle commands into supervisor calls. Nothing here blocks on a
// guest process; slow shutdowns of one guest never delay commands for
// another.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/eventbus"
	"github.com/hostcrank/crank/internal/server/guestspec"
	"github.com/hostcrank/crank/internal/server/hypervisor"
	"github.com/hostcrank/crank/internal/server/registry"
	"github.com/hostcrank/crank/internal/server/supervisor"
)

// ErrGuestNotFound indicates the named guest has neither a spec file nor a
// live supervisor.
var ErrGuestNotFound = errors.New("control: guest not found")

// Manager is the control-plane core shared by the HTTP layer and the
// daemon's shutdown path.
type Manager struct {
	configDir string
	logger    *slog.Logger
	base      *slog.Logger // undecorated, handed to supervisors
	launcher  hypervisor.Launcher
	alloc     *allocator.Allocator
	bus       eventbus.Bus
	registry  *registry.Registry
}

// Params wires a Manager.
type Params struct {
	ConfigDir string
	Logger    *slog.Logger
	Launcher  hypervisor.Launcher
	Allocator *allocator.Allocator
	Bus       eventbus.Bus
}

// New constructs a Manager.
func New(p Params) (*Manager, error) {
	if p.ConfigDir == "" {
		return nil, fmt.Errorf("control: config dir is required")
	}
	if p.Launcher == nil {
		return nil, fmt.Errorf("control: launcher is required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("control: logger is required")
	}
	if p.Allocator == nil {
		p.Allocator = allocator.New()
	}
	return &Manager{
		configDir: p.ConfigDir,
		logger:    p.Logger.With("component", "control"),
		base:      p.Logger,
		launcher:  p.Launcher,
		alloc:     p.Allocator,
		bus:       p.Bus,
		registry:  registry.New(),
	}, nil
}

// StartGuest launches the named guest from its spec file. The returned
// snapshot reflects the running guest.
func (m *Manager) StartGuest(ctx context.Context, name string) (protocol.GuestSnapshot, error) {
	spec, err := m.loadSpec(name)
	if err != nil {
		return protocol.GuestSnapshot{}, err
	}

	sup, created, err := m.registry.Acquire(name, func() (*supervisor.Supervisor, error) {
		return supervisor.New(supervisor.Params{
			Spec:       spec,
			Logger:     m.base,
			Launcher:   m.launcher,
			Allocator:  m.alloc,
			Bus:        m.bus,
			OnTerminal: m.registry.Evict,
		})
	})
	if err != nil {
		return protocol.GuestSnapshot{}, err
	}
	if !created {
		// A live supervisor already owns the name. Let its phase guard
		// produce the conflict so racing duplicate starts and starts
		// against a stopping guest report the same way.
		return protocol.GuestSnapshot{}, fmt.Errorf("%w: guest %s is %s", supervisor.ErrConflict, name, sup.Snapshot().Phase)
	}

	if err := sup.Start(ctx); err != nil {
		return protocol.GuestSnapshot{}, err
	}
	return toProtocol(sup.Snapshot()), nil
}

// StopGuest initiates a graceful shutdown of the named guest. The shutdown
// continues in the background; the snapshot reflects the stopping phase.
func (m *Manager) StopGuest(_ context.Context, name string) (protocol.GuestSnapshot, error) {
	sup, ok := m.registry.Get(name)
	if !ok {
		return protocol.GuestSnapshot{}, fmt.Errorf("%w: %s has no live process", ErrGuestNotFound, name)
	}
	if err := sup.Stop(); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			return protocol.GuestSnapshot{}, fmt.Errorf("%w: %s has no live process", ErrGuestNotFound, name)
		}
		return protocol.GuestSnapshot{}, err
	}
	return toProtocol(sup.Snapshot()), nil
}

// GuestStatus reports the named guest's runtime state. A guest that has a
// spec file but no live process reports as stopped; a name with neither is
// not found.
func (m *Manager) GuestStatus(_ context.Context, name string) (protocol.GuestSnapshot, error) {
	if sup, ok := m.registry.Get(name); ok {
		return toProtocol(sup.Snapshot()), nil
	}
	spec, err := m.loadSpec(name)
	if err != nil {
		return protocol.GuestSnapshot{}, err
	}
	return protocol.GuestSnapshot{
		Name:        spec.Name,
		Phase:       string(supervisor.PhaseStopped),
		ConsolePort: spec.ConsolePort,
		MACAddress:  spec.MACAddress,
	}, nil
}

// ListGuests reports every known guest: each spec file in the config dir
// plus any live guest, sorted by name. Only registry snapshots are taken,
// so a slow shutdown never blocks the listing.
func (m *Manager) ListGuests(_ context.Context) ([]protocol.GuestSnapshot, error) {
	live := make(map[string]protocol.GuestSnapshot)
	for _, sup := range m.registry.Snapshot() {
		live[sup.Name()] = toProtocol(sup.Snapshot())
	}

	names, err := m.specNames()
	if err != nil {
		return nil, err
	}

	out := make([]protocol.GuestSnapshot, 0, len(names)+len(live))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if snap, ok := live[name]; ok {
			out = append(out, snap)
			continue
		}
		out = append(out, protocol.GuestSnapshot{Name: name, Phase: string(supervisor.PhaseStopped)})
	}
	// Live guests whose spec file vanished still show up.
	for name, snap := range live {
		if !seen[name] {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Dispatch routes a validated protocol request to the matching operation.
func (m *Manager) Dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch req.Command {
	case protocol.CommandStart:
		snap, err := m.StartGuest(ctx, req.Guest)
		if err != nil {
			return protocol.Response{}, err
		}
		resp := protocol.OK(req)
		resp.Guest = &snap
		return resp, nil
	case protocol.CommandStop:
		snap, err := m.StopGuest(ctx, req.Guest)
		if err != nil {
			return protocol.Response{}, err
		}
		resp := protocol.OK(req)
		resp.Guest = &snap
		return resp, nil
	case protocol.CommandStatus:
		snap, err := m.GuestStatus(ctx, req.Guest)
		if err != nil {
			return protocol.Response{}, err
		}
		resp := protocol.OK(req)
		resp.Guest = &snap
		return resp, nil
	case protocol.CommandList:
		snaps, err := m.ListGuests(ctx)
		if err != nil {
			return protocol.Response{}, err
		}
		resp := protocol.OK(req)
		resp.Guests = snaps
		return resp, nil
	default:
		return protocol.Response{}, fmt.Errorf("control: unhandled command %q", req.Command)
	}
}

// Shutdown stops every live guest in parallel and waits for all of them to
// reach terminal state or for ctx to expire. Used on daemon exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	sups := m.registry.Snapshot()
	if len(sups) == 0 {
		return nil
	}
	m.logger.Info("stopping all guests", "count", len(sups))

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			if err := sup.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
				m.logger.Error("stop guest", "guest", sup.Name(), "error", err)
			}
			select {
			case <-sup.Done():
			case <-ctx.Done():
			}
		}(sup)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("control: shutdown interrupted: %w", ctx.Err())
	}
}

func (m *Manager) loadSpec(name string) (guestspec.Spec, error) {
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return guestspec.Spec{}, fmt.Errorf("%w: invalid guest name %q", ErrGuestNotFound, name)
	}
	path := filepath.Join(m.configDir, name+".ini")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return guestspec.Spec{}, fmt.Errorf("%w: no spec file for %s", ErrGuestNotFound, name)
		}
		return guestspec.Spec{}, fmt.Errorf("control: stat spec file: %w", err)
	}
	return guestspec.Load(path)
}

func (m *Manager) specNames() ([]string, error) {
	entries, err := os.ReadDir(m.configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("control: read config dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ini") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".ini"))
	}
	return names, nil
}

func toProtocol(snap supervisor.Snapshot) protocol.GuestSnapshot {
	out := protocol.GuestSnapshot{
		Name:        snap.Name,
		Phase:       string(snap.Phase),
		PID:         snap.PID,
		LastExit:    string(snap.LastExit),
		ConsolePort: snap.ConsolePort,
		MACAddress:  snap.MACAddress,
	}
	if !snap.StartedAt.IsZero() {
		t := snap.StartedAt
		out.StartedAt = &t
	}
	if !snap.ShutdownDeadline.IsZero() {
		t := snap.ShutdownDeadline
		out.ShutdownDeadline = &t
	}
	return out
}
