// Package supervisor owns one guest's hypervisor process and drives its
// lifecycle state machine. One run-loop goroutine exists per launched
// guest; all cross-guest coordination happens through the allocator and
// the registry, never through a shared lock held across a process wait.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hostcrank/crank/internal/server/allocator"
	"github.com/hostcrank/crank/internal/server/control/events"
	"github.com/hostcrank/crank/internal/server/eventbus"
	"github.com/hostcrank/crank/internal/server/guestspec"
	"github.com/hostcrank/crank/internal/server/hypervisor"
)

// Phase is a guest's lifecycle state.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseKilling  Phase = "killing"
)

// ExitClass records how the last guest process ended.
type ExitClass string

const (
	ExitNone     ExitClass = ""
	ExitShutdown ExitClass = "shutdown" // guest powered off cleanly
	ExitForced   ExitClass = "forced"   // killed after the shutdown deadline
	ExitAbnormal ExitClass = "abnormal" // crash or error exit
)

var (
	// ErrConflict indicates a lifecycle command collided with the guest's
	// current phase or an in-flight transition.
	ErrConflict = errors.New("supervisor: conflicting lifecycle command")
	// ErrNotRunning indicates a stop was issued against a guest with no
	// live process.
	ErrNotRunning = errors.New("supervisor: guest is not running")
	// ErrLaunch indicates the hypervisor process could not be brought up.
	ErrLaunch = errors.New("supervisor: launch failed")
)

const (
	defaultStartupProbe = 200 * time.Millisecond
	defaultKillGrace    = 10 * time.Second
)

// Snapshot is a point-in-time copy of a guest's runtime state.
type Snapshot struct {
	Name             string
	Phase            Phase
	PID              int
	StartedAt        time.Time
	ShutdownDeadline time.Time
	LastExit         ExitClass
	ConsolePort      int
	MACAddress       string
}

// Params wires dependencies for one supervisor.
type Params struct {
	Spec      guestspec.Spec
	Logger    *slog.Logger
	Launcher  hypervisor.Launcher
	Allocator *allocator.Allocator
	Bus       eventbus.Bus
	// OnTerminal is invoked exactly once, after the supervisor reached its
	// terminal state and released its identifiers. The registry uses it to
	// evict the entry and free the guest name.
	OnTerminal func(*Supervisor)
	// StartupProbe is how long a fresh process must stay alive before the
	// guest is considered running.
	StartupProbe time.Duration
	// KillGrace bounds the wait for process reaping after a forced kill.
	KillGrace time.Duration
}

// Supervisor drives one guest. It is single-shot: once terminal it is
// evicted from the registry and a new launch gets a new supervisor.
type Supervisor struct {
	spec         guestspec.Spec
	logger       *slog.Logger
	launcher     hypervisor.Launcher
	alloc        *allocator.Allocator
	bus          eventbus.Bus
	onTerminal   func(*Supervisor)
	startupProbe time.Duration
	killGrace    time.Duration

	mu        sync.Mutex
	phase     Phase
	launched  bool
	pid       int
	startedAt time.Time
	deadline  time.Time
	lastExit  ExitClass
	mac       string
	inst      hypervisor.Instance

	stopCh   chan time.Duration
	done     chan struct{}
	termOnce sync.Once
}

// New constructs a supervisor in the initial stopped phase.
func New(p Params) (*Supervisor, error) {
	if p.Launcher == nil {
		return nil, fmt.Errorf("supervisor: launcher is required")
	}
	if p.Allocator == nil {
		return nil, fmt.Errorf("supervisor: allocator is required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("supervisor: logger is required")
	}
	if p.StartupProbe <= 0 {
		p.StartupProbe = defaultStartupProbe
	}
	if p.KillGrace <= 0 {
		p.KillGrace = defaultKillGrace
	}
	return &Supervisor{
		spec:         p.Spec,
		logger:       p.Logger.With("component", "supervisor", "guest", p.Spec.Name),
		launcher:     p.Launcher,
		alloc:        p.Allocator,
		bus:          p.Bus,
		onTerminal:   p.OnTerminal,
		startupProbe: p.StartupProbe,
		killGrace:    p.KillGrace,
		phase:        PhaseStopped,
		mac:          p.Spec.MACAddress,
		stopCh:       make(chan time.Duration, 1),
		done:         make(chan struct{}),
	}, nil
}

// Name returns the guest name this supervisor owns.
func (s *Supervisor) Name() string { return s.spec.Name }

// Done is closed once the supervisor reaches its terminal state.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Terminated reports whether the supervisor has reached its terminal state.
func (s *Supervisor) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the runtime state without mutating it.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:             s.spec.Name,
		Phase:            s.phase,
		PID:              s.pid,
		StartedAt:        s.startedAt,
		ShutdownDeadline: s.deadline,
		LastExit:         s.lastExit,
		ConsolePort:      s.spec.ConsolePort,
		MACAddress:       s.mac,
	}
}

// Start claims the guest's identifiers, launches the hypervisor process,
// and transitions stopped -> starting -> running. A supervisor that is not
// in its initial stopped phase rejects the command with ErrConflict; this
// is what serializes duplicate starts racing through the registry.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseStopped || s.launched {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: guest %s is %s", ErrConflict, s.spec.Name, phase)
	}
	s.launched = true
	s.phase = PhaseStarting
	s.mu.Unlock()

	s.publish(ctx, events.TypeGuestStarting, "claiming identifiers")

	granted, err := s.alloc.Claim(s.spec.Name, allocator.Claim{
		ConsolePort: s.spec.ConsolePort,
		MACAddress:  s.spec.MACAddress,
		StoragePath: s.spec.StoragePath,
	})
	if err != nil {
		s.markTerminal(ExitNone)
		return err
	}
	s.mu.Lock()
	s.mac = granted.MACAddress
	s.mu.Unlock()

	inst, err := s.launcher.Launch(ctx, s.launchSpec())
	if err != nil {
		s.alloc.Release(s.spec.Name)
		s.markTerminal(ExitNone)
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	// Liveness probe: a process that dies inside the window never made it
	// to running and counts as a launch failure, not a crash.
	select {
	case res := <-inst.Wait():
		_ = inst.Cleanup(context.Background())
		s.alloc.Release(s.spec.Name)
		s.markTerminal(ExitAbnormal)
		if res.Err != nil {
			return fmt.Errorf("%w: process exited immediately: %v", ErrLaunch, res.Err)
		}
		return fmt.Errorf("%w: process exited immediately with code %d", ErrLaunch, res.Code)
	case <-time.After(s.startupProbe):
	}

	s.mu.Lock()
	s.phase = PhaseRunning
	s.inst = inst
	s.pid = inst.PID()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("guest running", "pid", inst.PID())
	s.publish(ctx, events.TypeGuestRunning, "guest process alive")

	go s.run(inst)
	return nil
}

// Stop initiates a graceful shutdown. It returns immediately; the run
// loop enforces the deadline and escalates to a forced kill, regardless
// of whether the requesting client sticks around. A stop against a guest
// already stopping or killing is an idempotent no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.phase {
	case PhaseStopping, PhaseKilling:
		s.mu.Unlock()
		return nil
	case PhaseRunning:
	case PhaseStarting:
		s.mu.Unlock()
		return fmt.Errorf("%w: guest %s is mid-transition", ErrConflict, s.spec.Name)
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, s.spec.Name)
	}
	s.phase = PhaseStopping
	s.deadline = time.Now().Add(s.spec.ShutdownTimeout).UTC()
	timeout := s.spec.ShutdownTimeout
	s.mu.Unlock()

	s.logger.Info("initiating graceful shutdown", "timeout", timeout.String())
	s.publish(context.Background(), events.TypeGuestStopping, "cooperative shutdown signalled")

	select {
	case s.stopCh <- timeout:
	default:
	}
	return nil
}

// run is the per-guest supervision loop. It is the sole consumer of the
// instance's wait channel.
func (s *Supervisor) run(inst hypervisor.Instance) {
	var killTimer *time.Timer
	var killC <-chan time.Time
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	for {
		select {
		case res := <-inst.Wait():
			if s.currentPhase() == PhaseRunning && res.Err == nil && res.Code == hypervisor.ExitReboot {
				next, err := s.relaunch(inst)
				if err != nil {
					s.logger.Error("relaunch after guest reboot", "error", err)
					s.finish(inst, hypervisor.ExitResult{Code: -1, Err: err})
					return
				}
				inst = next
				continue
			}
			s.finish(inst, res)
			return

		case timeout := <-s.stopCh:
			if err := inst.Shutdown(); err != nil {
				s.logger.Error("send shutdown signal", "error", err)
			}
			killTimer = time.NewTimer(timeout)
			killC = killTimer.C

		case <-killC:
			s.mu.Lock()
			s.phase = PhaseKilling
			s.mu.Unlock()
			s.logger.Warn("shutdown deadline elapsed, killing guest process")
			s.publish(context.Background(), events.TypeGuestKilling, "shutdown deadline elapsed")
			if err := inst.Kill(); err != nil {
				s.logger.Error("send kill signal", "error", err)
			}
			select {
			case res := <-inst.Wait():
				s.finish(inst, res)
			case <-time.After(s.killGrace):
				s.finish(inst, hypervisor.ExitResult{Code: -1, Err: errors.New("guest process survived SIGKILL")})
			}
			return
		}
	}
}

// relaunch replaces the exited process after a guest-initiated reboot.
// bhyve exits with code 0 on reboot; the guest stays running from the
// operator's point of view.
func (s *Supervisor) relaunch(old hypervisor.Instance) (hypervisor.Instance, error) {
	_ = old.Cleanup(context.Background())
	inst, err := s.launcher.Launch(context.Background(), s.launchSpec())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inst = inst
	s.pid = inst.PID()
	s.mu.Unlock()
	s.logger.Info("guest rebooted, process relaunched", "pid", inst.PID())
	s.publish(context.Background(), events.TypeGuestRebooted, "guest-initiated reboot")
	return inst, nil
}

// finish drives any phase to the terminal stopped state: classify the
// exit, tear down hypervisor leftovers, release identifiers, notify.
func (s *Supervisor) finish(inst hypervisor.Instance, res hypervisor.ExitResult) {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()

	class := classifyExit(phase, res)

	_ = inst.Cleanup(context.Background())
	s.alloc.Release(s.spec.Name)

	switch class {
	case ExitAbnormal:
		s.logger.Warn("guest exited abnormally", "code", res.Code, "error", res.Err)
	case ExitForced:
		s.logger.Warn("guest forcibly terminated", "code", res.Code)
	default:
		s.logger.Info("guest stopped", "code", res.Code)
	}

	s.markTerminal(class)

	evType := events.TypeGuestStopped
	msg := "guest stopped"
	if class == ExitAbnormal {
		evType = events.TypeGuestCrashed
		msg = fmt.Sprintf("guest exited abnormally (code %d)", res.Code)
	}
	s.publish(context.Background(), evType, msg)
}

// markTerminal records the terminal state and fires eviction exactly once.
func (s *Supervisor) markTerminal(class ExitClass) {
	s.mu.Lock()
	s.phase = PhaseStopped
	if class != ExitNone {
		s.lastExit = class
	}
	s.deadline = time.Time{}
	s.pid = 0
	s.inst = nil
	s.mu.Unlock()

	s.termOnce.Do(func() {
		close(s.done)
		if s.onTerminal != nil {
			s.onTerminal(s)
		}
	})
}

func (s *Supervisor) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Supervisor) launchSpec() hypervisor.LaunchSpec {
	s.mu.Lock()
	mac := s.mac
	s.mu.Unlock()
	return hypervisor.LaunchSpec{
		Name:          s.spec.Name,
		MemoryMB:      s.spec.MemoryMB,
		CPUSockets:    s.spec.CPUSockets,
		CPUCores:      s.spec.CPUCores,
		CPUThreads:    s.spec.CPUThreads,
		StoragePath:   s.spec.StoragePath,
		UEFIVarsPath:  s.spec.UEFIVarsPath,
		TapDevice:     s.spec.TapDevice,
		MACAddress:    mac,
		BootImagePath: s.spec.BootImagePath,
		ConsolePort:   s.spec.ConsolePort,
		ConsoleKbd:    s.spec.ConsoleKbd,
		ConsoleWait:   s.spec.ConsoleWait,
	}
}

func (s *Supervisor) publish(ctx context.Context, typ, msg string) {
	if s.bus == nil {
		return
	}
	snap := s.Snapshot()
	event := events.GuestEvent{
		Type:      typ,
		Guest:     snap.Name,
		Phase:     string(snap.Phase),
		PID:       snap.PID,
		Timestamp: time.Now().UTC(),
		Message:   msg,
	}
	if err := s.bus.Publish(ctx, events.TopicGuestEvents, event); err != nil {
		s.logger.Error("publish guest event", "type", typ, "error", err)
	}
}

func classifyExit(phase Phase, res hypervisor.ExitResult) ExitClass {
	switch phase {
	case PhaseKilling:
		return ExitForced
	case PhaseStopping:
		if res.Err != nil {
			return ExitAbnormal
		}
		return ExitShutdown
	default:
		// Unrequested exit: a clean guest-initiated poweroff is not a
		// crash; everything else is.
		if res.Err == nil && res.Code == hypervisor.ExitPoweroff {
			return ExitShutdown
		}
		return ExitAbnormal
	}
}
