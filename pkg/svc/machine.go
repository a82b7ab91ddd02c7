package svc

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/sunlightlinux/finitd/pkg/condition"
	"github.com/sunlightlinux/finitd/pkg/hook"
	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
)

// ProcessDriver is the process.StartProcess/SignalProcess seam pkg/svc
// depends on, narrowed to an interface so the state machine can be tested
// without forking real processes, the same spirit as sunlightlinux-slinit's
// pkg/shutdown package-var injection seams (killFunc/rebootFunc), expressed
// here as an interface since Machine is a value, not package-level state.
type ProcessDriver interface {
	Start(params process.ExecParams) (pid int, exitCh <-chan process.ChildExit, err error)
	Signal(pid int, sig syscall.Signal, processOnly bool) error
}

// realDriver is the production ProcessDriver, a thin pass-through to
// pkg/process.
type realDriver struct{}

func (realDriver) Start(params process.ExecParams) (int, <-chan process.ChildExit, error) {
	return process.StartProcess(params)
}

func (realDriver) Signal(pid int, sig syscall.Signal, processOnly bool) error {
	return process.SignalProcess(pid, sig, processOnly)
}

// RealDriver returns the production ProcessDriver.
func RealDriver() ProcessDriver { return realDriver{} }

// TimerScheduler arms and cancels the single outstanding per-service timer
// this supervisor requires. The event loop (pkg/eventloop) implements
// this on top of its Timers type; when a timer fires, the event loop
// calls Machine.FireTimer for that identity.
type TimerScheduler interface {
	Arm(id registry.Identity, d time.Duration)
	Cancel(id registry.Identity)
}

// Machine is the service state machine: the transition table,
// wired to the Condition Store, Service Registry, Process Supervisor, and
// hook registry. It holds no goroutine of its own — every method is called
// from the single event-loop goroutine.
type Machine struct {
	Registry *registry.Registry
	Conditions *condition.Store
	Driver ProcessDriver
	Timers TimerScheduler
	Hooks *hook.Registry
	Logger *logging.Logger

	// Runlevel returns the currently active runlevel; supplied as a func so
	// Machine has no direct dependency on pkg/runlevel (avoiding a cyclic
	// import, per the "avoid hidden globals" note).
	Runlevel func() int
	// InTeardown reports whether a fleet-wide reload or runlevel teardown
	// is in progress; while true, halted→ready→running and SIGHUP-reload
	// transitions are refused.
	InTeardown func() bool

	// OnStarted, if set, is called after a successful start with the
	// service's identity and exit channel. The event loop uses it to spawn
	// the one goroutine per running service that waits on ExitCh and
	// forwards the result into the reactor's single exit-fan-in channel,
	// since Machine itself owns no goroutines.
	OnStarted func(id registry.Identity, exitCh <-chan process.ChildExit)
}

func (m *Machine) service(id registry.Identity) (*Service, bool) {
	e, ok := m.Registry.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := e.(*Service)
	return s, ok
}

// Step applies one pass of the transition table to a single service,
// It is idempotent: calling it again with no other state
// change is a no-op.
func (m *Machine) Step(id registry.Identity) {
	s, ok := m.service(id)
	if !ok {
		return
	}

	enabled := s.Attrs.EnabledInRunlevel(m.Runlevel())
	agg := m.Conditions.Aggregate(s.Attrs.Conditions)
	teardown := m.InTeardown()

	switch s.State {
	case Halted:
		if s.Crashed {
			return
		}
		if enabled {
			s.State = Ready
		}

	case Ready:
		if !enabled {
			s.State = Halted
			s.HaltReason = HaltDisabled
			return
		}
		if agg == condition.On && !teardown {
			m.start(s)
		}

	case Running:
		if !enabled || agg == condition.Off {
			m.stop(s)
			return
		}
		if agg == condition.Flux {
			m.freeze(s)
			return
		}
		if s.Dirty && agg == condition.On && !teardown {
			m.reconfigure(s)
		}

	case Waiting:
		if !enabled || agg == condition.Off {
			m.signalProcess(s, syscall.SIGCONT)
			m.stop(s)
			return
		}
		if agg == condition.On {
			m.unfreeze(s)
		}

	case Stopping:
		// No guard fires here; the transition out of Stopping happens in
		// HandleExit once the process is actually reaped.

	case Done:
		if s.Dirty {
			s.State = Halted
			s.HaltReason = HaltReconfigured
			s.Dirty = false
		}
	}
}

// start implements the start(svc), the ready→running transition.
func (m *Machine) start(s *Service) {
	params := process.ExecParams{
		Command: s.Attrs.Argv,
		WorkingDir: s.Attrs.WorkingDir,
		Env: s.Attrs.Env,
		RunAsUID: s.Attrs.UID,
		RunAsGID: s.Attrs.GID,
		TermSignal: syscall.SIGTERM,
		RLimits: s.Attrs.RLimits,
		Log: s.Attrs.Log,
	}

	pid, exitCh, err := m.Driver.Start(params)
	if err != nil {
		m.handleStartFailure(s, err)
		return
	}

	s.PID = pid
	s.ExitCh = exitCh
	s.StartTime = time.Now()
	s.State = Running
	s.Missing = false
	s.Dirty = false
	m.Timers.Cancel(s.ID)
	s.TimerArmed = false
	s.TimerKind = TimerNone

	if m.Logger != nil {
		m.Logger.ServiceStarted(s.ID.Cmd, s.ID.ID)
	}
	if m.Hooks != nil {
		m.Hooks.Run(context.Background(), hook.SvcUp)
	}
	if m.OnStarted != nil {
		m.OnStarted(s.ID, exitCh)
	}
}

func (m *Machine) handleStartFailure(s *Service, err error) {
	var execErr *process.ExecError
	if errors.As(err, &execErr) && execErr.Stage == process.StageCheckBinary {
		s.Missing = true
		s.State = Halted
		s.HaltReason = HaltMissingBinary
		if m.Logger != nil {
			m.Logger.Error("service %s: binary not found: %v", s.ID, err)
		}
		return
	}
	// Transient execution failure (fork/exec setup failed for a reason
	// other than a missing binary): counts against the respawn budget,
	// here.
	m.crashRespawn(s)
}

// stop implements the stop(svc): SIGTERM plus a forced-kill
// timer, transitioning to stopping.
func (m *Machine) stop(s *Service) {
	if s.State == Stopping {
		return
	}
	if s.PID <= 1 {
		// Nothing to stop; go straight to the terminal state, matching
		// the "stopping a service whose pid is ≤ 1 is a no-op and reports
		// success" boundary behavior.
		s.State = s.TerminalStateOnStop()
		s.PID = 0
		return
	}
	m.Driver.Signal(s.PID, syscall.SIGTERM, false)
	s.State = Stopping
	m.armTimer(s, TimerForcedKill, s.Attrs.StopTimeout)
}

// FireTimer is called by the event loop when a service's armed timer
// fires. It switches on what the timer was for (the "at most one
// outstanding timer, re-arming replaces it").
func (m *Machine) FireTimer(id registry.Identity) {
	s, ok := m.service(id)
	if !ok {
		return
	}
	kind := s.TimerKind
	s.TimerArmed = false
	s.TimerKind = TimerNone

	switch kind {
	case TimerForcedKill:
		m.kill(s)
	case TimerRestartBackoff:
		m.Step(id) // halted→ready will fire if the service is re-enabled
	case TimerPidFileTimeout:
		// A service's pid file never appeared within the timeout: treated
		// as a crash.
		m.crashRespawn(s)
	}
}

// kill implements the kill(svc): called by the forced-kill
// timer. A pid ≤ 1 is a no-op.
func (m *Machine) kill(s *Service) {
	if s.PID <= 1 {
		return
	}
	m.Driver.Signal(s.PID, syscall.SIGKILL, false)
}

// Stop implements the stop(svc) as a public entry point, used by
// the reload engine and runlevel controller to tear down a service
// regardless of its current state (running or waiting).
func (m *Machine) Stop(id registry.Identity) {
	s, ok := m.service(id)
	if !ok {
		return
	}
	if s.State != Running && s.State != Waiting {
		return
	}
	if s.State == Waiting {
		m.signalProcess(s, syscall.SIGCONT)
	}
	m.stop(s)
}

// Restart implements the restart(svc): SIGHUP if the service
// advertises SIGHUP capability, otherwise stop-then-start (the stop's
// completion drives the halted→ready→running chain back through Step).
func (m *Machine) Restart(id registry.Identity) {
	s, ok := m.service(id)
	if !ok || s.State != Running {
		return
	}
	m.reconfigure(s)
}

func (m *Machine) reconfigure(s *Service) {
	if s.Attrs.SighupCapable {
		m.Driver.Signal(s.PID, syscall.SIGHUP, false)
		s.Dirty = false
		return
	}
	m.stop(s)
}

// Signal implements the signal(svc, signo): direct delivery, no
// state transition.
func (m *Machine) Signal(id registry.Identity, sig syscall.Signal) error {
	s, ok := m.service(id)
	if !ok {
		return nil
	}
	if s.PID <= 1 {
		return nil
	}
	return m.Driver.Signal(s.PID, sig, false)
}

func (m *Machine) signalProcess(s *Service, sig syscall.Signal) {
	if s.PID > 1 {
		m.Driver.Signal(s.PID, sig, false)
	}
}

// freeze puts a running service into waiting (SIGSTOP) when its condition
// aggregate goes flux.
func (m *Machine) freeze(s *Service) {
	if s.State != Running {
		return
	}
	m.signalProcess(s, syscall.SIGSTOP)
	s.State = Waiting
}

// unfreeze resumes a waiting service (SIGCONT) once its condition aggregate
// returns to on.
func (m *Machine) unfreeze(s *Service) {
	if s.State != Waiting {
		return
	}
	m.signalProcess(s, syscall.SIGCONT)
	s.State = Running
}

// HandleExit is called by the event loop when it reaps a SIGCHLD for a
// service's pid (drained from s.ExitCh). It implements
// the stopping→{halted,done} transition and the crash-respawn loop.
func (m *Machine) HandleExit(id registry.Identity, exit process.ChildExit) {
	s, ok := m.service(id)
	if !ok {
		return
	}

	m.Timers.Cancel(id)
	s.TimerArmed = false
	s.TimerKind = TimerNone
	wasRunning := s.State == Running
	s.PID = 0
	s.ExitCh = nil

	if m.Logger != nil {
		m.Logger.ServiceStopped(s.ID.Cmd, s.ID.ID)
	}
	if m.Hooks != nil {
		m.Hooks.Run(context.Background(), hook.SvcDown)
	}

	if wasRunning && s.IsRunningKind() {
		// A service/inetd listener exiting on its own, without having been
		// asked to stop, is unexpected: treat it as a crash regardless of
		// exit code, since the kind's contract is to keep running.
		m.crashRespawn(s)
		return
	}

	s.State = s.TerminalStateOnStop()
	if s.Kind == KindTask || s.Kind == KindRun {
		if exit.ExitedClean() {
			s.Once = true
		}
	}
	if s.Kind == KindInetdConn && s.State == Done {
		m.Registry.Remove(id)
	}
}

// crashRespawn implements the crash-respawn algorithm.
func (m *Machine) crashRespawn(s *Service) {
	s.RestartCnt++
	s.LifetimeRestarts++
	s.State = Halted
	s.HaltReason = HaltRestarting

	if s.RestartCnt >= MaxRestarts {
		s.Crashed = true
		s.HaltReason = HaltCrashed
		if m.Logger != nil {
			m.Logger.ServiceCrashed(s.ID.Cmd, s.ID.ID, s.RestartCnt)
		}
		return
	}

	delay := FastRetryDelaySeconds * time.Second
	if s.RestartCnt > FastRetryCount {
		delay = SlowRetryDelaySeconds * time.Second
	}
	m.armTimer(s, TimerRestartBackoff, delay)
}

// ResetRestartBudget clears the restart counter and crashed flag. Nothing
// in the supervisor calls it: an explicit restart request or a runlevel
// change leaves the counter and the flag as they are.
func (m *Machine) ResetRestartBudget(id registry.Identity) {
	s, ok := m.service(id)
	if !ok {
		return
	}
	s.RestartCnt = 0
	s.Crashed = false
}

func (m *Machine) armTimer(s *Service, kind TimerKind, d time.Duration) {
	m.Timers.Arm(s.ID, d)
	s.TimerArmed = true
	s.TimerKind = kind
}
