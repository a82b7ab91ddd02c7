// Package eventloop implements the single-threaded reactor: one goroutine
// serializing every signal, timer, process-exit, and control-socket event
// into calls against the Condition Store, Service
// Registry, state machine, reload engine, and runlevel controller. No
// callback here may block; socket and timer I/O happen on their own
// goroutines and hand finished events to this loop over channels, the
// Go-idiomatic analogue of dasynq's single-threaded callback dispatch.
package eventloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/finitd/pkg/condition"
	"github.com/sunlightlinux/finitd/pkg/control"
	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
	"github.com/sunlightlinux/finitd/pkg/reload"
	"github.com/sunlightlinux/finitd/pkg/runlevel"
	"github.com/sunlightlinux/finitd/pkg/svc"
)

// exitEvent is what the per-service forwarding goroutine (spawned from
// Machine.OnStarted) sends once a supervised process exits.
type exitEvent struct {
	id registry.Identity
	exit process.ChildExit
}

// Loop is the event-loop reactor. Construct with New, wire a
// control.Server and a ReloadFunc if this is a full finitd instance (tests
// may leave either nil), then call Run.
type Loop struct {
	Registry *registry.Registry
	Machine *svc.Machine
	Conditions *condition.Store
	Reload *reload.Engine
	Runlevel *runlevel.Controller
	Logger *logging.Logger

	// Control is optional: a nil Control runs the reactor with no socket
	// (used in tests exercising the state machine alone).
	Control *control.Server

	// PidWatcher is optional: a nil PidWatcher runs the reactor with no
	// pid-file condition feed (used in tests). When set, WatchService must
	// be called once per service carrying a PidFile so its basename can be
	// translated back into a pid/<name> condition as events arrive.
	PidWatcher *process.PidWatcher

	// ReloadFunc re-reads configuration from disk and produces a fresh
	// definition set, invoked on SIGHUP and the control socket's `reload`
	// command. A nil ReloadFunc makes both a no-op.
	ReloadFunc func() ([]reload.Definition, error)

	// DefaultRunlevel is entered automatically once bootstrap runlevel S's
	// run/task services have all completed.
	DefaultRunlevel int

	sigCh chan os.Signal
	exitCh chan exitEvent
	timers *Timers

	sweepCh chan struct{}
	pendingSweep bool

	pendingReloadDefs []reload.Definition
	bootstrapped bool

	pidNames map[string]string // pid-file basename -> condition name ("pid/<name>")
}

// New wires a Loop and its Timers into m (m.Timers and m.OnStarted). Call
// once per Machine; constructing a second Loop over the same Machine would
// silently steal its exit/timer wiring.
func New(reg *registry.Registry, m *svc.Machine, conditions *condition.Store, reloadEngine *reload.Engine, runlevelCtl *runlevel.Controller, logger *logging.Logger) *Loop {
	l := &Loop{
		Registry: reg,
		Machine: m,
		Conditions: conditions,
		Reload: reloadEngine,
		Runlevel: runlevelCtl,
		Logger: logger,
		exitCh: make(chan exitEvent, 64),
		sweepCh: make(chan struct{}, 1),
		timers: NewTimers(),
		pidNames: make(map[string]string),
	}
	m.Timers = l.timers
	m.OnStarted = l.onServiceStarted
	conditions.OnChange(l.postSweep)
	return l
}

func (l *Loop) onServiceStarted(id registry.Identity, exitCh <-chan process.ChildExit) {
	go func() {
		exit, ok := <-exitCh
		if !ok {
			return
		}
		l.exitCh <- exitEvent{id: id, exit: exit}
	}()
}

// WatchService registers s's pid file (if any) with PidWatcher, so its
// directory events translate into a pid/<name> condition: an inotify watch
// on the pid file's directory turns create/modify events into condition
// pid/<name> transitions. A nil PidWatcher or a service with no PidFile is
// a no-op. The condition
// name uses the service's human Name rather than its full path, matching
// original_source/src/service.c's convention of naming the pid condition
// after the service, not the pid file's basename.
func (l *Loop) WatchService(s *svc.Service) {
	if l.PidWatcher == nil || s.Attrs.PidFile == "" {
		return
	}
	if err := l.PidWatcher.WatchFile(s.Attrs.PidFile); err != nil {
		if l.Logger != nil {
			l.Logger.Warn("service %s: watching pid file %s: %v", s.ID, s.Attrs.PidFile, err)
		}
		return
	}
	l.pidNames[filepath.Base(s.Attrs.PidFile)] = "pid/" + s.Attrs.Name
}

func (l *Loop) handlePidEvent(ev process.PidEvent) {
	name, ok := l.pidNames[ev.Name]
	if !ok {
		return
	}
	var err error
	switch ev.Kind {
	case process.PidFileRemoved:
		err = l.Conditions.Clear(name)
	default: // PidFileCreated, PidFileWritten
		err = l.Conditions.Set(name)
	}
	if err != nil && l.Logger != nil {
		l.Logger.Warn("pid condition %s: %v", name, err)
	}
}

// postSweep is condition.Store's OnChange callback: it must not block, so
// it does a non-blocking send on a capacity-1 channel, the "re-posting
// while pending is idempotent" contract of the scheduling rule.
func (l *Loop) postSweep() {
	select {
	case l.sweepCh <- struct{}{}:
	default:
	}
}

// Run drives the reactor until ctx is cancelled. It enters bootstrap
// runlevel S before the first select iteration.
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = setupSignals()
	defer stopSignals(l.sigCh)

	var envelopes <-chan control.Envelope
	if l.Control != nil {
		envelopes = l.Control.Envelopes()
	}

	var pidEvents <-chan process.PidEvent
	if l.PidWatcher != nil {
		pidEvents = l.PidWatcher.Events
	}

	l.Runlevel.Boot()
	l.checkQuiescence()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-l.sigCh:
			l.handleSignal(sig)

		case ev := <-l.exitCh:
			l.Machine.HandleExit(ev.id, ev.exit)
			l.stepSettle(ev.id)

		case id := <-l.timers.Fired():
			l.Machine.FireTimer(id)
			l.stepSettle(id)

		case <-l.sweepCh:
			l.drainSweep()

		case env, ok := <-envelopes:
			if !ok {
				envelopes = nil
				continue
			}
			env.Reply <- l.handleControl(env.Request)

		case ev, ok := <-pidEvents:
			if !ok {
				pidEvents = nil
				continue
			}
			l.handlePidEvent(ev)
		}

		l.checkQuiescence()
	}
}

// stepSettle drives id through Step until its state stops changing, up to
// four iterations (halted→ready→running is two transitions; Step applies
// one per call). Grounded on the identical helper in pkg/reload and
// pkg/runlevel, needed here too so a single exit or timer event fully
// resolves in one reactor turn instead of waiting on an unrelated future
// event to happen to revisit it.
func (l *Loop) stepSettle(id registry.Identity) {
	for i := 0; i < 4; i++ {
		entry, ok := l.Registry.Get(id)
		if !ok {
			return
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			return
		}
		before := s.State
		l.Machine.Step(id)
		if s.State == before {
			return
		}
	}
}

// drainSweep marks every registered identity dirty, drains the dirty set,
// and settles each drained identity with stepSettle. Because postSweep's
// channel holds at most one pending signal, a burst of Set/Clear calls
// between two reactor turns collapses into one sweep here.
func (l *Loop) drainSweep() {
	l.Registry.MarkAllDirty()
	for _, id := range l.Registry.DrainDirty() {
		l.stepSettle(id)
	}
}

// checkQuiescence finishes a reload or runlevel transition once every
// service it targeted has reached a terminal state, and advances out of
// bootstrap once every S-enabled run/task service has completed. It runs
// after every reactor event rather than on a timer, piggybacking on the
// natural event cadence instead of busy-polling.
func (l *Loop) checkQuiescence() {
	if l.Reload != nil && l.Reload.InTeardown() && l.Reload.Quiesced() {
		if err := l.Reload.Finish(l.pendingReloadDefs); err != nil && l.Logger != nil {
			l.Logger.Error("reload finish: %v", err)
		}
		l.pendingReloadDefs = nil
	}

	if !l.bootstrapped && l.Runlevel.Current() == runlevel.Bootstrap &&
		!l.Runlevel.InTeardown() && l.Runlevel.BootstrapComplete() {
		l.bootstrapped = true
		if err := l.Runlevel.SetRunlevel(l.DefaultRunlevel); err != nil && l.Logger != nil {
			l.Logger.Error("entering default runlevel %d: %v", l.DefaultRunlevel, err)
		}
	}

	if l.Runlevel.InTeardown() && l.Runlevel.Quiesced() {
		if err := l.Runlevel.Finish(); err != nil && l.Logger != nil {
			l.Logger.Error("runlevel finish: %v", err)
		}
	}
}

// handleSignal maps a delivered signal to the supervisor action
// assigns it. SIGCHLD triggers no direct action: Go's os/exec machinery
// already reaps managed children via their own Wait4 call, and a
// Wait4(-1) here would steal that reap out from under it (the same
// reasoning sunlightlinux-slinit's own event loop documents).
func (l *Loop) handleSignal(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	switch s {
	case syscall.SIGCHLD:
	case syscall.SIGHUP:
		l.TriggerReload()
	case syscall.SIGINT:
		l.requestRunlevel(6, runlevel.ShutdownReboot)
	case syscall.SIGTERM:
		l.requestRunlevel(0, runlevel.ShutdownHalt)
	case syscall.SIGUSR1:
		l.requestRunlevel(0, runlevel.ShutdownHalt)
	case syscall.SIGUSR2:
		l.requestRunlevel(6, runlevel.ShutdownReboot)
	case syscall.SIGPWR:
		l.requestRunlevel(0, runlevel.ShutdownPoweroff)
	case syscall.SIGQUIT:
		l.requestRunlevel(0, runlevel.ShutdownPoweroff)
	case syscall.SIGCONT:
		if l.Logger != nil {
			l.Logger.Notice("resumed from admin pause (SIGCONT)")
		}
	}
}

func (l *Loop) requestRunlevel(target int, t runlevel.ShutdownType) {
	if err := l.Runlevel.SetRunlevelForShutdown(target, t); err != nil && l.Logger != nil {
		l.Logger.Debug("runlevel request %d: %v", target, err)
	}
}

func (l *Loop) TriggerReload() {
	if l.ReloadFunc == nil {
		return
	}
	defs, err := l.ReloadFunc()
	if err != nil {
		if l.Logger != nil {
			l.Logger.Error("reload: config load failed: %v", err)
		}
		return
	}
	if _, _, err := l.Reload.Begin(defs); err != nil {
		if l.Logger != nil {
			l.Logger.Error("reload: %v", err)
		}
		return
	}
	l.pendingReloadDefs = defs
}

// handleControl dispatches one control-socket request
// against current supervisor state. It always runs on the reactor
// goroutine: the connection goroutine that produced the Envelope is
// blocked on the reply channel, never touching registry/machine state
// itself.
func (l *Loop) handleControl(req control.Request) control.Reply {
	name := string(req.Data)
	id := registry.Identity{Cmd: name}

	switch req.Command {
	case control.CmdStatus:
		return control.Ack(l.statusText())

	case control.CmdRunlevelGet:
		return control.Ack(fmt.Sprintf("%d", l.Runlevel.Current()))

	case control.CmdRunlevelSet:
		if err := l.Runlevel.SetRunlevel(int(req.Arg)); err != nil {
			return control.Nack(err.Error())
		}
		return control.Ack(fmt.Sprintf("runlevel change to %d requested", req.Arg))

	case control.CmdStart:
		s, ok := l.service(id)
		if !ok {
			return control.Nack("no such service")
		}
		l.Machine.Step(s.ID)
		return control.Ack("ok")

	case control.CmdStop:
		if _, ok := l.service(id); !ok {
			return control.Nack("no such service")
		}
		l.Machine.Stop(id)
		return control.Ack("ok")

	case control.CmdRestart:
		if _, ok := l.service(id); !ok {
			return control.Nack("no such service")
		}
		l.Machine.Restart(id)
		return control.Ack("ok")

	case control.CmdReload:
		l.TriggerReload()
		return control.Ack("reload started")

	case control.CmdSignal:
		if _, ok := l.service(id); !ok {
			return control.Nack("no such service")
		}
		if err := l.Machine.Signal(id, syscall.Signal(req.Arg)); err != nil {
			return control.Nack(err.Error())
		}
		return control.Ack("ok")

	case control.CmdQuery:
		if _, ok := l.service(id); !ok {
			return control.Nack("not found")
		}
		return control.Ack("exists")

	case control.CmdCondGet:
		return control.Ack(l.Conditions.Get(name).String())

	case control.CmdCondSet:
		if err := l.Conditions.Set(name); err != nil {
			return control.Nack(err.Error())
		}
		return control.Ack("ok")

	case control.CmdCondClear:
		if err := l.Conditions.Clear(name); err != nil {
			return control.Nack(err.Error())
		}
		return control.Ack("ok")

	case control.CmdDebugToggle:
		l.toggleDebug()
		return control.Ack("ok")

	case control.CmdReboot:
		l.requestRunlevel(6, runlevel.ShutdownReboot)
		return control.Ack("reboot requested")

	case control.CmdHalt:
		l.requestRunlevel(0, runlevel.ShutdownHalt)
		return control.Ack("halt requested")

	case control.CmdPoweroff:
		l.requestRunlevel(0, runlevel.ShutdownPoweroff)
		return control.Ack("poweroff requested")

	case control.CmdSuspend:
		// Global no-respawn admin pause: SIGSTOP is
		// uncatchable, so there is no in-process hook to run before it
		// takes effect. Reply first so the client doesn't block on a
		// connection that's about to freeze along with everything else,
		// then deliver the signal once the reply has had a moment to flush.
		go func() {
			time.Sleep(50 * time.Millisecond)
			unix.Kill(os.Getpid(), unix.SIGSTOP)
		}()
		return control.Ack("suspending")

	default:
		return control.Nack(fmt.Sprintf("unknown command %s", req.Command))
	}
}

func (l *Loop) service(id registry.Identity) (*svc.Service, bool) {
	entry, ok := l.Registry.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := entry.(*svc.Service)
	return s, ok
}

func (l *Loop) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "runlevel %d\n", l.Runlevel.Current())
	for _, id := range l.Registry.Identities() {
		s, ok := l.service(id)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\tpid=%d\n", s.ID, s.Kind, s.State, s.PID)
	}
	return b.String()
}

func (l *Loop) toggleDebug() {
	if l.Logger == nil {
		return
	}
	// The logger has no GetLevel, so every debug-toggle request sets debug
	// level; a second request does not switch back to the previous level.
	l.Logger.SetLevel(logging.LevelDebug)
}
