// Package runlevel implements the Runlevel Controller:
// sequencing a transition from one runlevel to another through a
// target-stop phase, a runlevel-change hook, and a startup phase, with
// special handling for the shutdown levels 0 and 6.
package runlevel

import (
	"context"
	"fmt"

	"github.com/sunlightlinux/finitd/pkg/hook"
	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/registry"
	"github.com/sunlightlinux/finitd/pkg/svc"
)

// Bootstrap is runlevel S's numeric slot: bit 0 of the runlevel mask,
// entered before any numbered runlevel.
const Bootstrap = 0

// ShutdownType distinguishes the kernel operation a 0/6 runlevel transition
// ends in. Named here (not in pkg/shutdown) because the runlevel controller
// is what decides which one applies; pkg/shutdown only knows how to execute
// one once decided.
type ShutdownType int

const (
	ShutdownNone ShutdownType = iota
	ShutdownHalt
	ShutdownPoweroff
	ShutdownReboot
)

func (t ShutdownType) String() string {
	switch t {
	case ShutdownHalt:
		return "halt"
	case ShutdownPoweroff:
		return "poweroff"
	case ShutdownReboot:
		return "reboot"
	default:
		return "none"
	}
}

// Executor performs the final, irreversible half of a shutdown: killing
// remaining processes, syncing filesystems, and issuing the reboot
// syscall. pkg/shutdown implements it; the controller depends only on this
// interface so it can be tested without touching real kernel state.
type Executor interface {
	Execute(t ShutdownType)
}

// Controller drives runlevel transitions. Like svc.Machine
// it holds no goroutine of its own; SetRunlevel/Finish are called from the
// single event-loop goroutine, and the event loop polls Quiesced between
// them (the same shape pkg/reload uses for its own teardown/startup split,
// since both share the "wait for SIGCHLD-driven quiescence" pattern named
// here).
type Controller struct {
	Registry *registry.Registry
	Machine *svc.Machine
	Hooks *hook.Registry
	Logger *logging.Logger
	Shutdown Executor

	current int
	previous int
	target int
	teardown bool
	// shutdownType overrides the default halt/reboot inference for the
	// current transition, set by SetRunlevelForShutdown for poweroff
	// requests that still land on runlevel 0.
	shutdownType ShutdownType
	pendingStop map[registry.Identity]bool
}

// New creates a controller with no runlevel active yet; call Boot to enter
// runlevel S and then the configured default.
func New(reg *registry.Registry, m *svc.Machine, hooks *hook.Registry, logger *logging.Logger, shutdown Executor) *Controller {
	return &Controller{Registry: reg, Machine: m, Hooks: hooks, Logger: logger, Shutdown: shutdown, current: -1}
}

// Current returns the active runlevel, or -1 before Boot.
func (c *Controller) Current() int { return c.current }

// Previous returns the runlevel active before the current one.
func (c *Controller) Previous() int { return c.previous }

// InTeardown reports whether a runlevel transition's stop phase is in
// progress; wired into svc.Machine.InTeardown alongside pkg/reload's own
// flag (either being true blocks halted→ready→running).
func (c *Controller) InTeardown() bool { return c.teardown }

// Boot enters bootstrap runlevel S. The event loop (pkg/eventloop) polls
// BootstrapComplete and calls SetRunlevel(defaultRunlevel) once every S-bit
// run service has completed, per the "after S, the default
// runlevel is entered automatically."
func (c *Controller) Boot() {
	c.current = Bootstrap
	c.previous = Bootstrap
	c.stepEnabled()
}

// BootstrapComplete reports whether every run/task service enabled in
// runlevel S has completed (once=true), the gate that lets the boot
// sequence proceed to the configured default runlevel.
func (c *Controller) BootstrapComplete() bool {
	for _, id := range c.Registry.Identities() {
		entry, ok := c.Registry.Get(id)
		if !ok {
			continue
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			continue
		}
		if !s.Attrs.EnabledInRunlevel(Bootstrap) {
			continue
		}
		if s.Kind != svc.KindRun && s.Kind != svc.KindTask {
			continue
		}
		if !s.Once {
			return false
		}
	}
	return true
}

// SetRunlevel begins a transition to L, inferring the shutdown type from L
// (0 -> halt, 6 -> reboot, otherwise none). It is a no-op if L already
// equals the current runlevel or a transition is already in progress.
func (c *Controller) SetRunlevel(L int) error {
	return c.begin(L, defaultShutdownType(L))
}

// SetRunlevelForShutdown begins a transition to L with an explicit
// shutdown type, used for poweroff requests that route through
// runlevel 0 but need a kernel operation other than plain halt.
func (c *Controller) SetRunlevelForShutdown(L int, t ShutdownType) error {
	return c.begin(L, t)
}

func defaultShutdownType(L int) ShutdownType {
	switch L {
	case 0:
		return ShutdownHalt
	case 6:
		return ShutdownReboot
	default:
		return ShutdownNone
	}
}

func (c *Controller) begin(L int, shutdownType ShutdownType) error {
	if L < 0 || L > 9 {
		return fmt.Errorf("runlevel: %d out of range 0..9", L)
	}
	if c.teardown {
		return fmt.Errorf("runlevel: transition already in progress")
	}
	if L == c.current {
		return nil
	}

	c.previous = c.current
	c.target = L
	c.shutdownType = shutdownType
	c.teardown = true
	c.pendingStop = make(map[registry.Identity]bool)

	for _, id := range c.Registry.Identities() {
		entry, ok := c.Registry.Get(id)
		if !ok {
			continue
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			continue
		}
		if s.Attrs.EnabledInRunlevel(L) {
			continue
		}
		if s.State != svc.Running && s.State != svc.Waiting {
			continue
		}
		c.pendingStop[id] = true
		c.Machine.Stop(id)
	}

	if c.Logger != nil {
		c.Logger.Notice("runlevel change %d -> %d requested (%d services stopping)", c.previous, L, len(c.pendingStop))
	}
	return nil
}

// Quiesced reports whether every service targeted for stop by the current
// transition has reached a terminal state.
func (c *Controller) Quiesced() bool {
	for id := range c.pendingStop {
		entry, ok := c.Registry.Get(id)
		if !ok {
			continue
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			continue
		}
		if s.State != svc.Halted && s.State != svc.Done {
			return false
		}
	}
	return true
}

// Finish completes a runlevel transition once Quiesced reports true: runs
// the runlevel-change hook, commits the new current runlevel, clears once
// flags, and steps the machine to start newly enabled services. If the
// target is 0 or 6, it then runs the shutdown hook and hands off to the
// Executor, which does not return.
func (c *Controller) Finish() error {
	if c.Hooks != nil {
		c.Hooks.Run(context.Background(), hook.RunlevelChange)
	}

	c.current = c.target
	c.teardown = false
	c.pendingStop = nil

	for _, id := range c.Registry.Identities() {
		entry, ok := c.Registry.Get(id)
		if !ok {
			continue
		}
		s, ok := entry.(*svc.Service)
		if !ok {
			continue
		}
		s.Once = false
	}

	c.stepEnabled()

	if c.Logger != nil {
		c.Logger.Notice("runlevel change complete: now %d", c.current)
	}

	if c.current == 0 || c.current == 6 {
		if c.Hooks != nil {
			c.Hooks.Run(context.Background(), hook.Shutdown)
		}
		t := c.shutdownType
		if t == ShutdownNone {
			t = defaultShutdownType(c.current)
		}
		if c.Shutdown != nil {
			c.Shutdown.Execute(t)
		}
	}

	return nil
}

// stepEnabled drives every service through as many Step calls as it takes
// to settle (halted→ready→running is two transitions; Step only applies
// one per call). The event loop normally does this one Step at a time as
// SIGCHLD/timer callbacks land, but a runlevel transition needs newly
// enabled services running by the time Finish returns, so it settles them
// inline here instead of waiting for the next reactor turn.
func (c *Controller) stepEnabled() {
	for _, id := range c.Registry.Identities() {
		for i := 0; i < 4; i++ {
			entry, ok := c.Registry.Get(id)
			if !ok {
				break
			}
			s, ok := entry.(*svc.Service)
			if !ok {
				break
			}
			before := s.State
			c.Machine.Step(id)
			if s.State == before {
				break
			}
		}
	}
}
