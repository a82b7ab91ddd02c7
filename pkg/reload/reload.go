// Package reload implements the Reload Engine: diffing a
// freshly parsed set of service definitions against the live registry and
// sequencing stop → hook → start across the affected services without
// losing in-flight state.
package reload

import (
	"context"
	"fmt"
	"syscall"

	"github.com/google/uuid"
	"github.com/sunlightlinux/finitd/pkg/hook"
	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
	"github.com/sunlightlinux/finitd/pkg/svc"
)

// Classification categorizes a service definition relative to the live
// registry.
type Classification uint8

const (
	New Classification = iota
	Removed
	Changed
	Unchanged
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Definition is a freshly parsed service definition, the shape pkg/config
// produces and pkg/reload consumes. It mirrors svc.Attributes plus the
// identity and kind so a Definition can be compared against a live
// *svc.Service without pkg/reload needing to know how to parse config text
// itself.
type Definition struct {
	ID registry.Identity
	Kind svc.Kind
	Attrs svc.Attributes
}

// ConflictError is returned when the incoming definition set has two
// entries with the same identity, per the "reload conflict."
type ConflictError struct {
	Identity registry.Identity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reload conflict: duplicate service %s in new configuration", e.Identity)
}

// Diff classifies every incoming definition and every registry entry that
// is absent from the incoming set. It returns a
// *ConflictError (and no diff) if definitions collide on identity, leaving
// the registry untouched.
func Diff(reg *registry.Registry, defs []Definition) (map[registry.Identity]Classification, error) {
	seen := make(map[registry.Identity]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			return nil, &ConflictError{Identity: d.ID}
		}
		seen[d.ID] = true
	}

	result := make(map[registry.Identity]Classification, len(defs))
	for _, d := range defs {
		entry, exists := reg.Get(d.ID)
		if !exists {
			result[d.ID] = New
			continue
		}
		existing, ok := entry.(*svc.Service)
		if !ok {
			result[d.ID] = New
			continue
		}
		if changed(existing, d) {
			result[d.ID] = Changed
		} else {
			result[d.ID] = Unchanged
		}
	}

	for _, id := range reg.Identities() {
		if !seen[id] {
			result[id] = Removed
		}
	}

	return result, nil
}

// changed reports whether a definition differs from the live service in
// any of: argv, env, runlevels, conditions,
// limits, pid-file, log spec, or user/group.
func changed(existing *svc.Service, d Definition) bool {
	if existing.Kind != d.Kind {
		return true
	}
	a, b := existing.Attrs, d.Attrs
	if !stringSliceEqual(a.Argv, b.Argv) || !stringSliceEqual(a.Env, b.Env) {
		return true
	}
	if a.RunlevelMask != b.RunlevelMask || a.Conditions != b.Conditions {
		return true
	}
	if a.UID != b.UID || a.GID != b.GID {
		return true
	}
	if a.PidFile != b.PidFile || a.PidFileDaemon != b.PidFileDaemon {
		return true
	}
	if a.Log != b.Log {
		return true
	}
	if !rlimitsEqual(a.RLimits, b.RLimits) {
		return true
	}
	if a.SighupCapable != b.SighupCapable {
		return true
	}
	return false
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rlimitsEqual(a, b []process.RLimit) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SighupSafe reports whether a changed service can be reconfigured via
// SIGHUP rather than a full stop/start: any
// non-SIGHUP-safe change" wording: only argv/env/limits/pidfile/user
// differences force a restart; runlevel and condition changes are always
// re-evaluated by the state machine on the next Step and don't themselves
// require killing a running process.
func SighupSafe(existing *svc.Service, d Definition) bool {
	if !existing.Attrs.SighupCapable || !d.Attrs.SighupCapable {
		return false
	}
	a, b := existing.Attrs, d.Attrs
	if !stringSliceEqual(a.Argv, b.Argv) || !stringSliceEqual(a.Env, b.Env) {
		return false
	}
	if a.UID != b.UID || a.GID != b.GID {
		return false
	}
	if a.PidFile != b.PidFile {
		return false
	}
	if !rlimitsEqual(a.RLimits, b.RLimits) {
		return false
	}
	return true
}

// Engine drives the teardown → svc-reconf hook → startup sequence of
// owning the in_teardown flag the service state machine
// consults to refuse premature halted→ready→running transitions.
type Engine struct {
	Registry *registry.Registry
	Machine *svc.Machine
	Hooks *hook.Registry
	Logger *logging.Logger

	teardown bool
	pendingClass map[registry.Identity]Classification
	// restarting holds the subset of pendingClass entries that were stopped
	// and must reach a terminal state before Finish may run; sighup-safe
	// changed services apply in place and never appear here.
	restarting map[registry.Identity]bool
	generation string
}

// NewEngine creates a reload engine bound to the given registry/machine.
func NewEngine(reg *registry.Registry, m *svc.Machine, hooks *hook.Registry, logger *logging.Logger) *Engine {
	return &Engine{Registry: reg, Machine: m, Hooks: hooks, Logger: logger}
}

// InTeardown reports whether a reload's teardown phase is in progress; wired
// directly into svc.Machine.InTeardown.
func (e *Engine) InTeardown() bool { return e.teardown }

// Begin starts a reload: classifies defs, marks removed/changed services
// dirty, and initiates stop on every service that must restart. It returns
// the classification map for the caller (the control socket handler,
// typically) to report back to the requester, and a generation id
// correlating the teardown/startup phases in logs (the google/uuid
// wiring).
func (e *Engine) Begin(defs []Definition) (map[registry.Identity]Classification, string, error) {
	classes, err := Diff(e.Registry, defs)
	if err != nil {
		return nil, "", err
	}

	e.generation = uuid.NewString()
	e.teardown = true
	e.pendingClass = classes
	e.restarting = make(map[registry.Identity]bool)

	byID := make(map[registry.Identity]Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	for id, class := range classes {
		entry, ok := e.Registry.Get(id)
		existing, _ := entry.(*svc.Service)
		switch class {
		case Removed:
			if existing != nil {
				existing.Dirty = true
				e.restarting[id] = true
				e.stopIfRunning(existing)
			}
		case Changed:
			if !ok || existing == nil {
				continue
			}
			if SighupSafe(existing, byID[id]) {
				// Applies in place: no teardown wait, the sighup goes out
				// immediately since Step's dirty-reconfigure path is blocked
				// for the duration of the reload's teardown phase.
				e.Machine.Signal(id, syscall.SIGHUP)
				continue
			}
			existing.Dirty = true
			e.restarting[id] = true
			e.stopIfRunning(existing)
		}
	}

	if e.Logger != nil {
		e.Logger.Notice("reload %s: begin teardown (%d new, %d changed, %d removed)",
			e.generation, countClass(classes, New), countClass(classes, Changed), countClass(classes, Removed))
	}

	return classes, e.generation, nil
}

// stepUntilSettled drives each identity through Step until its state stops
// changing (halted→ready→running is two transitions; Step applies one per
// call), so Finish hands back newly started services rather than leaving
// them for the next event-loop turn to discover.
func (e *Engine) stepUntilSettled(ids []registry.Identity) {
	for _, id := range ids {
		for i := 0; i < 4; i++ {
			entry, ok := e.Registry.Get(id)
			if !ok {
				break
			}
			s, ok := entry.(*svc.Service)
			if !ok {
				break
			}
			before := s.State
			e.Machine.Step(id)
			if s.State == before {
				break
			}
		}
	}
}

func (e *Engine) stopIfRunning(s *svc.Service) {
	if s.State == svc.Running || s.State == svc.Waiting {
		e.Machine.Stop(s.ID)
	}
}

func countClass(classes map[registry.Identity]Classification, want Classification) int {
	n := 0
	for _, c := range classes {
		if c == want {
			n++
		}
	}
	return n
}

// Quiesced reports whether every targeted (removed or restart-requiring
// changed) service has reached a terminal state, the condition Finish waits
// for: wait until all targeted services are
// collected."
func (e *Engine) Quiesced() bool {
	for id := range e.restarting {
		entry, ok := e.Registry.Get(id)
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

// Finish runs the svc-reconf hook, enters the startup phase (inserting new
// services and updating changed ones in place), and sweeps removed records
// from the registry. Call only once Quiesced
// reports true.
func (e *Engine) Finish(defs []Definition) error {
	if e.Hooks != nil {
		e.Hooks.Run(context.Background(), hook.SvcReconf)
	}

	byID := make(map[registry.Identity]Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	var toStep []registry.Identity
	for id, class := range e.pendingClass {
		switch class {
		case New:
			d := byID[id]
			s := svc.NewService(d.ID, d.Kind, d.Attrs)
			s.Dirty = true
			e.Registry.Add(s)
			toStep = append(toStep, id)
		case Changed:
			d := byID[id]
			entry, ok := e.Registry.Get(id)
			existing, _ := entry.(*svc.Service)
			if !ok || existing == nil {
				continue
			}
			existing.Attrs = d.Attrs
			existing.Kind = d.Kind
			// Dirty stays true; the state machine clears it once it has
			// acted (halted→ready re-evaluation, or a SIGHUP reconfigure).
			toStep = append(toStep, id)
		case Removed:
			e.Registry.Remove(id)
		}
	}

	e.teardown = false
	e.pendingClass = nil
	e.restarting = nil

	e.stepUntilSettled(toStep)

	if e.Logger != nil {
		e.Logger.Notice("reload %s: startup phase complete", e.generation)
	}
	return nil
}
