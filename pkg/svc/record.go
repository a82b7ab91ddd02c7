package svc

import (
	"time"

	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
)

// Attributes holds a service's configuration-derived, mostly-immutable
// properties, grounded on sunlightlinux-slinit's pkg/service/record.go
// ServiceRecord (a common-record-plus-extension shape) but trimmed of the
// dependency-DAG fields (DependsOn/WaitsFor/Before/After) that have no
// finit equivalent, and extended with RunlevelMask, Conditions, and
// SighupCapable which finit's model needs instead.
type Attributes struct {
	Argv []string
	Description string
	Name string // human-readable name, defaults to Argv[0]'s basename

	UID, GID uint32

	RLimits []process.RLimit

	// RunlevelMask is a bitmask over runlevels 0..9; bit 0 is the "S"
	// bootstrap level.
	RunlevelMask uint16

	PidFile string
	PidFileDaemon bool // true for config's `pid:!<path>`: daemon writes it, supervisor must not
	SighupCapable bool
	Manual bool
	Log process.LogSpec
	Conditions string // comma-separated condition names, aggregated from the directive
	Protected bool // built-in, not removable by reload
	StopTimeout time.Duration
	WorkingDir string
	Env []string
}

// EnabledInRunlevel reports whether the service should run at runlevel l.
func (a Attributes) EnabledInRunlevel(l int) bool {
	if l < 0 || l > 9 {
		return false
	}
	return a.RunlevelMask&(1<<uint(l)) != 0
}

// Service is a single supervised unit: the tagged-variant record
// recommends, common fields plus a Kind discriminant instead of five
// separate per-kind structs.
type Service struct {
	ID registry.Identity
	Kind Kind
	Attrs Attributes

	State State
	HaltReason HaltReason

	PID int
	StartTime time.Time
	ExitCh <-chan process.ChildExit

	// RestartCnt is the short-term back-off counter, reset whenever the
	// service leaves the halted-with-restarting condition
	// invariants).
	RestartCnt int
	// LifetimeRestarts counts every respawn ever, never reset; status-only.
	LifetimeRestarts int
	Crashed bool
	Missing bool

	// Once is cleared on runlevel change and set when a run/task completes
	// successfully in the current runlevel.
	Once bool

	// Dirty means the reload engine changed this record and the state
	// machine has not yet acted on the change.
	Dirty bool

	// TimerArmed/TimerKind describe the single outstanding timer invariant
	//; the event loop owns the actual timer object keyed by
	// ID, this just records what it's for.
	TimerArmed bool
	TimerKind TimerKind
}

// TimerKind distinguishes what an armed timer means for a service, since
// at most one timer is outstanding per service at any time; arming one
// kind cancels any other.
type TimerKind uint8

const (
	TimerNone TimerKind = iota
	TimerForcedKill
	TimerRestartBackoff
	TimerPidFileTimeout
)

// Identity implements registry.Entry.
func (s *Service) Identity() registry.Identity { return s.ID }

// NewService constructs a Service in its initial halted state, grounded on
// sunlightlinux-slinit's NewServiceRecord constructor.
func NewService(id registry.Identity, kind Kind, attrs Attributes) *Service {
	if attrs.StopTimeout == 0 {
		attrs.StopTimeout = DefaultStopTimeoutSeconds * time.Second
	}
	return &Service{
		ID: id,
		Kind: kind,
		Attrs: attrs,
		State: Halted,
		HaltReason: HaltInitial,
	}
}

// IsRunningKind reports whether this kind keeps a persistent process once
// started (service/inetd), as opposed to a one-shot (task/run/inetd-conn).
func (s *Service) IsRunningKind() bool {
	return s.Kind == KindService || s.Kind == KindInetd
}

// TerminalStateOnStop returns the state a stopping service of this kind
// lands in once its process has fully exited, per the
// `stopping → halted | done` transition.
func (s *Service) TerminalStateOnStop() State {
	switch s.Kind {
	case KindService, KindInetd:
		return Halted
	default:
		return Done
	}
}
