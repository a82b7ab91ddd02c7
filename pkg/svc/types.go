// Package svc implements the service state machine: the
// per-service state {halted, ready, running, waiting, stopping, done},
// gated by the condition aggregate, runlevel enablement, and the dirty
// flag, plus the crash-respawn back-off and SIGHUP-vs-restart policy.
//
// Service kinds are a tagged variant
// (sum type) — one Kind enum switched over exhaustively — rather than a
// per-kind-interface-embedding scheme, since finit has no dependency-DAG
// concept for those kinds to specialize around; the five kinds differ only
// in a handful of transition guards, which a single Service record with a
// Kind field expresses more directly than five wrapper types would.
package svc

import "fmt"

// Kind distinguishes the five service shapes finit supports.
type Kind uint8

const (
	KindService Kind = iota
	KindTask
	KindRun
	KindInetd
	KindInetdConn
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindTask:
		return "task"
	case KindRun:
		return "run"
	case KindInetd:
		return "inetd"
	case KindInetdConn:
		return "inetd-conn"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// State is one of the six service states in the transition table.
type State uint8

const (
	Halted State = iota
	Ready
	Running
	Waiting
	Stopping
	Done
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Stopping:
		return "stopping"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// HaltReason records why a halted service is halted, for status reporting;
// it is informational only and never gates a transition by itself (the
// guards here gate on state+flags, not on HaltReason).
type HaltReason uint8

const (
	HaltInitial HaltReason = iota
	HaltDisabled
	HaltRestarting
	HaltCrashed
	HaltMissingBinary
	HaltReconfigured
)

func (r HaltReason) String() string {
	switch r {
	case HaltDisabled:
		return "disabled"
	case HaltRestarting:
		return "restarting"
	case HaltCrashed:
		return "crashed"
	case HaltMissingBinary:
		return "missing-binary"
	case HaltReconfigured:
		return "reconfigured"
	default:
		return "initial"
	}
}

// Bootstrap runlevel bit, mapped from the config grammar's "S".
const RunlevelBootstrap = 0

// MaxRestarts is the hard ceiling on restart_cnt before a service is marked
// crashed.
const MaxRestarts = 10

// FastRetryCount is how many respawns use the short back-off before falling
// back to the long one ("first five retries at 2s,
// subsequent at 5s").
const FastRetryCount = 5

// FastRetryDelaySeconds and SlowRetryDelaySeconds are the two back-off
// tiers.
const (
	FastRetryDelaySeconds = 2
	SlowRetryDelaySeconds = 5
)

// DefaultStopTimeoutSeconds is the default forced-kill timeout after a stop
// request.
const DefaultStopTimeoutSeconds = 5
