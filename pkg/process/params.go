// Package process implements process execution and monitoring for finitd:
// starting a service's command, applying resource limits and credentials,
// watching its pid file, and reporting exit status back to the state
// machine in pkg/svc.
package process

import (
	"fmt"
	"syscall"
)

// ExecStage identifies the stage at which process setup failed, grounded on
// sunlightlinux-slinit's pkg/process/params.go ExecStage enum, trimmed to the stages
// finitd's simpler (no cgroups, no capabilities) supervisor actually
// exercises and extended with StageCheckBinary for the missing-executable
// case.
type ExecStage uint8

const (
	StageCheckBinary ExecStage = iota
	StageArrangeFDs
	StageChdir
	StageSetupStdio
	StageSetRLimits
	StageSetUIDGID
	StageOpenLogFile
	StageDoExec
)

func (s ExecStage) String() string {
	descriptions := []string{
		"checking binary",
		"arranging file descriptors",
		"changing directory",
		"setting up standard input/output",
		"setting resource limits",
		"setting user/group ID",
		"opening log file",
		"executing command",
	}
	if int(s) < len(descriptions) {
		return descriptions[s]
	}
	return fmt.Sprintf("ExecStage(%d)", s)
}

// ExecError represents a failure during child process setup or exec. It
// implements Unwrap so callers can errors.As instead of matching strings.
type ExecError struct {
	Stage ExecStage
	Err error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("failed while %s: %v", e.Stage, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// RLimit is a single resource limit setting corresponding to finit's
// `rlimit` directive, e.g. rlimit:nofile:1024:4096. Resource is one of the
// RLIMIT_* constants from golang.org/x/sys/unix; Cur/Max mirror
// unix.Rlimit's fields (unix.RLIM_INFINITY means unlimited).
type RLimit struct {
	Resource int
	Cur, Max uint64
}

// LogKind selects how a service's stdout/stderr are handled, supplementing
// the `log:` modifier: original_source/src/service.c supports null, file,
// and syslog redirection, which this type names explicitly.
type LogKind uint8

const (
	LogNone LogKind = iota
	LogNull
	LogConsole
	LogFile
	LogSyslog
)

// LogSpec describes where a service's output goes.
type LogSpec struct {
	Kind LogKind
	Path string // for LogFile
	Tag string // for LogSyslog; empty leaves log/syslog's default (the program name)
}

// ExecParams holds the parameters for starting a child process, grounded on
// sunlightlinux-slinit's ExecParams, extended with RLimits (x/sys/unix rlimits) and
// Log (supplemented logging destinations).
type ExecParams struct {
	// Command is the program and arguments to execute.
	Command []string

	// WorkingDir is the working directory for the process.
	WorkingDir string

	// Env holds additional environment variables (key=value).
	Env []string

	// RunAsUID/RunAsGID specify credentials to run as (0 means no change).
	RunAsUID uint32
	RunAsGID uint32

	// TermSignal is the signal used to request graceful stop (default SIGTERM).
	TermSignal syscall.Signal

	// OnConsole indicates the process should run on the console.
	OnConsole bool

	// SignalProcessOnly: if true, signal only the process, not the group.
	SignalProcessOnly bool

	// RLimits are resource limits applied to the child before exec.
	RLimits []RLimit

	// Log describes stdout/stderr handling when OnConsole is false.
	Log LogSpec
}

// ChildExit represents the result of a child process termination.
type ChildExit struct {
	// PID of the terminated process.
	PID int

	// Status is the wait status from the OS.
	Status syscall.WaitStatus

	// ExecErr is set if the process failed during setup (before exec).
	// If nil, the process was exec'd successfully and later terminated.
	ExecErr *ExecError
}

// Exited returns true if the child exited normally.
func (c ChildExit) Exited() bool {
	return c.ExecErr == nil && c.Status.Exited()
}

// ExitedClean returns true if the child exited with code 0.
func (c ChildExit) ExitedClean() bool {
	return c.Exited() && c.Status.ExitStatus() == 0
}

// Signaled returns true if the child was killed by a signal.
func (c ChildExit) Signaled() bool {
	return c.ExecErr == nil && c.Status.Signaled()
}
