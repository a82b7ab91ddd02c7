package shutdown

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/finitd/pkg/logging"
	"github.com/sunlightlinux/finitd/pkg/runlevel"
)

const (
	// ProcessKillGracePeriod is the time to wait between SIGTERM and SIGKILL
	// when killing all remaining processes during shutdown.
	ProcessKillGracePeriod = 1 * time.Second

	// EmergencyShutdownTimeout is the maximum time to wait for services to
	// stop before forcing a shutdown, guarding against a runlevel transition
	// that never quiesces.
	EmergencyShutdownTimeout = 90 * time.Second
)

// Mockable syscall functions for testing.
var (
	killFunc = unix.Kill
	syncFunc = unix.Sync
	rebootFunc = unix.Reboot
)

// Executor implements runlevel.Executor: the final, irreversible half of a
// runlevel 0/6 transition, run only once every service has been stopped
// and the shutdown hook chain has returned.
type Executor struct {
	Logger *logging.Logger
}

// NewExecutor returns a production Executor. It should only be installed on
// a runlevel.Controller running as PID 1.
func NewExecutor(logger *logging.Logger) *Executor {
	return &Executor{Logger: logger}
}

// Execute kills remaining processes, syncs filesystems, and issues the
// appropriate reboot syscall. It does not return under normal
// circumstances.
func (e *Executor) Execute(t runlevel.ShutdownType) {
	e.Logger.Notice("executing shutdown: %s", t)

	KillAllProcesses(e.Logger)

	e.Logger.Info("syncing filesystems...")
	syncFunc()

	err := rebootSystem(t)
	if err == nil {
		return
	}
	e.Logger.Error("reboot syscall failed: %v", err)

	// If we get here, the reboot syscall failed. PID 1 must never exit, so
	// hold indefinitely rather than let the kernel panic on an exited init.
	e.Logger.Error("shutdown failed, holding indefinitely")
	InfiniteHold()
}

// KillAllProcesses sends SIGTERM to all processes, waits for a grace
// period, then sends SIGKILL. kill(-1, sig) signals every process except
// the caller (pid 1): deliver SIGTERM/SIGKILL
// fleet-wide."
func KillAllProcesses(logger *logging.Logger) {
	logger.Info("sending SIGTERM to all processes...")
	if err := killFunc(-1, unix.SIGTERM); err != nil {
		if err != unix.ESRCH {
			logger.Debug("kill(-1, SIGTERM): %v", err)
		}
	}

	time.Sleep(ProcessKillGracePeriod)

	logger.Info("sending SIGKILL to remaining processes...")
	if err := killFunc(-1, unix.SIGKILL); err != nil {
		if err != unix.ESRCH {
			logger.Debug("kill(-1, SIGKILL): %v", err)
		}
	}
}

// rebootSystem maps a ShutdownType to the appropriate Linux reboot command
// and issues the syscall.
func rebootSystem(t runlevel.ShutdownType) error {
	var cmd int
	switch t {
	case runlevel.ShutdownHalt:
		cmd = unix.LINUX_REBOOT_CMD_HALT
	case runlevel.ShutdownPoweroff:
		cmd = unix.LINUX_REBOOT_CMD_POWER_OFF
	case runlevel.ShutdownReboot:
		cmd = unix.LINUX_REBOOT_CMD_RESTART
	default:
		cmd = unix.LINUX_REBOOT_CMD_HALT
	}
	return rebootFunc(cmd)
}

// InfiniteHold blocks the calling goroutine forever. PID 1 must never
// exit; this is the last resort when the reboot syscall fails.
func InfiniteHold() {
	select {}
}
