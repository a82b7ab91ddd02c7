package process

import (
	"fmt"
	"log/syslog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// StartProcess starts a child process with the given parameters.
// It returns the PID and a channel that will receive exactly one ChildExit
// when the process terminates. The caller must read from the channel.
//
// If the command cannot be started at all (e.g., binary not found), an
// *ExecError naming the failing stage is returned and no channel/PID is
// produced, so callers can distinguish failure kinds.
func StartProcess(params ExecParams) (int, <-chan ChildExit, error) {
	if len(params.Command) == 0 {
		return 0, nil, &ExecError{Stage: StageCheckBinary, Err: os.ErrInvalid}
	}

	binPath, err := exec.LookPath(params.Command[0])
	if err != nil {
		return 0, nil, &ExecError{Stage: StageCheckBinary, Err: err}
	}

	cmd := exec.Command(binPath, params.Command[1:]...)

	if params.WorkingDir != "" {
		cmd.Dir = params.WorkingDir
	}

	if len(params.Env) > 0 {
		cmd.Env = append(os.Environ(), params.Env...)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if params.RunAsUID != 0 || params.RunAsGID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: params.RunAsUID,
			Gid: params.RunAsGID,
		}
	}

	stdout, stderr, logErr := openLogDestinations(params.Log, params.OnConsole)
	if logErr != nil {
		return 0, nil, logErr
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if len(params.RLimits) > 0 {
		restore, err := withTemporaryRLimits(params.RLimits)
		if err != nil {
			return 0, nil, &ExecError{Stage: StageSetRLimits, Err: err}
		}
		// os/exec has no child-side rlimit hook (no fork() we control), so
		// the limits are applied to the calling goroutine's process-wide
		// rlimits just around Start and restored immediately after: the
		// child inherits them at fork time, the parent gets its own back.
		defer restore()
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, &ExecError{Stage: StageDoExec, Err: err}
	}

	pid := cmd.Process.Pid
	exitCh := make(chan ChildExit, 1)

	go func() {
		defer close(exitCh)
		waitErr := cmd.Wait()

		var status syscall.WaitStatus
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				status = exitErr.Sys().(syscall.WaitStatus)
			}
		}

		exitCh <- ChildExit{
			PID: pid,
			Status: status,
		}
	}()

	return pid, exitCh, nil
}

// openLogDestinations resolves an os.File pair for a child's stdout/stderr
// according to LogSpec, grounded on sunlightlinux-slinit's pkg/service/logbuffer.go
// pipe-capture approach but simplified to four destinations: null, a
// regular file (append), the console, and syslog. Syslog forwarding reads
// from a pipe in a background goroutine since os/exec needs an *os.File,
// not an io.Writer, for a child's fd.
func openLogDestinations(spec LogSpec, onConsole bool) (stdout, stderr *os.File, err error) {
	if onConsole || spec.Kind == LogConsole {
		return os.Stdout, os.Stderr, nil
	}
	switch spec.Kind {
	case LogFile:
		f, ferr := os.OpenFile(spec.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if ferr != nil {
			return nil, nil, &ExecError{Stage: StageOpenLogFile, Err: ferr}
		}
		return f, f, nil
	case LogSyslog:
		return newSyslogPipe(spec.Tag)
	case LogNull, LogNone:
		fallthrough
	default:
		devNull, nerr := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if nerr != nil {
			return nil, nil, &ExecError{Stage: StageOpenLogFile, Err: nerr}
		}
		return devNull, devNull, nil
	}
}

// newSyslogPipe returns the write end of a pipe whose read end is copied
// into log/syslog. log/syslog is stdlib, but there is no ecosystem
// alternative in the retrieval pack for RFC 3164 syslog forwarding, so this
// one destination is the documented stdlib exception.
func newSyslogPipe(tag string) (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, &ExecError{Stage: StageOpenLogFile, Err: err}
	}
	writer, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, &ExecError{Stage: StageOpenLogFile, Err: err}
	}
	go func() {
		defer r.Close()
		defer writer.Close()
		buf := make([]byte, 4096)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				writer.Write(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()
	return w, w, nil
}

// withTemporaryRLimits applies limits via unix.Setrlimit and returns a
// function that restores the previous values, grounded on the
// x/sys/unix wiring. Rlimits are process-wide in Linux, not per-thread, so
// this is inherently racy against other goroutines forking at the same
// instant; finitd's single-threaded event loop is the only caller of
// StartProcess, so in practice no such race occurs.
func withTemporaryRLimits(limits []RLimit) (restore func(), err error) {
	prev := make([]unix.Rlimit, len(limits))
	for i, l := range limits {
		if err := unix.Getrlimit(l.Resource, &prev[i]); err != nil {
			return nil, fmt.Errorf("getrlimit(%d): %w", l.Resource, err)
		}
	}
	for i, l := range limits {
		rl := &unix.Rlimit{Cur: l.Cur, Max: l.Max}
		if err := unix.Setrlimit(l.Resource, rl); err != nil {
			for j := 0; j < i; j++ {
				unix.Setrlimit(limits[j].Resource, &prev[j])
			}
			return nil, fmt.Errorf("setrlimit(%d): %w", l.Resource, err)
		}
	}
	return func() {
		for i, l := range limits {
			unix.Setrlimit(l.Resource, &prev[i])
		}
	}, nil
}

// SignalProcess sends a signal to a process. If processOnly is false, it
// signals the process group (negative PID) instead, matching finit's
// default of sweeping a service's whole process group on stop.
func SignalProcess(pid int, sig syscall.Signal, processOnly bool) error {
	if pid <= 0 {
		return nil
	}
	if processOnly {
		return unix.Kill(pid, unix.Signal(sig))
	}
	return unix.Kill(-pid, unix.Signal(sig))
}
