package process

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PIDResult represents the outcome of reading a PID file.
type PIDResult int

const (
	// PIDResultOK means the PID was read successfully and the process exists.
	PIDResultOK PIDResult = iota
	// PIDResultFailed means the PID file could not be read or parsed.
	PIDResultFailed
	// PIDResultTerminated means the PID was valid but the process no longer exists.
	PIDResultTerminated
)

// ReadPIDFile reads a process ID from the given file path, grounded on the
// teacher's pkg/process/pidfile.go. It validates that the PID is a positive
// integer and checks liveness via kill(pid, 0) through x/sys/unix rather
// than the plain syscall package, matching the rlimit/kill wiring
// elsewhere in this package.
func ReadPIDFile(path string) (int, PIDResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, PIDResultFailed, fmt.Errorf("reading PID file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return 0, PIDResultFailed, errors.New("PID file is empty")
	}

	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}

	pid, err := strconv.Atoi(strings.TrimSpace(content))
	if err != nil {
		return 0, PIDResultFailed, fmt.Errorf("invalid PID in file: %w", err)
	}

	if pid <= 0 {
		return 0, PIDResultFailed, fmt.Errorf("invalid PID value: %d", pid)
	}

	err = unix.Kill(pid, 0)
	if err == nil {
		return pid, PIDResultOK, nil
	}

	if errors.Is(err, unix.ESRCH) {
		return pid, PIDResultTerminated, nil
	}

	if errors.Is(err, unix.EPERM) {
		return pid, PIDResultOK, nil
	}

	return pid, PIDResultFailed, fmt.Errorf("checking process %d: %w", pid, err)
}

// ResolvePidFileOwner resolves the pid-file race described in the
// Open Questions for `pid:!<path>` (daemon-managed pid file): when a daemon
// double-forks, the pid written to the file may be a grandchild of the
// process finitd itself started. ResolvePidFileOwner accepts the recorded
// pid if it matches launchedPID, or if it is a descendant of launchedPID
// found by walking /proc/<pid>/stat parent links, so a double-forking
// daemon is still correctly tracked instead of being treated as a crash.
func ResolvePidFileOwner(filePID, launchedPID int) bool {
	if filePID == launchedPID {
		return true
	}
	seen := map[int]bool{}
	pid := filePID
	for i := 0; i < 32; i++ {
		if seen[pid] {
			return false
		}
		seen[pid] = true
		ppid, err := parentPID(pid)
		if err != nil {
			return false
		}
		if ppid == launchedPID {
			return true
		}
		if ppid <= 1 {
			return false
		}
		pid = ppid
	}
	return false
}

// parentPID reads the PPid field out of /proc/<pid>/stat. The command name
// field can itself contain spaces or parentheses, so the scan starts after
// the last ')' rather than tokenizing the whole line.
func parentPID(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 4096)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/%d/stat", pid)
	}
	line := scanner.Text()
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] is state, fields[1] is ppid (3rd field overall).
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed /proc/%d/stat fields", pid)
	}
	return strconv.Atoi(fields[1])
}
