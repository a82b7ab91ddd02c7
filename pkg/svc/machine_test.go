package svc

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sunlightlinux/finitd/pkg/condition"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
)

// fakeDriver is a ProcessDriver test double recording every Start/Signal
// call, grounded on sunlightlinux-slinit's killFunc/rebootFunc package-var seams in
// pkg/shutdown/shutdown_test.go, adapted to an interface implementation.
type fakeDriver struct {
	mu       sync.Mutex
	started  []process.ExecParams
	signals  []int
	nextPID  int
	startErr error
	exitChs  map[int]chan process.ChildExit
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nextPID: 100, exitChs: make(map[int]chan process.ChildExit)}
}

func (f *fakeDriver) Start(params process.ExecParams) (int, <-chan process.ChildExit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, nil, f.startErr
	}
	f.started = append(f.started, params)
	f.nextPID++
	pid := f.nextPID
	ch := make(chan process.ChildExit, 1)
	f.exitChs[pid] = ch
	return pid, ch, nil
}

func (f *fakeDriver) Signal(pid int, sig syscall.Signal, processOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, int(sig))
	return nil
}

func (f *fakeDriver) exit(pid int, status syscall.WaitStatus) {
	f.mu.Lock()
	ch := f.exitChs[pid]
	f.mu.Unlock()
	ch <- process.ChildExit{PID: pid, Status: status}
}

// fakeTimers is a TimerScheduler test double that never actually fires;
// tests drive FireTimer manually to keep behavior deterministic.
type fakeTimers struct {
	armed map[registry.Identity]time.Duration
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[registry.Identity]time.Duration)}
}

func (f *fakeTimers) Arm(id registry.Identity, d time.Duration) { f.armed[id] = d }
func (f *fakeTimers) Cancel(id registry.Identity)               { delete(f.armed, id) }

func newTestMachine() (*Machine, *fakeDriver, *fakeTimers, *registry.Registry) {
	reg := registry.New()
	driver := newFakeDriver()
	timers := newFakeTimers()
	m := &Machine{
		Registry:   reg,
		Conditions: condition.New(nil),
		Driver:     driver,
		Timers:     timers,
		Runlevel:   func() int { return 2 },
		InTeardown: func() bool { return false },
	}
	return m, driver, timers, reg
}

func addService(reg *registry.Registry, kind Kind, mask uint16) *Service {
	s := NewService(registry.Identity{Cmd: "testsvc"}, kind, Attributes{
		Argv:         []string{"/bin/true"},
		RunlevelMask: mask,
	})
	reg.Add(s)
	return s
}

func TestHaltedToReadyWhenEnabled(t *testing.T) {
	m, _, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)

	m.Step(s.ID)

	if s.State != Ready {
		t.Fatalf("State = %v, want Ready", s.State)
	}
}

func TestHaltedStaysHaltedWhenDisabled(t *testing.T) {
	m, _, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<3) // not enabled at runlevel 2

	m.Step(s.ID)

	if s.State != Halted {
		t.Fatalf("State = %v, want Halted", s.State)
	}
}

func TestReadyToRunningWhenConditionOn(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Ready

	m.Step(s.ID)

	if s.State != Running {
		t.Fatalf("State = %v, want Running", s.State)
	}
	if s.PID <= 1 {
		t.Errorf("PID = %d, want > 1", s.PID)
	}
	if len(driver.started) != 1 {
		t.Errorf("started %d processes, want 1", len(driver.started))
	}
}

func TestReadyDoesNotStartDuringTeardown(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	m.InTeardown = func() bool { return true }
	s := addService(reg, KindService, 1<<2)
	s.State = Ready

	m.Step(s.ID)

	if s.State != Ready {
		t.Fatalf("State = %v, want Ready (teardown must block start)", s.State)
	}
	if len(driver.started) != 0 {
		t.Errorf("started %d processes during teardown, want 0", len(driver.started))
	}
}

func TestReadyWaitsOnGatingCondition(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Ready
	s.Attrs.Conditions = "pid/other"

	m.Step(s.ID)

	if s.State != Ready {
		t.Fatalf("State = %v, want Ready (condition off)", s.State)
	}
	if len(driver.started) != 0 {
		t.Error("should not have started with condition off")
	}
}

func TestRunningStopsWhenDisabled(t *testing.T) {
	m, driver, timers, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200
	s.Attrs.RunlevelMask = 1 << 3 // no longer enabled at runlevel 2

	m.Step(s.ID)

	if s.State != Stopping {
		t.Fatalf("State = %v, want Stopping", s.State)
	}
	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGTERM) {
		t.Errorf("signals = %v, want [SIGTERM]", driver.signals)
	}
	if _, armed := timers.armed[s.ID]; !armed {
		t.Error("expected forced-kill timer to be armed")
	}
}

func TestRunningFreezesOnFlux(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200
	s.Attrs.Conditions = "net/eth0/up"
	m.Conditions.Set("net/eth0/up")
	m.Conditions.Reassert("net/eth0/up")

	m.Step(s.ID)

	if s.State != Waiting {
		t.Fatalf("State = %v, want Waiting", s.State)
	}
	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGSTOP) {
		t.Errorf("signals = %v, want [SIGSTOP]", driver.signals)
	}
}

func TestWaitingResumesOnOn(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Waiting
	s.PID = 200
	s.Attrs.Conditions = "net/eth0/up"
	m.Conditions.Set("net/eth0/up")

	m.Step(s.ID)

	if s.State != Running {
		t.Fatalf("State = %v, want Running", s.State)
	}
	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGCONT) {
		t.Errorf("signals = %v, want [SIGCONT]", driver.signals)
	}
}

func TestStopOnPidLEQ1IsNoopSuccess(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindTask, 1<<2)
	s.State = Running
	s.PID = 0

	m.stop(s)

	if s.State != Done {
		t.Fatalf("State = %v, want Done (task terminal)", s.State)
	}
	if len(driver.signals) != 0 {
		t.Error("expected no signal sent for pid <= 1")
	}
}

func TestForcedKillTimerFiresSIGKILL(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Stopping
	s.PID = 200
	s.TimerKind = TimerForcedKill

	m.FireTimer(s.ID)

	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGKILL) {
		t.Errorf("signals = %v, want [SIGKILL]", driver.signals)
	}
}

func TestHandleExitServiceCrashRespawns(t *testing.T) {
	m, _, timers, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200

	m.HandleExit(s.ID, process.ChildExit{PID: 200})

	if s.State != Halted {
		t.Fatalf("State = %v, want Halted", s.State)
	}
	if s.HaltReason != HaltRestarting {
		t.Errorf("HaltReason = %v, want HaltRestarting", s.HaltReason)
	}
	if s.RestartCnt != 1 {
		t.Errorf("RestartCnt = %d, want 1", s.RestartCnt)
	}
	if _, armed := timers.armed[s.ID]; !armed {
		t.Error("expected restart backoff timer to be armed")
	}
}

func TestCrashRespawnCeiling(t *testing.T) {
	m, _, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200

	for i := 0; i < MaxRestarts; i++ {
		s.State = Running
		s.PID = 200
		m.HandleExit(s.ID, process.ChildExit{PID: 200})
	}

	if s.RestartCnt != MaxRestarts {
		t.Errorf("RestartCnt = %d, want %d", s.RestartCnt, MaxRestarts)
	}
	if !s.Crashed {
		t.Error("expected Crashed=true at the ceiling")
	}
	if s.State != Halted {
		t.Fatalf("State = %v, want Halted", s.State)
	}

	// A Step triggered by something unrelated (a condition flip elsewhere,
	// a runlevel-wide dirty sweep) must not resurrect a crashed service.
	m.Step(s.ID)

	if s.State != Halted {
		t.Errorf("State = %v, want Halted (crashed service must not auto-restart)", s.State)
	}
	if s.HaltReason != HaltCrashed {
		t.Errorf("HaltReason = %v, want HaltCrashed", s.HaltReason)
	}
}

func TestCrashRespawnUsesFastThenSlowBackoff(t *testing.T) {
	m, _, timers, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)

	for i := 1; i <= FastRetryCount; i++ {
		s.State = Running
		s.PID = 200
		m.HandleExit(s.ID, process.ChildExit{PID: 200})
		if got := timers.armed[s.ID]; got != FastRetryDelaySeconds*time.Second {
			t.Fatalf("retry %d: delay = %v, want fast (%ds)", i, got, FastRetryDelaySeconds)
		}
	}

	s.State = Running
	s.PID = 200
	m.HandleExit(s.ID, process.ChildExit{PID: 200})
	if got := timers.armed[s.ID]; got != SlowRetryDelaySeconds*time.Second {
		t.Fatalf("delay after fast budget = %v, want slow (%ds)", got, SlowRetryDelaySeconds)
	}
}

func TestHandleExitTaskCompletesToDone(t *testing.T) {
	m, _, _, reg := newTestMachine()
	s := addService(reg, KindTask, 1<<2)
	s.State = Stopping
	s.PID = 200

	m.HandleExit(s.ID, process.ChildExit{PID: 200})

	if s.State != Done {
		t.Fatalf("State = %v, want Done", s.State)
	}
	if !s.Once {
		t.Error("expected Once=true after a task's clean exit")
	}
}

func TestHandleExitInetdConnUnregisters(t *testing.T) {
	m, _, _, reg := newTestMachine()
	id := registry.Identity{Cmd: "sshd", ID: "1"}
	s := NewService(id, KindInetdConn, Attributes{})
	s.State = Stopping
	s.PID = 200
	reg.Add(s)

	m.HandleExit(id, process.ChildExit{PID: 200})

	if _, ok := reg.Get(id); ok {
		t.Error("expected inetd-conn to be removed from registry after Done")
	}
}

func TestReconfigureSendsSignalWhenSighupCapable(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200
	s.Dirty = true
	s.Attrs.SighupCapable = true

	m.Step(s.ID)

	if s.State != Running {
		t.Fatalf("State = %v, want Running (SIGHUP does not transition state)", s.State)
	}
	if s.Dirty {
		t.Error("expected Dirty cleared after SIGHUP reconfigure")
	}
	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGHUP) {
		t.Errorf("signals = %v, want [SIGHUP]", driver.signals)
	}
}

func TestReconfigureStopsWhenNotSighupCapable(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.State = Running
	s.PID = 200
	s.Dirty = true
	s.Attrs.SighupCapable = false

	m.Step(s.ID)

	if s.State != Stopping {
		t.Fatalf("State = %v, want Stopping", s.State)
	}
	if len(driver.signals) != 1 || driver.signals[0] != int(syscall.SIGTERM) {
		t.Errorf("signals = %v, want [SIGTERM]", driver.signals)
	}
}

func TestStartFailureMissingBinaryDoesNotCountAsRestart(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	driver.startErr = &process.ExecError{Stage: process.StageCheckBinary, Err: errors.New("not found")}
	s := addService(reg, KindService, 1<<2)
	s.State = Ready

	m.Step(s.ID)

	if s.State != Halted {
		t.Fatalf("State = %v, want Halted", s.State)
	}
	if !s.Missing {
		t.Error("expected Missing=true")
	}
	if s.RestartCnt != 0 {
		t.Errorf("RestartCnt = %d, want 0 (missing binary doesn't count)", s.RestartCnt)
	}
}

func TestStartFailureTransientCountsAsRestart(t *testing.T) {
	m, driver, _, reg := newTestMachine()
	driver.startErr = &process.ExecError{Stage: process.StageDoExec, Err: errors.New("EAGAIN")}
	s := addService(reg, KindService, 1<<2)
	s.State = Ready

	m.Step(s.ID)

	if s.RestartCnt != 1 {
		t.Errorf("RestartCnt = %d, want 1", s.RestartCnt)
	}
}

func TestResetRestartBudget(t *testing.T) {
	m, _, _, reg := newTestMachine()
	s := addService(reg, KindService, 1<<2)
	s.RestartCnt = 5
	s.Crashed = true

	m.ResetRestartBudget(s.ID)

	if s.RestartCnt != 0 || s.Crashed {
		t.Errorf("RestartCnt=%d Crashed=%v, want 0/false", s.RestartCnt, s.Crashed)
	}
}

func TestEnabledInRunlevelBootstrapBit(t *testing.T) {
	a := Attributes{RunlevelMask: 1 << RunlevelBootstrap}
	if !a.EnabledInRunlevel(0) {
		t.Error("expected bit 0 (bootstrap S) to be enabled at runlevel 0")
	}
	if a.EnabledInRunlevel(2) {
		t.Error("expected runlevel 2 not enabled when only bootstrap bit set")
	}
}

func TestKindStringAndStateString(t *testing.T) {
	if KindInetdConn.String() != "inetd-conn" {
		t.Errorf("Kind.String() = %q", KindInetdConn.String())
	}
	if Waiting.String() != "waiting" {
		t.Errorf("State.String() = %q", Waiting.String())
	}
}
