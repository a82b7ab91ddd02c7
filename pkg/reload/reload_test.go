package reload

import (
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sunlightlinux/finitd/pkg/condition"
	"github.com/sunlightlinux/finitd/pkg/hook"
	"github.com/sunlightlinux/finitd/pkg/process"
	"github.com/sunlightlinux/finitd/pkg/registry"
	"github.com/sunlightlinux/finitd/pkg/svc"
)

// fakeDriver and fakeTimers mirror pkg/svc's own test doubles (unexported
// there, so reload needs its own) implementing svc.ProcessDriver and
// svc.TimerScheduler for deterministic, unprivileged tests.
type fakeDriver struct {
	mu      sync.Mutex
	started int
	signals []syscall.Signal
	nextPID int
}

func newFakeDriver() *fakeDriver { return &fakeDriver{nextPID: 100} }

func (f *fakeDriver) Start(params process.ExecParams) (int, <-chan process.ChildExit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.nextPID++
	return f.nextPID, make(chan process.ChildExit, 1), nil
}

func (f *fakeDriver) Signal(pid int, sig syscall.Signal, processOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

type fakeTimers struct{ armed map[registry.Identity]time.Duration }

func newFakeTimers() *fakeTimers { return &fakeTimers{armed: make(map[registry.Identity]time.Duration)} }

func (f *fakeTimers) Arm(id registry.Identity, d time.Duration) { f.armed[id] = d }
func (f *fakeTimers) Cancel(id registry.Identity)               { delete(f.armed, id) }

func newTestEngine() (*Engine, *registry.Registry, *fakeDriver) {
	reg := registry.New()
	driver := newFakeDriver()
	m := &svc.Machine{
		Registry:   reg,
		Conditions: condition.New(nil),
		Driver:     driver,
		Timers:     newFakeTimers(),
		Hooks:      hook.New(),
		Runlevel:   func() int { return 2 },
		InTeardown: func() bool { return false },
	}
	e := NewEngine(reg, m, hook.New(), nil)
	return e, reg, driver
}

func runningAttrs() svc.Attributes {
	return svc.Attributes{
		Argv:         []string{"/bin/example"},
		RunlevelMask: 1 << 2,
	}
}

func TestDiffClassifiesNewChangedUnchangedRemoved(t *testing.T) {
	reg := registry.New()
	kept := svc.NewService(registry.Identity{Cmd: "a"}, svc.KindService, runningAttrs())
	stale := svc.NewService(registry.Identity{Cmd: "gone"}, svc.KindService, runningAttrs())
	reg.Add(kept)
	reg.Add(stale)

	changedAttrs := runningAttrs()
	changedAttrs.Argv = []string{"/bin/example", "--flag"}

	defs := []Definition{
		{ID: registry.Identity{Cmd: "a"}, Kind: svc.KindService, Attrs: runningAttrs()},
		{ID: registry.Identity{Cmd: "b"}, Kind: svc.KindService, Attrs: changedAttrs},
	}
	classes, err := Diff(reg, defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classes[registry.Identity{Cmd: "a"}] != Unchanged {
		t.Errorf("a: got %v, want Unchanged", classes[registry.Identity{Cmd: "a"}])
	}
	if classes[registry.Identity{Cmd: "b"}] != New {
		t.Errorf("b: got %v, want New", classes[registry.Identity{Cmd: "b"}])
	}
	if classes[registry.Identity{Cmd: "gone"}] != Removed {
		t.Errorf("gone: got %v, want Removed", classes[registry.Identity{Cmd: "gone"}])
	}
}

func TestDiffDetectsChangedArgv(t *testing.T) {
	reg := registry.New()
	existing := svc.NewService(registry.Identity{Cmd: "a"}, svc.KindService, runningAttrs())
	reg.Add(existing)

	newAttrs := runningAttrs()
	newAttrs.Argv = []string{"/bin/example", "--verbose"}
	defs := []Definition{{ID: registry.Identity{Cmd: "a"}, Kind: svc.KindService, Attrs: newAttrs}}

	classes, err := Diff(reg, defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classes[registry.Identity{Cmd: "a"}] != Changed {
		t.Errorf("got %v, want Changed", classes[registry.Identity{Cmd: "a"}])
	}
}

func TestDiffRejectsDuplicateIdentity(t *testing.T) {
	reg := registry.New()
	defs := []Definition{
		{ID: registry.Identity{Cmd: "a"}, Kind: svc.KindService, Attrs: runningAttrs()},
		{ID: registry.Identity{Cmd: "a"}, Kind: svc.KindService, Attrs: runningAttrs()},
	}
	_, err := Diff(reg, defs)
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
}

func TestSighupSafeRequiresBothCapable(t *testing.T) {
	a := runningAttrs()
	a.SighupCapable = true
	b := a
	existing := svc.NewService(registry.Identity{Cmd: "a"}, svc.KindService, a)
	d := Definition{ID: existing.ID, Kind: svc.KindService, Attrs: b}
	if !SighupSafe(existing, d) {
		t.Error("expected sighup-safe for identical sighup-capable attrs")
	}
}

func TestSighupSafeFalseOnArgvChange(t *testing.T) {
	a := runningAttrs()
	a.SighupCapable = true
	existing := svc.NewService(registry.Identity{Cmd: "a"}, svc.KindService, a)
	b := a
	b.Argv = []string{"/bin/example", "--new"}
	d := Definition{ID: existing.ID, Kind: svc.KindService, Attrs: b}
	if SighupSafe(existing, d) {
		t.Error("expected not sighup-safe when argv changes")
	}
}

func TestBeginStopsRemovedRunningService(t *testing.T) {
	e, reg, driver := newTestEngine()
	s := svc.NewService(registry.Identity{Cmd: "gone"}, svc.KindService, runningAttrs())
	s.State = svc.Running
	s.PID = 500
	reg.Add(s)

	classes, _, err := e.Begin(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classes[s.ID] != Removed {
		t.Fatalf("got %v, want Removed", classes[s.ID])
	}
	if !e.InTeardown() {
		t.Error("expected InTeardown to be true after Begin")
	}
	found := false
	for _, sig := range driver.signals {
		if sig == syscall.SIGTERM {
			found = true
		}
	}
	if !found {
		t.Error("expected SIGTERM to be sent to the removed running service")
	}
	if s.State != svc.Stopping {
		t.Errorf("state = %v, want Stopping", s.State)
	}
}

func TestQuiescedFalseUntilTargetHalted(t *testing.T) {
	e, reg, _ := newTestEngine()
	s := svc.NewService(registry.Identity{Cmd: "gone"}, svc.KindService, runningAttrs())
	s.State = svc.Running
	s.PID = 500
	reg.Add(s)

	e.Begin(nil)
	if e.Quiesced() {
		t.Error("expected Quiesced to be false while the removed service is still stopping")
	}
	s.State = svc.Halted
	s.PID = 0
	if !e.Quiesced() {
		t.Error("expected Quiesced to be true once the removed service reaches halted")
	}
}

func TestFinishInsertsNewService(t *testing.T) {
	e, reg, _ := newTestEngine()
	defs := []Definition{{ID: registry.Identity{Cmd: "fresh"}, Kind: svc.KindService, Attrs: runningAttrs()}}

	classes, _, err := e.Begin(defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if classes[defs[0].ID] != New {
		t.Fatalf("got %v, want New", classes[defs[0].ID])
	}
	if err := e.Finish(defs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.InTeardown() {
		t.Error("expected InTeardown to be false after Finish")
	}
	entry, ok := reg.Get(defs[0].ID)
	if !ok {
		t.Fatal("expected the new service to be registered")
	}
	if entry.(*svc.Service).State != svc.Running {
		t.Errorf("state = %v, want Running", entry.(*svc.Service).State)
	}
}

func TestFinishRemovesRemovedService(t *testing.T) {
	e, reg, _ := newTestEngine()
	s := svc.NewService(registry.Identity{Cmd: "gone"}, svc.KindService, runningAttrs())
	reg.Add(s)

	e.Begin(nil)
	if err := e.Finish(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := reg.Get(s.ID); ok {
		t.Error("expected the removed service to be gone from the registry")
	}
}

func TestBeginSighupSafeChangeDoesNotStop(t *testing.T) {
	e, reg, driver := newTestEngine()
	a := runningAttrs()
	a.SighupCapable = true
	s := svc.NewService(registry.Identity{Cmd: "a"}, svc.KindService, a)
	s.State = svc.Running
	s.PID = 500
	reg.Add(s)

	b := a
	b.RunlevelMask = 1<<2 | 1<<3
	defs := []Definition{{ID: s.ID, Kind: svc.KindService, Attrs: b}}
	_, _, err := e.Begin(defs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State != svc.Running {
		t.Errorf("state = %v, want Running (sighup-safe changes stay up)", s.State)
	}
	found := false
	for _, sig := range driver.signals {
		if sig == syscall.SIGHUP {
			found = true
		}
	}
	if !found {
		t.Error("expected a SIGHUP for the sighup-safe change")
	}
	if !e.Quiesced() {
		t.Error("expected Quiesced to be true immediately: sighup-safe changes don't block teardown")
	}
}

func TestClassificationString(t *testing.T) {
	cases := map[Classification]string{New: "new", Removed: "removed", Changed: "changed", Unchanged: "unchanged"}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", c, got, want)
		}
	}
}
