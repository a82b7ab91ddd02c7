package eventloop

import (
	"sync"
	"time"

	"github.com/sunlightlinux/finitd/pkg/registry"
)

// Timers implements svc.TimerScheduler on top of time.AfterFunc, replacing
// sunlightlinux-slinit's single-timer ServiceTimer wrapper, still limiting
// each service to one outstanding timer, but rather than a *time.Timer this
// package's caller (Machine) would have to dynamically select over, every
// fire is funneled through one shared channel the reactor's main select
// already listens on.
//
// A timer armed, then cancelled or re-armed, before it fires leaves its
// original goroutine running; an epoch counter per identity lets Fired
// distinguish a stale callback (the epoch moved on) from the current one.
type Timers struct {
	mu sync.Mutex
	epoch map[registry.Identity]uint64
	fired chan registry.Identity
}

// NewTimers creates an empty timer scheduler.
func NewTimers() *Timers {
	return &Timers{
		epoch: make(map[registry.Identity]uint64),
		fired: make(chan registry.Identity, 32),
	}
}

// Fired delivers an identity each time its armed timer actually expires.
// Stale fires (from a timer that was cancelled or re-armed before going
// off) are filtered out before ever reaching this channel.
func (t *Timers) Fired() <-chan registry.Identity { return t.fired }

// Arm starts (or restarts) id's timer. Re-arming bumps the epoch so any
// in-flight callback from a previous Arm/Cancel is recognized as stale when
// it eventually runs.
func (t *Timers) Arm(id registry.Identity, d time.Duration) {
	t.mu.Lock()
	t.epoch[id]++
	mine := t.epoch[id]
	t.mu.Unlock()

	time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.epoch[id]
		t.mu.Unlock()
		if current != mine {
			return
		}
		t.fired <- id
	})
}

// Cancel disarms id's timer. Synchronous from the caller's perspective in
// the sense that any callback already queued will see a moved epoch and
// discard itself; it may still be running concurrently for a moment, which
// is why Arm/Cancel bump the epoch rather than trying to stop the
// underlying *time.Timer (time.AfterFunc's Stop does not guarantee the
// callback hasn't already started).
func (t *Timers) Cancel(id registry.Identity) {
	t.mu.Lock()
	t.epoch[id]++
	t.mu.Unlock()
}
