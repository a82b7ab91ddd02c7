// Package registry implements the Service Registry: the
// authoritative collection of every Service known to the supervisor,
// indexed by its (cmd, id) identity, plus the dirty-sweep bookkeeping the
// event loop uses to decide which services need a transition check on a
// given turn.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Identity is the (cmd, id) pair that uniquely names a service, matching
// the definition: id defaults to "" but two services with the same
// cmd must have distinct, explicit ids (the config grammar's `:ID`
// modifier).
type Identity struct {
	Cmd string
	ID string
}

func (i Identity) String() string {
	if i.ID == "" {
		return i.Cmd
	}
	return fmt.Sprintf("%s:%s", i.Cmd, i.ID)
}

// Entry is anything the registry can track. pkg/svc.Service implements it;
// the interface is kept narrow so pkg/registry has no import-time
// dependency on pkg/svc.
type Entry interface {
	Identity() Identity
}

// Registry holds every known service, keyed by Identity. There is no
// AddService ordering constraint here because nothing depends on load
// order; enablement is governed by conditions and runlevels, not by a
// dependency graph.
type Registry struct {
	mu sync.Mutex
	entries map[Identity]Entry
	order []Identity // insertion order, for deterministic iteration/listing
	dirty map[Identity]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[Identity]Entry),
		dirty: make(map[Identity]bool),
	}
}

// DuplicateError is returned by Add when an identity is already registered.
type DuplicateError struct {
	Identity Identity
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("service %s already registered", e.Identity)
}

// Add inserts a new entry. It returns *DuplicateError if the identity
// collides with an existing entry (config errors must be
// reported, never silently overwrite a running service).
func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Identity()
	if _, exists := r.entries[id]; exists {
		return &DuplicateError{Identity: id}
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	return nil
}

// Replace overwrites an existing entry in place, preserving its position in
// iteration order. Used by the reload engine for services
// classified "changed", where the record must be swapped without disturbing
// Registry iteration semantics mid-sweep.
func (r *Registry) Replace(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Identity()
	if _, exists := r.entries[id]; !exists {
		r.order = append(r.order, id)
	}
	r.entries[id] = e
}

// Remove deletes an entry outright. Used only after a service has reached a
// terminal state and the reload engine has classified it "removed";
// a running service is never removed, only marked for teardown.
func (r *Registry) Remove(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	delete(r.dirty, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up an entry by identity.
func (r *Registry) Get(id Identity) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns every entry in insertion order.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Identities returns every registered identity, sorted, for status
// reporting and tests.
func (r *Registry) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cmd != out[j].Cmd {
			return out[i].Cmd < out[j].Cmd
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkDirty flags id as needing a transition check on the next sweep. Called
// by condition-change notifications, process-exit events, and timer fires
// (see the reload engine); the event loop coalesces repeated marks within a turn
// into a single sweep pass.
func (r *Registry) MarkDirty(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		r.dirty[id] = true
	}
}

// MarkAllDirty flags every registered service, used after a runlevel change
// or full reload where every service's enablement may have shifted.
func (r *Registry) MarkAllDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		r.dirty[id] = true
	}
}

// DrainDirty returns every currently-dirty identity and clears the dirty
// set atomically, so a sweep started while new dirty marks arrive does not
// lose them (they reappear on the next DrainDirty call instead).
func (r *Registry) DrainDirty() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dirty) == 0 {
		return nil
	}
	out := make([]Identity, 0, len(r.dirty))
	for id := range r.dirty {
		out = append(out, id)
	}
	r.dirty = make(map[Identity]bool)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cmd != out[j].Cmd {
			return out[i].Cmd < out[j].Cmd
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
