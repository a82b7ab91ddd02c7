// Package hook implements a typed hook registry
// abstractly as "a chain of callables over a named point," supplemented per
// grounded on original_source/plugins/*.c, which link similar
// callbacks into finit's banner, service-reconfiguration, runlevel-change,
// and shutdown points. Hooks are linked at build time; there is no dynamic
// plugin loading.
package hook

import (
	"context"
	"fmt"
)

// Point names a hook invocation point.
type Point string

const (
	// Banner fires once at startup, before any service is started.
	Banner Point = "banner"
	// SvcUp fires each time any service reaches the running state.
	SvcUp Point = "svc-up"
	// SvcDown fires each time any service leaves the running state.
	SvcDown Point = "svc-down"
	// SvcReconf fires once per reload, between the teardown and startup
	// phases.
	SvcReconf Point = "svc-reconf"
	// RunlevelChange fires once per runlevel transition, after teardown of
	// the old level and before startup of the new one.
	RunlevelChange Point = "runlevel-change"
	// Shutdown fires once, after every service has reached a terminal
	// state and before the reboot/halt syscall.
	Shutdown Point = "shutdown"
)

// Func is a single hook callback. A non-nil error is logged but never
// aborts the sequence it belongs to: a misbehaving plugin
// must not be able to wedge the boot or shutdown path.
type Func func(ctx context.Context) error

// Registry holds an ordered chain of hooks per Point, invoked in
// registration order.
type Registry struct {
	chains map[Point][]Func
}

// New creates an empty hook registry.
func New() *Registry {
	return &Registry{chains: make(map[Point][]Func)}
}

// Register appends fn to point's chain.
func (r *Registry) Register(point Point, fn Func) {
	r.chains[point] = append(r.chains[point], fn)
}

// Run invokes every hook registered at point in order, collecting but not
// stopping on errors. The returned error, if non-nil, wraps every failure
// with its position in the chain for diagnosability.
func (r *Registry) Run(ctx context.Context, point Point) error {
	var errs []error
	for i, fn := range r.chains[point] {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hook %s[%d]: %w", point, i, err))
		}
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := fmt.Sprintf("%d hook errors: %v", len(errs), errs[0])
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// Len reports how many hooks are registered at point, for tests and status
// reporting.
func (r *Registry) Len(point Point) int {
	return len(r.chains[point])
}
