package hook

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterAndRunInOrder(t *testing.T) {
	r := New()
	var order []int
	r.Register(SvcUp, func(context.Context) error { order = append(order, 1); return nil })
	r.Register(SvcUp, func(context.Context) error { order = append(order, 2); return nil })

	if err := r.Run(context.Background(), SvcUp); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestRunContinuesPastError(t *testing.T) {
	r := New()
	ran := false
	r.Register(Shutdown, func(context.Context) error { return errors.New("boom") })
	r.Register(Shutdown, func(context.Context) error { ran = true; return nil })

	err := r.Run(context.Background(), Shutdown)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !ran {
		t.Error("second hook must still run after first hook's error")
	}
}

func TestRunEmptyPointIsNoop(t *testing.T) {
	r := New()
	if err := r.Run(context.Background(), Banner); err != nil {
		t.Errorf("Run on empty point = %v, want nil", err)
	}
}

func TestLen(t *testing.T) {
	r := New()
	r.Register(SvcDown, func(context.Context) error { return nil })
	r.Register(SvcDown, func(context.Context) error { return nil })
	if got := r.Len(SvcDown); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestLinkEventConditionName(t *testing.T) {
	e := LinkEvent{Interface: "eth0", Up: true}
	if got := e.ConditionName(); got != "net/eth0/up" {
		t.Errorf("ConditionName() = %q", got)
	}
}

func TestLoopbackSourceEmitsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := LoopbackSource{}
	ch := src.Events(ctx)
	evt := <-ch
	if evt.Interface != "lo" || !evt.Up {
		t.Errorf("evt = %+v, want lo up", evt)
	}
}
