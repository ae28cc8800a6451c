package avalue_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/Mshaffar/kexec/avalue"
)

func TestConcreteImmediatelyAvailable(t *testing.T) {
	v := avalue.NewConcrete(42)
	if !v.IsAvailable() {
		t.Fatal("expected available")
	}
	if v.Value() != 42 {
		t.Fatalf("got %v, want 42", v.Value())
	}
	fired := false
	v.AndThen(func() { fired = true })
	if !fired {
		t.Fatal("AndThen on an available value must fire inline")
	}
}

func TestPendingResolvesAndFiresWaiters(t *testing.T) {
	v := avalue.New()
	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	v.AndThen(func() {
		got = v.Value().(int)
		wg.Done()
	})
	if v.IsAvailable() {
		t.Fatal("should still be pending")
	}
	v.SetConcrete(7)
	wg.Wait()
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestErrorState(t *testing.T) {
	v := avalue.New()
	cause := errors.New("boom")
	v.SetError(cause)
	if v.State() != avalue.Error {
		t.Fatalf("got state %v, want Error", v.State())
	}
	if v.Err() != cause {
		t.Fatalf("got %v, want %v", v.Err(), cause)
	}
}

func TestForwardToAlreadyAvailable(t *testing.T) {
	target := avalue.NewConcrete("hello")
	ind := avalue.NewIndirect()
	var wg sync.WaitGroup
	wg.Add(1)
	ind.ForwardTo(target)
	ind.AndThen(wg.Done)
	wg.Wait()
	if ind.State() != avalue.Concrete || ind.Value() != "hello" {
		t.Fatalf("indirect did not adopt target's state/value: state=%v value=%v", ind.State(), ind.Value())
	}
}

func TestForwardToPending(t *testing.T) {
	target := avalue.New()
	ind := avalue.NewIndirect()
	ind.ForwardTo(target)
	if ind.IsAvailable() {
		t.Fatal("indirect should still be pending until target resolves")
	}
	target.SetError(errors.New("late failure"))
	if ind.State() != avalue.Error {
		t.Fatalf("got %v, want Error", ind.State())
	}
}

func TestDoubleForwardPanics(t *testing.T) {
	target := avalue.NewConcrete(1)
	ind := avalue.NewIndirect()
	ind.ForwardTo(target)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second ForwardTo")
		}
	}()
	ind.ForwardTo(target)
}

func TestSetConcreteOnIndirectPanics(t *testing.T) {
	ind := avalue.NewIndirect()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	ind.SetConcrete(1)
}

func TestRefcountRoundTrip(t *testing.T) {
	v := avalue.NewConcrete(1)
	v.AddRef(9)
	if got := v.RefCount(); got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
	v.DropRef(10)
	if got := v.RefCount(); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestDropRefBelowZeroPanics(t *testing.T) {
	v := avalue.NewConcrete(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double DropRef")
		}
	}()
	v.DropRef(2)
}

func TestForwardToDonatesTargetRef(t *testing.T) {
	target := avalue.NewConcrete("donated")
	ind := avalue.NewIndirect()
	ind.ForwardTo(target)
	if got := target.RefCount(); got != 0 {
		t.Fatalf("target refcount = %d, want 0 (ForwardTo should have consumed the donated ref)", got)
	}
}

func TestZeroRefDeltaIsNoop(t *testing.T) {
	v := avalue.NewConcrete(1)
	v.AddRef(0)
	v.DropRef(0)
	if got := v.RefCount(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}
