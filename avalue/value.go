// Package avalue implements AsyncValue, the reference-counted,
// single-assignment asynchronous cell that the kexec executor threads
// through registers and kernel frames.
//
// An AsyncValue is in exactly one of three states: Unavailable,
// Concrete, or Error. A plain AsyncValue begins Unavailable and is
// resolved exactly once, by whichever goroutine produced it, via
// SetConcrete or SetError — this is how an asynchronously-completing
// kernel eventually supplies its result. A distinguished subkind,
// the Indirect value (see NewIndirect), begins Unavailable and is
// instead resolved by ForwardTo, which points it at another value
// whose state and payload it adopts; it is the only legal value a
// register may hold before its producer has written it.
//
// Reference counting here is bookkeeping, not memory management: Go
// already collects the underlying object once nothing points to it.
// The counts exist so the executor's speculative CAS protocol (see
// package exec) can be verified for leaks and double-frees, exactly
// as the protocol in the source design requires.
package avalue

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of an AsyncValue.
type State int32

const (
	// Unavailable means the value has not yet been produced.
	Unavailable State = iota
	// Concrete means the value holds a usable result.
	Concrete
	// Error means the value holds an error.
	Error
)

func (s State) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Concrete:
		return "concrete"
	case Error:
		return "error"
	default:
		return "invalid"
	}
}

type kind int32

const (
	kindPlain kind = iota
	kindIndirect
)

// AsyncValue is a shared, reference-counted, single-assignment
// asynchronous cell. The zero value is not usable; construct one
// with New, NewConcrete, NewError, or NewIndirect.
type AsyncValue struct {
	state atomic.Int32
	refs  atomic.Int64
	kind  kind

	mu       sync.Mutex
	waiters  []func()
	value    interface{}
	err      error
	forwards int32 // guards ForwardTo being called more than once
}

// New returns a pending, non-indirect AsyncValue with refcount 1. A
// kernel that completes asynchronously returns one of these and
// resolves it later, off the firing-loop thread, with SetConcrete or
// SetError.
func New() *AsyncValue {
	v := &AsyncValue{}
	v.refs.Store(1)
	return v
}

// NewIndirect returns a pending Indirect AsyncValue with refcount 1.
// Its only legal resolution is ForwardTo.
func NewIndirect() *AsyncValue {
	v := &AsyncValue{kind: kindIndirect}
	v.refs.Store(1)
	return v
}

// NewConcrete returns an already-Concrete AsyncValue with refcount 1.
func NewConcrete(val interface{}) *AsyncValue {
	v := &AsyncValue{value: val}
	v.state.Store(int32(Concrete))
	v.refs.Store(1)
	return v
}

// NewError returns an already-Error AsyncValue with refcount 1.
func NewError(err error) *AsyncValue {
	v := &AsyncValue{err: err}
	v.state.Store(int32(Error))
	v.refs.Store(1)
	return v
}

// State returns the current state of v, with acquire semantics
// relative to whatever goroutine published the resolution.
func (v *AsyncValue) State() State {
	return State(v.state.Load())
}

// IsAvailable reports whether v is Concrete or Error.
func (v *AsyncValue) IsAvailable() bool {
	return v.State() != Unavailable
}

// IsError reports whether v is in the Error state.
func (v *AsyncValue) IsError() bool {
	return v.State() == Error
}

// IsIndirect reports whether v is the Indirect subkind.
func (v *AsyncValue) IsIndirect() bool {
	return v.kind == kindIndirect
}

// Value returns v's payload. It panics if v is not Concrete; callers
// must check State or IsAvailable first.
func (v *AsyncValue) Value() interface{} {
	if v.State() != Concrete {
		panic("avalue: Value called on a non-Concrete AsyncValue")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Err returns v's error. It panics if v is not in the Error state.
func (v *AsyncValue) Err() error {
	if v.State() != Error {
		panic("avalue: Err called on a non-Error AsyncValue")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// SetConcrete resolves a pending, non-Indirect AsyncValue to
// Concrete. It panics if v is Indirect (whose only legal resolution
// is ForwardTo) or already available.
func (v *AsyncValue) SetConcrete(val interface{}) {
	if v.kind == kindIndirect {
		panic("avalue: SetConcrete called on an Indirect value; use ForwardTo")
	}
	v.resolve(Concrete, val, nil)
}

// SetError resolves a pending, non-Indirect AsyncValue to Error.
func (v *AsyncValue) SetError(err error) {
	if v.kind == kindIndirect {
		panic("avalue: SetError called on an Indirect value; use ForwardTo")
	}
	v.resolve(Error, nil, err)
}

// ForwardTo resolves an Indirect value by pointing it at target: once
// target becomes available, v adopts target's state and payload and
// fires its own waiters. If target is already available, the
// adoption happens inline. ForwardTo may be called at most once.
//
// ForwardTo takes ownership of exactly one reference on target, which
// it releases once the adoption completes. Callers must arrange for
// target to be carrying a reference earmarked for this purpose before
// calling ForwardTo; they must not separately drop that reference.
func (v *AsyncValue) ForwardTo(target *AsyncValue) {
	if v.kind != kindIndirect {
		panic("avalue: ForwardTo called on a non-Indirect value")
	}
	if !atomic.CompareAndSwapInt32(&v.forwards, 0, 1) {
		panic("avalue: ForwardTo called more than once")
	}
	target.AndThen(func() {
		switch target.State() {
		case Concrete:
			v.resolve(Concrete, target.Value(), nil)
		case Error:
			v.resolve(Error, nil, target.Err())
		default:
			panic("avalue: AndThen fired before target became available")
		}
		target.DropRef(1)
	})
}

func (v *AsyncValue) resolve(state State, val interface{}, err error) {
	v.mu.Lock()
	if v.State() != Unavailable {
		v.mu.Unlock()
		panic("avalue: value resolved more than once")
	}
	v.value, v.err = val, err
	waiters := v.waiters
	v.waiters = nil
	v.state.Store(int32(state))
	v.mu.Unlock()
	for _, f := range waiters {
		f()
	}
}

// AndThen invokes f exactly once: inline, if v is already available,
// or after v transitions to available, from whatever goroutine
// performs that transition. AndThen never blocks.
func (v *AsyncValue) AndThen(f func()) {
	if v.IsAvailable() {
		f()
		return
	}
	v.mu.Lock()
	if v.State() != Unavailable {
		v.mu.Unlock()
		f()
		return
	}
	v.waiters = append(v.waiters, f)
	v.mu.Unlock()
}

// RefCount returns the current reference count, for diagnostics and
// tests.
func (v *AsyncValue) RefCount() int64 {
	return v.refs.Load()
}

// AddRef increases v's reference count by n. n must be non-negative;
// n=0 is a no-op.
func (v *AsyncValue) AddRef(n int64) {
	if n < 0 {
		panic("avalue: AddRef with negative count")
	}
	if n == 0 {
		return
	}
	v.refs.Add(n)
}

// DropRef decreases v's reference count by n. n must be
// non-negative; n=0 is a no-op. DropRef panics if the count would go
// negative, which indicates a double-free in the caller's protocol.
func (v *AsyncValue) DropRef(n int64) {
	if n < 0 {
		panic("avalue: DropRef with negative count")
	}
	if n == 0 {
		return
	}
	if rem := v.refs.Add(-n); rem < 0 {
		panic("avalue: refcount dropped below zero (double DropRef)")
	}
}
