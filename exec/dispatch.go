package exec

import "github.com/Mshaffar/kexec/avalue"

// publishResult installs v, the value a kernel (or a short-circuit)
// produced for the given result register, and runs used-by dispatch
// on whatever value ends up serving that register's consumers.
func (e *Executor) publishResult(wl *worklist, reg int, usedBy []int, v *avalue.AsyncValue) {
	e.extendLocationLifetime(v)

	slot := &e.registers[reg]
	if slot.userCount == 0 {
		// No static users: nothing will ever read this register as an
		// argument or export it. Pay back the producer's +1 and stop.
		// An unused function argument never reaches this path:
		// fireArgKernel skips zero-user_count registers itself.
		v.DropRef(1)
		return
	}

	effective, forwarded := e.setRegisterValue(reg, v)
	e.usedByDispatch(wl, usedBy, effective)
	if forwarded {
		effective.DropRef(1)
	}
}

// usedByDispatch accelerates any pending consumers if the result is
// an error, then either appends consumers directly to the worklist
// (the result is already available) or arms a continuation that, once
// v becomes available, hands a fresh firing-loop sub-invocation to the
// host's bounded dispatcher rather than running it inline on whatever
// goroutine resolved v.
func (e *Executor) usedByDispatch(wl *worklist, usedBy []int, v *avalue.AsyncValue) {
	if v.State() == avalue.Error {
		for _, kid := range usedBy {
			e.kernels[kid].accelerate()
		}
	}
	if v.IsAvailable() {
		wl.pushAll(usedBy)
		return
	}
	e.AddRef(1)
	v.AndThen(func() {
		e.host.Go(func() {
			e.runSub(usedBy)
			e.DropRef(1)
		})
	})
}

// runSub re-enters the firing loop from an asynchronous completion,
// with a fresh worklist local to the calling goroutine: multiple such
// continuations may execute concurrently on disjoint kernel ids.
func (e *Executor) runSub(ids []int) {
	wl := &worklist{ids: append([]int(nil), ids...)}
	e.run(wl)
}
