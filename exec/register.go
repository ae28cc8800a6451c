package exec

import (
	"sync/atomic"

	"github.com/Mshaffar/kexec/avalue"
)

// registerSlot is one entry of the executor's register file: an
// atomic pointer to the AsyncValue currently occupying the register,
// plus its immutable static user count.
type registerSlot struct {
	value     atomic.Pointer[avalue.AsyncValue]
	userCount int
}

// getOrCreateRegisterValue installs a speculative IndirectAsyncValue
// placeholder the first time a register is observed before its
// producer has run. It is called both by argument binding (where a
// non-strict kernel may legitimately observe an unresolved
// IndirectAsyncValue) and by the bootstrap/teardown export path.
func (e *Executor) getOrCreateRegisterValue(reg int) *avalue.AsyncValue {
	slot := &e.registers[reg]
	if v := slot.value.Load(); v != nil {
		return v
	}
	u := int64(slot.userCount)
	ind := avalue.NewIndirect()
	ind.AddRef(u)
	if slot.value.CompareAndSwap(nil, ind) {
		return ind
	}
	ind.DropRef(u + 1)
	return slot.value.Load()
}

// setRegisterValue installs a register's real, producer-supplied
// result, racing against any speculative placeholder a consumer may
// already have installed. v must already hold the producer's +1
// reference. u is the register's user_count and must be at least 1; registers with
// user_count 0 never reach this path (see publishResult).
//
// On success it returns (v, false). On a losing race against a
// concurrently-installed IndirectAsyncValue I, it returns (I, true);
// the caller owes I one DropRef once it is done dispatching through
// I (the forward donates v's remaining reference to the adoption
// itself, see avalue.ForwardTo).
func (e *Executor) setRegisterValue(reg int, v *avalue.AsyncValue) (effective *avalue.AsyncValue, forwarded bool) {
	slot := &e.registers[reg]
	u := int64(slot.userCount)
	if u > 1 {
		v.AddRef(u - 1)
	}
	if slot.value.CompareAndSwap(nil, v) {
		return v, false
	}
	if u > 1 {
		v.DropRef(u - 1)
	}
	existing := slot.value.Load()
	existing.ForwardTo(v)
	return existing, true
}
