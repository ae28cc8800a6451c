package exec

import "sync/atomic"

// kernelState tracks per-kernel firing readiness. notReady starts at
// #args+1: the extra token accounts for the kernel's own visitation
// during bootstrap, and each argument's arrival decrements it by one
// more.
type kernelState struct {
	notReady atomic.Int32
}

// fire reports whether this decrement is the one that makes the
// kernel fireable: the transition from 1 to 0.
func (k *kernelState) fire() bool {
	return k.notReady.Add(-1) == 0
}

// accelerate forces a pending kernel's readiness straight to 1,
// short-circuiting it to fire on its next decrement regardless of
// how many other arguments remain unready. It is monotone toward 1
// and a no-op once the counter is already at or below 1 — in
// particular it never re-arms a kernel that has already fired.
func (k *kernelState) accelerate() {
	for {
		cur := k.notReady.Load()
		if cur <= 1 {
			return
		}
		if k.notReady.CompareAndSwap(cur, 1) {
			return
		}
	}
}
