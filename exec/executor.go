package exec

import (
	"sync/atomic"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/hostctx"
	"github.com/Mshaffar/kexec/kernel"
	"github.com/Mshaffar/kexec/locs"
	"github.com/Mshaffar/kexec/log"
)

// Executor is a reference-counted handle: it owns the register file
// and kernel-info table for one function invocation and stays alive
// for as long as any asynchronous continuation might still touch
// them. Each outstanding continuation holds one reference (see
// usedByDispatch).
type Executor struct {
	host     *hostctx.Context
	fn       *bfile.Function
	registry *kernel.Registry
	locs     *locs.Handler
	log      *log.Logger
	stats    *Stats

	registers []registerSlot
	kernels   []kernelState

	refs atomic.Int64
}

func newExecutor(host *hostctx.Context, fn *bfile.Function, registry *kernel.Registry, locHandler *locs.Handler, cfg Config, stats *Stats) *Executor {
	e := &Executor{
		host:     host,
		fn:       fn,
		registry: registry,
		locs:     locHandler,
		log:      cfg.Log,
		stats:    stats,
	}
	e.registers = make([]registerSlot, fn.NumRegisters())
	for i, u := range fn.RegisterUsers {
		e.registers[i].userCount = u
	}
	e.kernels = make([]kernelState, fn.NumKernels())
	for i, km := range fn.Kernels {
		e.kernels[i].notReady.Store(int32(km.NumArgs + 1))
	}
	e.refs.Store(1)
	locHandler.AddRef(1)
	return e
}

// AddRef increments the executor's reference count by n.
func (e *Executor) AddRef(n int64) {
	if n < 0 {
		panic("exec: AddRef with negative count")
	}
	e.refs.Add(n)
}

// DropRef decrements the executor's reference count by n. Once the
// count reaches zero the executor releases its own reference on the
// location handler; it panics if the count would go negative, which
// indicates a continuation dropped a reference it never held.
func (e *Executor) DropRef(n int64) {
	if n < 0 {
		panic("exec: DropRef with negative count")
	}
	rem := e.refs.Add(-n)
	switch {
	case rem == 0:
		e.locs.DropRef(1)
	case rem < 0:
		panic("exec: executor refcount dropped below zero")
	}
}

// RefCount returns the executor's current reference count, for
// tests.
func (e *Executor) RefCount() int64 { return e.refs.Load() }

// extendLocationLifetime keeps e's location handler alive for as
// long as v remains pending: an asynchronous kernel may still need to
// format a diagnostic from a result produced long after the rest of
// the execution has quiesced.
func (e *Executor) extendLocationLifetime(v *avalue.AsyncValue) {
	if v.IsAvailable() {
		return
	}
	e.locs.AddRef(1)
	v.AndThen(func() { e.locs.DropRef(1) })
}
