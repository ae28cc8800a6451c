package exec

import (
	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/kernel"
)

// run drains wl, firing each kernel whose readiness transitions to
// zero. It returns once wl is empty; it never blocks.
func (e *Executor) run(wl *worklist) {
	for {
		id, ok := wl.pop()
		if !ok {
			return
		}
		e.stats.recordDepth(wl.depth())
		e.fireOne(wl, id)
	}
}

// fireOne is one iteration of the firing loop for kernel id.
func (e *Executor) fireOne(wl *worklist, id int) {
	if !e.kernels[id].fire() {
		return
	}

	rec, err := bfile.DecodeKernel(e.fn.Stream, e.fn.Kernels[id].Offset)
	if err != nil {
		panic(errors.E("fire", errors.Invariant, errors.Errorf("kernel %d: corrupt record: %v", id, err)))
	}

	anyErrorArg := e.host.CancelValue()

	args := make([]*avalue.AsyncValue, len(rec.Args))
	for i, reg := range rec.Args {
		v := e.getOrCreateRegisterValue(reg)
		args[i] = v
		if anyErrorArg == nil && v.State() == avalue.Error {
			anyErrorArg = v
		}
	}

	results := make([]*avalue.AsyncValue, len(rec.Results))

	if anyErrorArg == nil || rec.NonStrict {
		e.invoke(id, rec, args, results)
	} else {
		e.shortCircuit(id, anyErrorArg, results)
	}

	for _, v := range args {
		v.DropRef(1)
	}

	for i, reg := range rec.Results {
		var usedBy []int
		if i < len(rec.UsedBy) {
			usedBy = rec.UsedBy[i]
		}
		e.publishResult(wl, reg, usedBy, results[i])
	}
}

func (e *Executor) invoke(id int, rec bfile.KernelRecord, args []*avalue.AsyncValue, results []*avalue.AsyncValue) {
	fn, ok := e.registry.Lookup(rec.Opcode)
	if !ok {
		panic(errors.E("fire", errors.Invariant, errors.Errorf("kernel %d: opcode %v not registered", id, rec.Opcode)))
	}
	frame := &kernel.Frame{
		Ctx:     e.host,
		Args:    args,
		Attrs:   rec.Attrs,
		Funcs:   rec.Funcs,
		Results: results,
		Loc:     rec.Loc,
	}
	e.log.Debugf("fire kernel=%d opcode=%v nonstrict=%v", id, rec.Opcode, rec.NonStrict)
	if err := fn(frame); err != nil {
		panic(errors.E("fire", errors.Kernel, errors.Errorf("kernel %d: %v", id, err)))
	}
	for i, r := range results {
		if r == nil {
			panic(errors.E("fire", errors.Invariant, errors.Errorf("kernel %d left result %d nil", id, i)))
		}
	}
	e.stats.recordFired()
}

func (e *Executor) shortCircuit(id int, cause *avalue.AsyncValue, results []*avalue.AsyncValue) {
	e.log.Debugf("short-circuit kernel=%d", id)
	for i := range results {
		cause.AddRef(1)
		results[i] = cause
	}
	e.stats.recordShortCircuited()
}
