// Package exec is the executor core: the register file, per-kernel
// readiness counters, the worklist-driven firing loop, the
// result-forwarding protocol, and the error/cancellation propagation
// path described by this module's design. The binary function
// format, the kernel registry, the host context, the async-value
// primitive and the location decoder are all separate packages the
// executor treats as external collaborators.
package exec

import (
	"time"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/hostctx"
	"github.com/Mshaffar/kexec/kernel"
	"github.com/Mshaffar/kexec/locs"
)

// Execute runs fn to completion against the given registry of kernel
// implementations, using host for cancellation and arguments for the
// function's argument values. results must be pre-sized to
// len(fn.ResultRegisters); on return every results[i] holds a strong
// reference to an AsyncValue that will eventually settle to Concrete
// or Error. Callers own that reference and must DropRef it once they
// are done with the result.
//
// Execute itself never blocks: it drives the initial firing loop to
// a fixpoint on the calling goroutine and returns, handing off
// remaining work to asynchronous continuations armed on whichever
// results are still pending.
func Execute(host *hostctx.Context, fn *bfile.Function, registry *kernel.Registry, locHandler *locs.Handler, arguments []*avalue.AsyncValue, results []*avalue.AsyncValue, cfg Config) (*Stats, error) {
	if len(arguments) != fn.NumArgs {
		return nil, errors.E("execute", errors.Argument, errors.Errorf("got %d arguments, want %d", len(arguments), fn.NumArgs))
	}
	if len(results) != len(fn.ResultRegisters) {
		return nil, errors.E("execute", errors.Argument, errors.Errorf("got %d result slots, want %d", len(results), len(fn.ResultRegisters)))
	}
	if !fn.HasArgKernel && fn.NumArgs != 0 {
		return nil, errors.E("execute", errors.Invariant, errors.New("function declares arguments but has no argument pseudo-kernel"))
	}

	start := time.Now()
	stats := &Stats{}
	e := newExecutor(host, fn, registry, locHandler, cfg, stats)

	wl := &worklist{}

	var argRec bfile.KernelRecord
	if fn.HasArgKernel {
		var err error
		argRec, err = bfile.DecodeKernel(fn.Stream, fn.Kernels[0].Offset)
		if err != nil {
			return nil, errors.E("execute", errors.Integrity, err)
		}
		if len(argRec.Results) != len(arguments) {
			return nil, errors.E("execute", errors.Invariant, errors.Errorf(
				"argument pseudo-kernel declares %d results, got %d arguments", len(argRec.Results), len(arguments)))
		}
		for i, reg := range argRec.Results {
			v := arguments[i]
			v.AddRef(int64(e.registers[reg].userCount))
			e.registers[reg].value.Store(v)
		}
	}

	firstOrdinary := 0
	if fn.HasArgKernel {
		firstOrdinary = 1
	}
	for id := len(e.kernels) - 1; id >= firstOrdinary; id-- {
		wl.push(id)
	}

	if fn.HasArgKernel {
		e.fireArgKernel(wl, argRec)
	}

	e.run(wl)

	for i, reg := range fn.ResultRegisters {
		results[i] = e.getOrCreateRegisterValue(reg)
	}

	stats.Wall = time.Since(start)
	if cfg.DotWriter != nil {
		if err := writeDot(cfg.DotWriter, fn); err != nil {
			e.log.Debugf("dot export failed: %v", err)
		}
	}
	if cfg.Status != nil {
		task := cfg.Status.Start("kexec")
		task.Printf("fired=%d short-circuited=%d peak-depth=%d",
			stats.Fired.Load(), stats.ShortCircuited.Load(), stats.PeakWorklistDepth.Load())
		task.Done()
	}

	e.DropRef(1)
	return stats, nil
}

// fireArgKernel handles the argument pseudo-kernel: its only job is
// to run used-by dispatch on each non-dead result register, using the
// caller-installed value. Its readiness token is consumed implicitly;
// it never goes through fireOne's fetch-sub.
func (e *Executor) fireArgKernel(wl *worklist, rec bfile.KernelRecord) {
	for i, reg := range rec.Results {
		if e.registers[reg].userCount == 0 {
			continue
		}
		v := e.registers[reg].value.Load()
		var usedBy []int
		if i < len(rec.UsedBy) {
			usedBy = rec.UsedBy[i]
		}
		e.usedByDispatch(wl, usedBy, v)
	}
}
