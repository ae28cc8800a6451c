// Package builtins provides a small set of reference kernel
// implementations — arithmetic, failure injection, a non-strict
// selector, and a counting producer — used by the exec package's own
// test suite as a stand-in for a real kernel library, the way
// reflow's exec/docker kernels exercise its flow evaluator.
package builtins

import (
	"sync/atomic"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/kernel"
)

// Opcodes for the reference kernels.
const (
	OpAdd      kernel.Opcode = 1
	OpNeg      kernel.Opcode = 2
	OpMul      kernel.Opcode = 3
	OpFail     kernel.Opcode = 4
	OpSelect   kernel.Opcode = 5 // non-strict
	OpProduce  kernel.Opcode = 6
	OpConst    kernel.Opcode = 7
	OpIdentity kernel.Opcode = 8
)

func intArg(f *kernel.Frame, i int) int {
	return f.Args[i].Value().(int)
}

// Register installs every reference kernel into r.
func Register(r *kernel.Registry) {
	r.Register(OpAdd, kernel.Signature{NumArgs: 2, NumResults: 1}, Add)
	r.Register(OpNeg, kernel.Signature{NumArgs: 1, NumResults: 1}, Neg)
	r.Register(OpMul, kernel.Signature{NumArgs: 2, NumResults: 1}, Mul)
	r.Register(OpFail, kernel.Signature{NumArgs: 0, NumResults: 1}, Fail)
	r.Register(OpSelect, kernel.Signature{NumArgs: 3, NumResults: 1, NonStrict: true}, Select)
	r.Register(OpProduce, kernel.Signature{NumArgs: 0, NumResults: 1}, Produce())
	r.Register(OpConst, kernel.Signature{NumArgs: 0, NumResults: 1}, Const(0))
	r.Register(OpIdentity, kernel.Signature{NumArgs: 1, NumResults: 1}, Identity)
}

// Add returns args[0]+args[1].
func Add(f *kernel.Frame) error {
	f.Results[0] = avalue.NewConcrete(intArg(f, 0) + intArg(f, 1))
	return nil
}

// Neg returns -args[0].
func Neg(f *kernel.Frame) error {
	f.Results[0] = avalue.NewConcrete(-intArg(f, 0))
	return nil
}

// Mul returns args[0]*args[1].
func Mul(f *kernel.Frame) error {
	f.Results[0] = avalue.NewConcrete(intArg(f, 0) * intArg(f, 1))
	return nil
}

// Fail always produces an Error result: a fresh error of Kind Kernel
// with op "fail", so tests can assert that the error kind propagates.
func Fail(f *kernel.Frame) error {
	f.Results[0] = avalue.NewError(errors.E("fail", errors.Kernel, errors.New("injected failure")))
	return nil
}

// Select is non-strict: it inspects args[0] (cond) and returns
// args[1] or args[2] without requiring either to be error-free,
// demonstrating that non-strict kernels may run despite an erroneous
// argument.
func Select(f *kernel.Frame) error {
	cond := f.Args[0]
	ifTrue, ifFalse := f.Args[1], f.Args[2]
	result := avalue.New()
	f.Results[0] = result
	cond.AndThen(func() {
		var branch *avalue.AsyncValue
		if cond.State() == avalue.Concrete && cond.Value().(bool) {
			branch = ifTrue
		} else {
			branch = ifFalse
		}
		branch.AndThen(func() {
			switch branch.State() {
			case avalue.Concrete:
				result.SetConcrete(branch.Value())
			case avalue.Error:
				result.SetError(branch.Err())
			}
		})
	})
	return nil
}

// Produce returns a kernel that increments a shared counter each time
// it runs and returns the post-increment count, letting tests assert
// a producer ran exactly once despite fan-out.
func Produce() kernel.Func {
	var n int64
	return func(f *kernel.Frame) error {
		f.Results[0] = avalue.NewConcrete(int(atomic.AddInt64(&n, 1)))
		return nil
	}
}

// Const returns a kernel that always produces v.
func Const(v int) kernel.Func {
	return func(f *kernel.Frame) error {
		f.Results[0] = avalue.NewConcrete(v)
		return nil
	}
}

// Identity returns args[0] unchanged.
func Identity(f *kernel.Frame) error {
	f.Results[0] = f.Args[0]
	f.Args[0].AddRef(1)
	return nil
}
