// Package kernel defines the invocation frame a kernel implementation
// sees and the registry that maps opcodes to implementations. It is
// the "kernel registry" external collaborator of the executor: the
// firing loop (package exec) decodes a kernel record, builds a Frame,
// looks up the Func for its opcode, and invokes it.
package kernel

import (
	"context"

	"github.com/Mshaffar/kexec/avalue"
)

// Opcode identifies a kernel implementation.
type Opcode uint32

// Frame is the invocation frame passed to a kernel implementation. A
// kernel reads Args, Attrs and Funcs and must, on return, have placed
// a non-nil *avalue.AsyncValue — holding a reference the executor
// owns — into every element of Results, regardless of whether it
// completed synchronously or asynchronously.
type Frame struct {
	Ctx context.Context

	// Args holds one AsyncValue per argument register, in declaration
	// order. A non-strict kernel may observe an argument that is still
	// an unresolved IndirectAsyncValue.
	Args []*avalue.AsyncValue

	// Attrs holds this kernel's raw attribute bytes, one slice per
	// declared attribute.
	Attrs [][]byte

	// Funcs holds subfunction handles referenced by this kernel, for
	// kernels (e.g. higher-order combinators) that invoke nested
	// functions.
	Funcs []FuncHandle

	// Results must be filled in by the kernel, one AsyncValue per
	// declared result.
	Results []*avalue.AsyncValue

	// Loc is the kernel's location token, opaque to the kernel itself
	// and meaningful only to the locs package.
	Loc uint32
}

// FuncHandle is an opaque reference to a subfunction, resolved by the
// loader and passed through uninterpreted by the executor.
type FuncHandle struct {
	Offset uint32
}

// Func is a kernel implementation. It is invoked with a populated
// Frame and must populate every element of Frame.Results before
// returning, synchronously or not: an asynchronous kernel populates
// Results with pending AsyncValues it resolves later, off the firing
// loop's thread.
type Func func(*Frame) error

// Signature describes a kernel's expected argument/result arity and
// strictness, so a loader can perform a cheap consistency check
// between a function's kernel records and the registry. Signature
// checking itself remains the loader's responsibility; the executor
// never consults it.
type Signature struct {
	NumArgs    int
	NumResults int
	NonStrict  bool
}

// Registry maps opcodes to kernel implementations and their
// signatures.
type Registry struct {
	funcs map[Opcode]Func
	sigs  map[Opcode]Signature
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[Opcode]Func),
		sigs:  make(map[Opcode]Signature),
	}
}

// Register installs fn as the implementation of opcode op, with the
// given signature. Register panics if op is already registered.
func (r *Registry) Register(op Opcode, sig Signature, fn Func) {
	if _, ok := r.funcs[op]; ok {
		panic("kernel: opcode already registered")
	}
	r.funcs[op] = fn
	r.sigs[op] = sig
}

// Lookup returns the Func registered for op, and whether it was
// found.
func (r *Registry) Lookup(op Opcode) (Func, bool) {
	fn, ok := r.funcs[op]
	return fn, ok
}

// Signature returns the Signature registered for op, and whether it
// was found.
func (r *Registry) Signature(op Opcode) (Signature, bool) {
	sig, ok := r.sigs[op]
	return sig, ok
}
