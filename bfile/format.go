// Package bfile implements the binary function-file format and its
// loader, kept deliberately outside the executor itself so the
// executor's dataflow core stays independent of any one wire format.
// A Function is a compiled kernel graph: a flat
// kernel stream decoded lazily (one record at a time, the way the
// firing loop consumes it), a static per-register use-count table, a
// result-register index list, and a location-token section.
package bfile

import (
	"crypto"
	_ "crypto/sha256"

	"github.com/grailbio/base/digest"

	"github.com/Mshaffar/kexec/kernel"
)

// magic identifies the file format; version allows the encoding to
// evolve without breaking existing readers silently.
const (
	magic         uint32 = 0x4b455831 // "KEX1"
	formatVersion uint16 = 1
	nonStrictBit  uint32 = 1 << 0
)

// Digester computes the content digest stamped on every encoded
// function, the same fixed-algorithm Digester reflow itself declares
// once at package scope and reuses everywhere content is addressed
// (reflow.Digester in digester.go).
var Digester = digest.Digester(crypto.SHA256)

// KernelMeta is the cheap, eagerly-scanned metadata the loader
// records for every kernel: enough to size the arguments_not_ready
// counter without decoding the full record. The full KernelRecord is
// decoded lazily, at fire time, from Stream at Offset.
type KernelMeta struct {
	Offset  uint32
	NumArgs int
}

// Function is a loaded, immutable, reusable compiled kernel graph. A
// single Function may be the subject of many concurrent Executions.
type Function struct {
	// Stream holds the kernel records, back to back, decoded lazily.
	// Each record carries its own attribute bytes inline.
	Stream []byte
	// Locations holds decoded-once-at-load-time location strings,
	// indexed by location token. The locs package re-derives
	// human-readable positions from these; bfile only carries them.
	Locations []string

	// NumArgs is the function's argument count.
	NumArgs int
	// RegisterUsers holds the static user_count for every register,
	// indexed by register id.
	RegisterUsers []int
	// Kernels holds cheap per-kernel metadata, indexed by kernel id.
	// Kernels[0], if HasArgKernel, is the argument pseudo-kernel.
	Kernels []KernelMeta
	// HasArgKernel tells whether Kernels[0] is the argument
	// pseudo-kernel.
	HasArgKernel bool
	// ResultRegisters holds the register index exported as each of
	// the function's results, in declaration order. Indices may
	// repeat: a register may be exported as more than one result.
	ResultRegisters []int

	// Digest is the content digest computed over the encoded payload
	// at build/load time, used to detect corruption.
	Digest digest.Digest
}

// NumRegisters returns the number of registers declared by f.
func (f *Function) NumRegisters() int {
	return len(f.RegisterUsers)
}

// NumKernels returns the number of kernel records declared by f,
// including the argument pseudo-kernel if present.
func (f *Function) NumKernels() int {
	return len(f.Kernels)
}

// KernelRecord is the fully decoded form of one kernel entry in the
// stream: everything the firing loop needs to bind arguments,
// attributes and subfunctions, invoke the kernel, and dispatch its
// results.
type KernelRecord struct {
	Opcode    kernel.Opcode
	Loc       uint32 // location token; index into Function.Locations
	NonStrict bool

	// Args holds the register indices of this kernel's arguments.
	Args []int
	// Attrs holds this kernel's raw attribute bytes, one entry per
	// declared attribute, encoded inline in the stream.
	Attrs [][]byte
	// Funcs holds subfunction handles.
	Funcs []kernel.FuncHandle
	// Results holds the register index written by each declared
	// result.
	Results []int
	// UsedBy holds, per result index, the kernel ids that consume
	// that result as an argument.
	UsedBy [][]int
}
