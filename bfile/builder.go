package bfile

import (
	"bytes"
	"io"

	"github.com/Mshaffar/kexec/errors"
)

// Builder constructs a Function programmatically, without
// hand-encoding bytes. It is used by this module's own tests and by
// the kexec-asm command, standing in for a real compiler.
type Builder struct {
	numArgs         int
	hasArgKernel    bool
	registerUsers   []int
	kernels         []KernelRecord
	resultRegisters []int
	locations       []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// DeclareRegisters sets the per-register static user counts. Register
// ids are their index in users.
func (b *Builder) DeclareRegisters(users []int) *Builder {
	b.registerUsers = append([]int(nil), users...)
	return b
}

// AddLocation appends a location string and returns its token.
func (b *Builder) AddLocation(s string) uint32 {
	b.locations = append(b.locations, s)
	return uint32(len(b.locations) - 1)
}

// ArgKernel declares kernel id 0 as the argument pseudo-kernel with
// the given results and used-by lists. numArgs is the function's
// declared argument count, which equals len(results).
func (b *Builder) ArgKernel(results []int, usedBy [][]int) *Builder {
	b.hasArgKernel = true
	b.numArgs = len(results)
	rec := KernelRecord{Results: append([]int(nil), results...), UsedBy: usedBy}
	if len(b.kernels) == 0 {
		b.kernels = append(b.kernels, rec)
	} else {
		b.kernels[0] = rec
	}
	return b
}

// AddKernel appends a kernel record and returns its kernel id.
func (b *Builder) AddKernel(rec KernelRecord) int {
	if rec.UsedBy == nil {
		rec.UsedBy = make([][]int, len(rec.Results))
	}
	b.kernels = append(b.kernels, rec)
	return len(b.kernels) - 1
}

// SetResults sets the function's exported result register indices.
func (b *Builder) SetResults(regs []int) *Builder {
	b.resultRegisters = append([]int(nil), regs...)
	return b
}

// NonStrictBit exposes the non-strict flag bit of the flags word that
// the encoding writes for each kernel record (set from
// KernelRecord.NonStrict).
func NonStrictBit() uint32 { return nonStrictBit }

// Build finalizes the declared kernels/registers into an in-memory
// Function by encoding and decoding the payload only, without the
// file header or the digest check. Useful for unit tests of the
// executor that don't need to exercise the loader.
func (b *Builder) Build() (*Function, error) {
	payload, err := b.encodePayload()
	if err != nil {
		return nil, err
	}
	return decodePayload(payload)
}

// Encode serializes the builder's declared function to the on-disk
// binary format, including the header, content digest, and location
// section.
func (b *Builder) Encode() ([]byte, error) {
	payload, err := b.encodePayload()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	putU32(&out, magic)
	putU16(&out, formatVersion)
	sum := Digester.FromBytes(payload).String()
	putU32(&out, uint32(len(sum)))
	out.WriteString(sum)
	putU32(&out, uint32(len(payload)))
	out.Write(payload)
	return out.Bytes(), nil
}

// encodePayload encodes everything except the outer magic/version/
// digest header: the part that is digested.
func (b *Builder) encodePayload() ([]byte, error) {
	if len(b.kernels) == 0 && b.hasArgKernel {
		return nil, errors.E("build", errors.Invariant, errors.New("ArgKernel declared but no kernels present"))
	}

	var stream bytes.Buffer
	offsets := make([]uint32, len(b.kernels))
	for i, rec := range b.kernels {
		offsets[i] = uint32(stream.Len())
		encodeRecord(&stream, rec)
	}

	var out bytes.Buffer
	var hasArg byte
	if b.hasArgKernel {
		hasArg = 1
	}
	out.WriteByte(hasArg)
	putU32(&out, uint32(b.numArgs))

	putU32(&out, uint32(len(b.registerUsers)))
	for _, u := range b.registerUsers {
		putU32(&out, uint32(u))
	}

	putU32(&out, uint32(len(b.resultRegisters)))
	for _, r := range b.resultRegisters {
		putU32(&out, uint32(r))
	}

	putU32(&out, uint32(len(b.kernels)))
	for _, off := range offsets {
		putU32(&out, off)
	}
	for _, rec := range b.kernels {
		putU32(&out, uint32(len(rec.Args)))
	}
	putU32(&out, uint32(stream.Len()))
	out.Write(stream.Bytes())

	putU32(&out, uint32(len(b.locations)))
	for _, s := range b.locations {
		putU32(&out, uint32(len(s)))
		out.WriteString(s)
	}

	return out.Bytes(), nil
}

// decodePayload is shared by Build and the Loader: it parses the
// digested payload body into a Function, without re-verifying a
// digest (the caller is responsible for that when the payload came
// from an encoded file).
func decodePayload(payload []byte) (*Function, error) {
	r := bytes.NewReader(payload)

	hasArgByte, err := r.ReadByte()
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f := &Function{HasArgKernel: hasArgByte != 0}

	numArgs, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f.NumArgs = int(numArgs)

	nregs, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f.RegisterUsers = make([]int, nregs)
	for i := range f.RegisterUsers {
		v, err := getU32(r)
		if err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		f.RegisterUsers[i] = int(v)
	}

	nresults, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f.ResultRegisters = make([]int, nresults)
	for i := range f.ResultRegisters {
		v, err := getU32(r)
		if err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		f.ResultRegisters[i] = int(v)
	}

	nkernels, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	offsets := make([]uint32, nkernels)
	for i := range offsets {
		v, err := getU32(r)
		if err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		offsets[i] = v
	}
	numArgsPerKernel := make([]int, nkernels)
	for i := range numArgsPerKernel {
		v, err := getU32(r)
		if err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		numArgsPerKernel[i] = int(v)
	}

	streamLen, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	stream := make([]byte, streamLen)
	if _, err := io.ReadFull(r, stream); err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f.Stream = stream

	f.Kernels = make([]KernelMeta, nkernels)
	for i := range f.Kernels {
		f.Kernels[i] = KernelMeta{Offset: offsets[i], NumArgs: numArgsPerKernel[i]}
	}

	nlocs, err := getU32(r)
	if err != nil {
		return nil, errors.E("load", errors.Integrity, err)
	}
	f.Locations = make([]string, nlocs)
	for i := range f.Locations {
		n, err := getU32(r)
		if err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.E("load", errors.Integrity, err)
		}
		f.Locations[i] = string(buf)
	}

	f.Digest = Digester.FromBytes(payload)
	return f, nil
}
