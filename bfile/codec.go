package bfile

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/kernel"
)

var byteOrder = binary.LittleEndian

func putU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	w.Write(b[:])
}

func putU16(w *bytes.Buffer, v uint16) {
	var b [2]byte
	byteOrder.PutUint16(b[:], v)
	w.Write(b[:])
}

func getU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b[:]), nil
}

func getU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b[:]), nil
}

// encodeRecord appends the binary encoding of rec to w. The caller
// records the record's starting offset in the payload's offset table.
func encodeRecord(w *bytes.Buffer, rec KernelRecord) {
	putU32(w, uint32(rec.Opcode))
	putU32(w, rec.Loc)
	var flags uint32
	if rec.NonStrict {
		flags |= nonStrictBit
	}
	putU32(w, flags)

	putU32(w, uint32(len(rec.Args)))
	for _, a := range rec.Args {
		putU32(w, uint32(a))
	}

	putU32(w, uint32(len(rec.Attrs)))
	for _, a := range rec.Attrs {
		putU32(w, uint32(len(a)))
		w.Write(a)
	}

	putU32(w, uint32(len(rec.Funcs)))
	for _, fn := range rec.Funcs {
		putU32(w, fn.Offset)
	}

	putU32(w, uint32(len(rec.Results)))
	for _, r := range rec.Results {
		putU32(w, uint32(r))
	}
	for _, ub := range rec.UsedBy {
		putU32(w, uint32(len(ub)))
		for _, id := range ub {
			putU32(w, uint32(id))
		}
	}
}

// decodeRecordAt decodes one KernelRecord from stream at offset and
// returns it along with the offset immediately following it.
func decodeRecordAt(stream []byte, offset uint32) (KernelRecord, uint32, error) {
	r := bytes.NewReader(stream[offset:])
	var rec KernelRecord

	op, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.Opcode = kernel.Opcode(op)

	if rec.Loc, err = getU32(r); err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	flags, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.NonStrict = flags&nonStrictBit != 0

	nargs, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.Args = make([]int, nargs)
	for i := range rec.Args {
		v, err := getU32(r)
		if err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		rec.Args[i] = int(v)
	}

	nattrs, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.Attrs = make([][]byte, nattrs)
	for i := range rec.Attrs {
		n, err := getU32(r)
		if err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		rec.Attrs[i] = buf
	}

	nfuncs, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.Funcs = make([]kernel.FuncHandle, nfuncs)
	for i := range rec.Funcs {
		v, err := getU32(r)
		if err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		rec.Funcs[i] = kernel.FuncHandle{Offset: v}
	}

	nresults, err := getU32(r)
	if err != nil {
		return rec, 0, errors.E("decode", errors.Integrity, err)
	}
	rec.Results = make([]int, nresults)
	for i := range rec.Results {
		v, err := getU32(r)
		if err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		rec.Results[i] = int(v)
	}
	rec.UsedBy = make([][]int, nresults)
	for i := range rec.UsedBy {
		n, err := getU32(r)
		if err != nil {
			return rec, 0, errors.E("decode", errors.Integrity, err)
		}
		ub := make([]int, n)
		for j := range ub {
			v, err := getU32(r)
			if err != nil {
				return rec, 0, errors.E("decode", errors.Integrity, err)
			}
			ub[j] = int(v)
		}
		rec.UsedBy[i] = ub
	}

	consumed := len(stream[offset:]) - r.Len()
	return rec, offset + uint32(consumed), nil
}

// DecodeKernel decodes the kernel record at byte offset off in
// stream. It is exported so the firing loop (package exec) can
// perform its per-fire decode without reaching into package-private
// helpers.
func DecodeKernel(stream []byte, off uint32) (KernelRecord, error) {
	rec, _, err := decodeRecordAt(stream, off)
	return rec, err
}
