package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/kernel"
	"github.com/Mshaffar/kexec/kernel/builtins"
)

// opcodeNames maps the mnemonic an assembly line may use in place of a
// raw numeric opcode to its kernel.Opcode, covering the reference
// kernels in package builtins. A custom kernel library not built on
// builtins is still reachable by spelling its opcode as "op<N>".
var opcodeNames = map[string]kernel.Opcode{
	"add":      builtins.OpAdd,
	"neg":      builtins.OpNeg,
	"mul":      builtins.OpMul,
	"fail":     builtins.OpFail,
	"select":   builtins.OpSelect,
	"produce":  builtins.OpProduce,
	"const":    builtins.OpConst,
	"identity": builtins.OpIdentity,
}

// line is one parsed, non-blank, non-comment source line.
type line struct {
	no        int
	directive string
	fields    []string
}

// assemble reads kexec assembly from r and compiles it with a
// bfile.Builder, the same Builder this module's own tests use in
// place of a real compiler (see bfile.Builder's doc comment).
//
// Grammar, one directive per non-blank, non-comment line:
//
//	regs <u0> <u1> ...            declare every register's static user_count
//	loc <text>                    set the location attached to later kernel lines
//	args <r0> <r1> ...            declare the function's argument registers
//	kernel <opcode> [nonstrict] args=<r,r,..> results=<r,r,..>
//	used <reg> <k0> <k1> ...      declare kernel ids that consume register reg
//	                              (an argument register or some kernel's result);
//	                              may appear anywhere, before or after the line
//	                              that produces reg
//	result <r0> <r1> ...          declare the function's exported result registers
//
// Registers are single-assignment: each register id must appear as an
// args/kernel "results=" target at most once. assemble makes two
// passes over the parsed lines: the first collects every "used"
// directive into a register-indexed map (since a register's consumers
// are normally declared after the kernel that produces it, once the
// producing kernel's id is known to the human author); the second
// replays the args/kernel/result directives in order, looking up each
// register's consumers in that map as it builds the corresponding
// KernelRecord.
func assemble(r io.Reader) (*bfile.Builder, error) {
	lines, err := scan(r)
	if err != nil {
		return nil, err
	}

	usedBy := make(map[int][]int)
	for _, ln := range lines {
		if ln.directive != "used" {
			continue
		}
		if len(ln.fields) < 1 {
			return nil, asmErr(ln.no, errors.New("used requires a register id"))
		}
		reg, err := strconv.Atoi(ln.fields[0])
		if err != nil {
			return nil, asmErr(ln.no, err)
		}
		kids, err := parseInts(ln.fields[1:])
		if err != nil {
			return nil, asmErr(ln.no, err)
		}
		usedBy[reg] = append(usedBy[reg], kids...)
	}

	b := bfile.NewBuilder()
	var curLoc uint32
	haveLoc := false
	nextKernelID := 0

	for _, ln := range lines {
		switch ln.directive {
		case "used":
			// Already consumed in the first pass.

		case "regs":
			users, err := parseInts(ln.fields)
			if err != nil {
				return nil, asmErr(ln.no, err)
			}
			b.DeclareRegisters(users)

		case "loc":
			curLoc = b.AddLocation(strings.Join(ln.fields, " "))
			haveLoc = true

		case "args":
			regs, err := parseInts(ln.fields)
			if err != nil {
				return nil, asmErr(ln.no, err)
			}
			argUsedBy := make([][]int, len(regs))
			for i, reg := range regs {
				argUsedBy[i] = usedBy[reg]
			}
			b.ArgKernel(regs, argUsedBy)
			nextKernelID = 1

		case "kernel":
			rec, err := parseKernelLine(ln.fields)
			if err != nil {
				return nil, asmErr(ln.no, err)
			}
			if haveLoc {
				rec.Loc = curLoc
			}
			for i, reg := range rec.Results {
				rec.UsedBy[i] = usedBy[reg]
			}
			id := b.AddKernel(rec)
			if id != nextKernelID {
				return nil, asmErr(ln.no, errors.Errorf("kernel id mismatch: builder assigned %d, assembler expected %d (an args line must precede every kernel line)", id, nextKernelID))
			}
			nextKernelID++

		case "result":
			regs, err := parseInts(ln.fields)
			if err != nil {
				return nil, asmErr(ln.no, err)
			}
			b.SetResults(regs)

		default:
			return nil, asmErr(ln.no, errors.Errorf("unknown directive %q", ln.directive))
		}
	}
	return b, nil
}

func scan(r io.Reader) ([]line, error) {
	var lines []line
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		lines = append(lines, line{no: lineNo, directive: fields[0], fields: fields[1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E("assemble", errors.Other, err)
	}
	return lines, nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(f, ",")
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Errorf("not an integer: %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseKernelLine parses "<opcode> [nonstrict] args=<r,r> results=<r,r>".
func parseKernelLine(fields []string) (bfile.KernelRecord, error) {
	if len(fields) == 0 {
		return bfile.KernelRecord{}, errors.New("kernel requires an opcode")
	}
	rec := bfile.KernelRecord{}
	op, ok := opcodeNames[fields[0]]
	if !ok {
		n, ok := parseOpN(fields[0])
		if !ok {
			return bfile.KernelRecord{}, errors.Errorf("unknown opcode %q", fields[0])
		}
		op = n
	}
	rec.Opcode = op
	for _, f := range fields[1:] {
		switch {
		case f == "nonstrict":
			rec.NonStrict = true
		case strings.HasPrefix(f, "args="):
			regs, err := parseCSV(strings.TrimPrefix(f, "args="))
			if err != nil {
				return bfile.KernelRecord{}, err
			}
			rec.Args = regs
		case strings.HasPrefix(f, "results="):
			regs, err := parseCSV(strings.TrimPrefix(f, "results="))
			if err != nil {
				return bfile.KernelRecord{}, err
			}
			rec.Results = regs
		default:
			return bfile.KernelRecord{}, errors.Errorf("unrecognized kernel field %q", f)
		}
	}
	rec.UsedBy = make([][]int, len(rec.Results))
	return rec, nil
}

func parseOpN(s string) (kernel.Opcode, bool) {
	if !strings.HasPrefix(s, "op") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "op"), 10, 32)
	if err != nil {
		return 0, false
	}
	return kernel.Opcode(n), true
}

func parseCSV(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Errorf("not an integer: %q", p)
		}
		out[i] = n
	}
	return out, nil
}

func asmErr(lineNo int, err error) error {
	return errors.E("assemble", errors.Argument, errors.Errorf("line %d: %v", lineNo, err))
}
