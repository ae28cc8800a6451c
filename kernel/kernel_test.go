package kernel_test

import (
	"testing"

	"github.com/Mshaffar/kexec/kernel"
)

func TestRegistryLookupAndSignature(t *testing.T) {
	r := kernel.NewRegistry()
	const op kernel.Opcode = 7
	sig := kernel.Signature{NumArgs: 2, NumResults: 1}
	fn := func(f *kernel.Frame) error { return nil }
	r.Register(op, sig, fn)

	got, ok := r.Lookup(op)
	if !ok {
		t.Fatal("Lookup: not found")
	}
	if got == nil {
		t.Fatal("Lookup returned a nil Func")
	}
	gotSig, ok := r.Signature(op)
	if !ok {
		t.Fatal("Signature: not found")
	}
	if gotSig != sig {
		t.Errorf("Signature = %+v, want %+v", gotSig, sig)
	}
}

func TestRegistryLookupMiss(t *testing.T) {
	r := kernel.NewRegistry()
	if _, ok := r.Lookup(99); ok {
		t.Error("Lookup of an unregistered opcode should report ok=false")
	}
	if _, ok := r.Signature(99); ok {
		t.Error("Signature of an unregistered opcode should report ok=false")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := kernel.NewRegistry()
	r.Register(1, kernel.Signature{}, func(f *kernel.Frame) error { return nil })

	defer func() {
		if recover() == nil {
			t.Error("expected Register to panic on a duplicate opcode")
		}
	}()
	r.Register(1, kernel.Signature{}, func(f *kernel.Frame) error { return nil })
}
