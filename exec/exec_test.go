package exec_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/exec"
	"github.com/Mshaffar/kexec/hostctx"
	"github.com/Mshaffar/kexec/kernel"
	"github.com/Mshaffar/kexec/kernel/builtins"
	"github.com/Mshaffar/kexec/locs"
)

func newHost(ctx context.Context) *hostctx.Context {
	return hostctx.New(ctx, hostctx.DefaultConfig())
}

func newRegistry() *kernel.Registry {
	r := kernel.NewRegistry()
	builtins.Register(r)
	return r
}

// buildChain builds r1 = add(a0, a1); r2 = neg(r1); return r2.
func buildChain(t *testing.T) *bfile.Function {
	t.Helper()
	b := bfile.NewBuilder()
	// r0=a0, r1=a1, r2=add result, r3=neg result (exported)
	b.DeclareRegisters([]int{1, 1, 1, 1})
	loc := b.AddLocation("chain.kx:1:1")
	b.ArgKernel([]int{0, 1}, [][]int{{1}, {1}})
	b.AddKernel(bfile.KernelRecord{
		Opcode:  builtins.OpAdd,
		Loc:     loc,
		Args:    []int{0, 1},
		Results: []int{2},
		UsedBy:  [][]int{{2}},
	})
	b.AddKernel(bfile.KernelRecord{
		Opcode:  builtins.OpNeg,
		Loc:     loc,
		Args:    []int{2},
		Results: []int{3},
		UsedBy:  [][]int{{}},
	})
	b.SetResults([]int{3})
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestS1SynchronousChain(t *testing.T) {
	f := buildChain(t)
	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	registry := newRegistry()

	a0 := avalue.NewConcrete(3)
	a1 := avalue.NewConcrete(4)
	results := make([]*avalue.AsyncValue, 1)

	_, err := exec.Execute(host, f, registry, lh, []*avalue.AsyncValue{a0, a1}, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].IsAvailable() {
		t.Fatal("expected result available synchronously")
	}
	if got, want := results[0].Value().(int), -7; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	results[0].DropRef(1)
}

func TestS2AsyncMiddle(t *testing.T) {
	b := bfile.NewBuilder()
	b.DeclareRegisters([]int{1, 1, 1, 1})
	loc := b.AddLocation("async.kx:1:1")
	b.ArgKernel([]int{0, 1}, [][]int{{1}, {1}})

	var ran int32
	var mu sync.Mutex
	var pending *avalue.AsyncValue
	asyncAdd := func(f *kernel.Frame) error {
		pending = avalue.New()
		f.Results[0] = pending
		return nil
	}
	negRan := make(chan struct{}, 1)
	countingNeg := func(f *kernel.Frame) error {
		mu.Lock()
		ran++
		mu.Unlock()
		v := f.Args[0].Value().(int)
		f.Results[0] = avalue.NewConcrete(-v)
		negRan <- struct{}{}
		return nil
	}

	registry := kernel.NewRegistry()
	const opAsyncAdd kernel.Opcode = 100
	const opCountingNeg kernel.Opcode = 101
	registry.Register(opAsyncAdd, kernel.Signature{NumArgs: 2, NumResults: 1}, asyncAdd)
	registry.Register(opCountingNeg, kernel.Signature{NumArgs: 1, NumResults: 1}, countingNeg)

	b.AddKernel(bfile.KernelRecord{Opcode: opAsyncAdd, Loc: loc, Args: []int{0, 1}, Results: []int{2}, UsedBy: [][]int{{2}}})
	b.AddKernel(bfile.KernelRecord{Opcode: opCountingNeg, Loc: loc, Args: []int{2}, Results: []int{3}, UsedBy: [][]int{{}}})
	b.SetResults([]int{3})
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	a0 := avalue.NewConcrete(3)
	a1 := avalue.NewConcrete(4)
	results := make([]*avalue.AsyncValue, 1)

	_, err = exec.Execute(host, f, registry, lh, []*avalue.AsyncValue{a0, a1}, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].IsAvailable() {
		t.Fatal("expected result still pending")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		pending.SetConcrete(7)
	}()

	select {
	case <-negRan:
	case <-time.After(2 * time.Second):
		t.Fatal("neg never ran")
	}
	for i := 0; i < 100 && !results[0].IsAvailable(); i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if !results[0].IsAvailable() {
		t.Fatal("result never became available")
	}
	if got, want := results[0].Value().(int), -7; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	mu.Lock()
	if ran != 1 {
		t.Fatalf("neg ran %d times, want 1", ran)
	}
	mu.Unlock()
	results[0].DropRef(1)
}

func TestS3ErrorPropagation(t *testing.T) {
	b := bfile.NewBuilder()
	// r0=fail result, r1=const (Add's operand), r2=add result, r3=const
	// (Mul's operand), r4=mul result (exported), r5=dead (no readers).
	// Each register has exactly one producer (the single-assignment
	// invariant); kernel ids below are k0=arg, k1=fail, k2=const,
	// k3=add, k4=const, k5=mul, k6=const(dead).
	b.DeclareRegisters([]int{1, 1, 1, 1, 1, 0})
	loc := b.AddLocation("err.kx:1:1")
	b.ArgKernel([]int{}, [][]int{})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpFail, Loc: loc, Results: []int{0}, UsedBy: [][]int{{3}}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpConst, Loc: loc, Results: []int{1}, UsedBy: [][]int{{3}}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpAdd, Loc: loc, Args: []int{0, 1}, Results: []int{2}, UsedBy: [][]int{{5}}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpConst, Loc: loc, Results: []int{3}, UsedBy: [][]int{{5}}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpMul, Loc: loc, Args: []int{2, 3}, Results: []int{4}, UsedBy: [][]int{{}}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpConst, Loc: loc, Results: []int{5}, UsedBy: [][]int{{}}}) // dead: never read
	b.SetResults([]int{4})
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	registry := newRegistry()
	results := make([]*avalue.AsyncValue, 1)

	_, err = exec.Execute(host, f, registry, lh, nil, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].State() != avalue.Error {
		t.Fatalf("got state %v, want Error", results[0].State())
	}
	if !errors.Is(errors.Kernel, results[0].Err()) {
		t.Errorf("expected a Kernel-kind error, got %v", results[0].Err())
	}
	results[0].DropRef(1)
}

func TestS4NonStrictKernel(t *testing.T) {
	b := bfile.NewBuilder()
	// r0=fail result, r1=const(7), r2=const(false), r3=select result(exported)
	b.DeclareRegisters([]int{1, 1, 1, 1})
	loc := b.AddLocation("select.kx:1:1")
	b.ArgKernel([]int{}, [][]int{})
	// Select is kernel id 4 (k1=fail, k2=opSeven, k3=opFalse, k4=select);
	// every operand producer's UsedBy must name that id.
	const opSeven kernel.Opcode = 202
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpFail, Loc: loc, Results: []int{0}, UsedBy: [][]int{{4}}})
	b.AddKernel(bfile.KernelRecord{Opcode: opSeven, Loc: loc, Results: []int{1}, UsedBy: [][]int{{4}}})

	const opFalse kernel.Opcode = 200
	falseConst := func(f *kernel.Frame) error {
		f.Results[0] = avalue.NewConcrete(false)
		return nil
	}
	registry := newRegistry()
	registry.Register(opSeven, kernel.Signature{NumArgs: 0, NumResults: 1}, builtins.Const(7))
	registry.Register(opFalse, kernel.Signature{NumArgs: 0, NumResults: 1}, falseConst)

	b.AddKernel(bfile.KernelRecord{Opcode: opFalse, Loc: loc, Results: []int{2}, UsedBy: [][]int{{4}}})
	b.AddKernel(bfile.KernelRecord{
		Opcode:    builtins.OpSelect,
		Loc:       loc,
		NonStrict: true,
		Args:      []int{2, 0, 1},
		Results:   []int{3},
		UsedBy:    [][]int{{}},
	})
	b.SetResults([]int{3})
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	results := make([]*avalue.AsyncValue, 1)

	_, err = exec.Execute(host, f, registry, lh, nil, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].IsAvailable() {
		t.Fatal("expected synchronous resolution")
	}
	if got, want := results[0].Value().(int), 7; got != want {
		t.Fatalf("got %v, want %d", got, want)
	}
	results[0].DropRef(1)
}

func TestS5FanOut(t *testing.T) {
	const nConsumers = 10
	b := bfile.NewBuilder()
	// r0 = produce's result, consumed by all nConsumers identity
	// kernels and never exported itself: user_count = nConsumers.
	// r1..rN = each identity's own result, exported once each and
	// consumed by nothing else: user_count = 1.
	users := make([]int, 1+nConsumers)
	users[0] = nConsumers
	for i := 1; i <= nConsumers; i++ {
		users[i] = 1
	}
	b.DeclareRegisters(users)
	loc := b.AddLocation("fanout.kx:1:1")
	b.ArgKernel([]int{}, [][]int{})

	const opCountingProduce kernel.Opcode = 201
	var produceCalls int64
	countingProduce := func(f *kernel.Frame) error {
		atomic.AddInt64(&produceCalls, 1)
		f.Results[0] = avalue.NewConcrete(42)
		return nil
	}
	registry := newRegistry()
	registry.Register(opCountingProduce, kernel.Signature{NumArgs: 0, NumResults: 1}, countingProduce)

	// kernel 0 is the argument pseudo-kernel; kernel 1 is the
	// producer; kernels 2..(nConsumers+1) are the identity consumers.
	usedBy := make([]int, nConsumers)
	for i := 0; i < nConsumers; i++ {
		usedBy[i] = i + 2
	}
	b.AddKernel(bfile.KernelRecord{Opcode: opCountingProduce, Loc: loc, Results: []int{0}, UsedBy: [][]int{usedBy}})
	exported := make([]int, nConsumers)
	for i := 0; i < nConsumers; i++ {
		b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpIdentity, Loc: loc, Args: []int{0}, Results: []int{i + 1}, UsedBy: [][]int{{}}})
		exported[i] = i + 1
	}
	b.SetResults(exported)
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	results := make([]*avalue.AsyncValue, nConsumers)

	_, err = exec.Execute(host, f, registry, lh, nil, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&produceCalls); got != 1 {
		t.Fatalf("producer ran %d times, want exactly 1", got)
	}
	for i, r := range results {
		if !r.IsAvailable() || r.Value().(int) != 42 {
			t.Fatalf("results[%d] = %v, want Concrete(42)", i, r)
		}
		if r != results[0] {
			t.Fatalf("results[%d] is not the same AsyncValue as results[0]; fan-out must alias the shared producer value", i)
		}
	}
	shared := results[0]
	for _, r := range results {
		r.DropRef(1)
	}
	if got := shared.RefCount(); got != 0 {
		t.Fatalf("shared producer value refcount = %d, want 0 once every exported result is released", got)
	}
}

func TestS6Cancellation(t *testing.T) {
	f := buildChain(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	host := newHost(ctx)
	lh := locs.New(f.Locations)
	registry := newRegistry()

	a0 := avalue.NewConcrete(3)
	a1 := avalue.NewConcrete(4)
	results := make([]*avalue.AsyncValue, 1)

	_, err := exec.Execute(host, f, registry, lh, []*avalue.AsyncValue{a0, a1}, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].State() != avalue.Error {
		t.Fatalf("got state %v, want Error", results[0].State())
	}
	if !errors.Is(errors.Canceled, results[0].Err()) {
		t.Errorf("expected a Canceled-kind error, got %v", results[0].Err())
	}
	results[0].DropRef(1)
}

func TestIdentityRoundTripRefcount(t *testing.T) {
	b := bfile.NewBuilder()
	b.DeclareRegisters([]int{1, 1})
	loc := b.AddLocation("id.kx:1:1")
	b.ArgKernel([]int{0}, [][]int{{1}})
	b.AddKernel(bfile.KernelRecord{Opcode: builtins.OpIdentity, Loc: loc, Args: []int{0}, Results: []int{1}, UsedBy: [][]int{{}}})
	b.SetResults([]int{1})
	f, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	host := newHost(context.Background())
	lh := locs.New(f.Locations)
	registry := newRegistry()

	a0 := avalue.NewConcrete(9)
	before := a0.RefCount()
	results := make([]*avalue.AsyncValue, 1)
	_, err = exec.Execute(host, f, registry, lh, []*avalue.AsyncValue{a0}, results, exec.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != a0 {
		t.Fatalf("expected results[0] to forward to arguments[0]")
	}
	results[0].DropRef(1)
	if got := a0.RefCount(); got != before {
		t.Fatalf("refcount after release = %d, want %d (pre-call value)", got, before)
	}
}
