package hostctx_test

import (
	"context"
	"testing"
	"time"

	"github.com/Mshaffar/kexec/errors"
	"github.com/Mshaffar/kexec/hostctx"
)

func TestCancelValueNilBeforeCancellation(t *testing.T) {
	ctx := context.Background()
	c := hostctx.New(ctx, hostctx.DefaultConfig())
	if v := c.CancelValue(); v != nil {
		t.Fatalf("CancelValue() = %v, want nil", v)
	}
}

func TestCancelValueAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := hostctx.New(ctx, hostctx.DefaultConfig())
	v := c.CancelValue()
	if v == nil {
		t.Fatal("CancelValue() = nil, want an Error-state sentinel")
	}
	if !errors.Is(errors.Canceled, v.Err()) {
		t.Fatalf("got %v, want a Canceled error", v.Err())
	}
	// Repeated calls return the exact same sentinel.
	if v2 := c.CancelValue(); v2 != v {
		t.Fatal("CancelValue() returned a different sentinel on second call")
	}
}

func TestGoRunsOnPoolBoundedGoroutine(t *testing.T) {
	c := hostctx.New(context.Background(), hostctx.Config{MaxConcurrentContinuations: 1})
	done := make(chan struct{})
	c.Go(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go never ran fn")
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := hostctx.LoadConfig([]byte("max_concurrent_continuations: 16\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrentContinuations != 16 {
		t.Fatalf("MaxConcurrentContinuations = %d, want 16", cfg.MaxConcurrentContinuations)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := hostctx.LoadConfig([]byte("not: valid: yaml: at: all"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(errors.Argument, err) {
		t.Fatalf("got %v, want an Argument error", err)
	}
}
