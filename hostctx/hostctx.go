// Package hostctx provides the host context threaded through an
// execution: cancellation plumbing and a bounded dispatcher for
// AndThen continuations. It stands in for the allocator/thread-pool
// object a dataflow executor would otherwise need explicitly; Go
// needs neither an explicit allocator nor destructors, so Context
// narrows to just these two concerns.
package hostctx

import (
	"context"
	"runtime"
	"sync"

	"github.com/grailbio/base/limiter"
	yaml "gopkg.in/yaml.v2"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/errors"
)

// Config holds the handful of knobs the host context needs.
type Config struct {
	// MaxConcurrentContinuations bounds the number of AndThen
	// continuations the dispatcher runs at once, mirroring the
	// marshalLimiter pattern reflow's flow evaluator uses to bound
	// concurrent background work (flow/eval.go).
	MaxConcurrentContinuations int `yaml:"max_concurrent_continuations"`
}

// DefaultConfig returns a Config sized to the number of available
// CPUs.
func DefaultConfig() Config {
	return Config{MaxConcurrentContinuations: runtime.NumCPU() * 4}
}

// LoadConfig parses a YAML-formatted host context configuration, the
// same way reflow's infra.Schema.Unmarshal turns a YAML document into
// a Config (infra/config.go). Fields left unset in p keep their zero
// value; callers that need the CPU-scaled default should start from
// DefaultConfig and overwrite only the fields present in p themselves.
func LoadConfig(p []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(p, &cfg); err != nil {
		return Config{}, errors.E("hostctx.LoadConfig", errors.Argument, err)
	}
	return cfg, nil
}

// Context is the host context threaded through an execution: a
// context.Context for deadline/cancellation plumbing, a cancel
// sentinel accessor, and a dispatcher for asynchronous continuations.
type Context struct {
	context.Context

	lim *limiter.Limiter

	cancelOnce sync.Once
	cancelVal  *avalue.AsyncValue
}

// New returns a Context wrapping ctx, configured by cfg.
func New(ctx context.Context, cfg Config) *Context {
	c := &Context{Context: ctx, lim: limiter.New()}
	n := cfg.MaxConcurrentContinuations
	if n <= 0 {
		n = DefaultConfig().MaxConcurrentContinuations
	}
	c.lim.Release(n)
	return c
}

// CancelValue returns an Error-state sentinel AsyncValue once the
// embedded context has been cancelled or has exceeded its deadline,
// or nil if execution has not been cancelled. It is checked once per
// kernel firing.
func (c *Context) CancelValue() *avalue.AsyncValue {
	select {
	case <-c.Done():
	default:
		return nil
	}
	c.cancelOnce.Do(func() {
		c.cancelVal = avalue.NewError(errors.E("execute", errors.Canceled, c.Err()))
	})
	return c.cancelVal
}

// Go dispatches fn on a pool-bounded goroutine. The executor's used-by
// dispatcher (package exec) calls this for every asynchronous
// continuation it arms, so the number of in-flight firing-loop
// sub-invocations spawned off resolving AsyncValues never exceeds
// MaxConcurrentContinuations; kernels that hand off their own
// background work have the same bounded escape hatch available.
func (c *Context) Go(fn func()) {
	go func() {
		_ = c.lim.Acquire(c.Context, 1)
		defer c.lim.Release(1)
		fn()
	}()
}
