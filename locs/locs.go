// Package locs decodes the opaque location tokens a compiled
// function carries into human-readable positions. Decoding happens at
// most once per token: concurrent callers racing to decode the same token
// block on each other rather than duplicating the work, the same
// decode-once-per-key shape reflow's assertions cache uses for
// remote lookups (sync/once.Map wrapping a bounded cache).
package locs

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/grailbio/base/sync/once"

	"github.com/Mshaffar/kexec/errors"
)

// Handler is a reference-counted decoder over a function's location
// table. Handlers are shared by every kernel frame of an execution
// and by any pending AsyncValue that still needs to format a location
// after the execution that produced it has otherwise finished.
type Handler struct {
	locations []string
	cache     *lru.Cache
	decode    once.Map

	refs atomic.Int64
}

const defaultCacheSize = 256

// New returns a Handler over locations with refcount 1.
func New(locations []string) *Handler {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		// lru.New only errors for a non-positive size, which
		// defaultCacheSize never is.
		panic(err)
	}
	h := &Handler{locations: locations, cache: cache}
	h.refs.Store(1)
	return h
}

// Decode returns the human-readable position for token, decoding and
// caching it on first use.
func (h *Handler) Decode(token uint32) (string, error) {
	if v, ok := h.cache.Get(token); ok {
		return v.(string), nil
	}
	err := h.decode.Do(token, func() error {
		if int(token) >= len(h.locations) {
			return errors.E("decode", errors.NotExist, errors.Errorf("location token %d out of range", token))
		}
		h.cache.Add(token, h.locations[token])
		return nil
	})
	if err != nil {
		return "", err
	}
	v, _ := h.cache.Get(token)
	return v.(string), nil
}

// AddRef increments h's reference count by n. n must be
// non-negative.
func (h *Handler) AddRef(n int64) {
	if n < 0 {
		panic("locs: AddRef with negative count")
	}
	h.refs.Add(n)
}

// DropRef decrements h's reference count by n. It panics if n is
// negative or if the count would go negative.
func (h *Handler) DropRef(n int64) {
	if n < 0 {
		panic("locs: DropRef with negative count")
	}
	if rem := h.refs.Add(-n); rem < 0 {
		panic("locs: refcount dropped below zero (double DropRef)")
	}
}

// RefCount returns h's current reference count, for diagnostics and
// tests.
func (h *Handler) RefCount() int64 { return h.refs.Load() }
