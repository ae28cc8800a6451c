package exec

import (
	"sync/atomic"
	"time"
)

// Stats accumulates summary counters over one Execute call, in the
// spirit of reflow's flow/stats.go per-op counters: cheap atomics
// updated on the hot path, read back once at the end.
type Stats struct {
	Fired             atomic.Int64
	ShortCircuited    atomic.Int64
	PeakWorklistDepth atomic.Int64
	Wall              time.Duration
}

func (s *Stats) recordDepth(n int) {
	if s == nil {
		return
	}
	v := int64(n)
	for {
		cur := s.PeakWorklistDepth.Load()
		if v <= cur {
			return
		}
		if s.PeakWorklistDepth.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (s *Stats) recordFired() {
	if s != nil {
		s.Fired.Add(1)
	}
}

func (s *Stats) recordShortCircuited() {
	if s != nil {
		s.ShortCircuited.Add(1)
	}
}
