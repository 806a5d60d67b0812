package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards one in every N of the events named in names and
// every other event unchanged. Forwarded samples have their Value scaled by
// N so sums over the sampled stream estimate the real totals.
type SamplingObserver struct {
	inner Observer
	names map[string]bool
	every uint64
	seen  atomic.Uint64
}

// NewSamplingObserver samples the named events at rate (0..1). A rate of 0
// drops them entirely.
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = max(uint64(math.Round(1/rate)), 1)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return &SamplingObserver{inner: inner, names: set, every: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if !s.names[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.seen.Add(1)%s.every != 0 {
		return
	}
	ev.Value *= float64(s.every)
	s.inner.RecordEvent(ev)
}

// Flush flushes inner when it buffers.
func (s *SamplingObserver) Flush() error {
	if f, ok := s.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
