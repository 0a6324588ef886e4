package metrics

import (
	"hash/fnv"
	"sync/atomic"
)

// SamplingObserver keeps a fraction of stage timing events. Sampling is by
// session, so a kept session has all of its stage timings; events without a
// session_id tag are sampled by count. Everything that is not a stage timing
// passes through.
type SamplingObserver struct {
	inner     Observer
	threshold uint32 // keep when bucket < threshold, out of sampleBuckets
	counter   atomic.Uint64
}

const sampleBuckets = 10000

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = min(max(rate, 0), 1)
	return &SamplingObserver{inner: inner, threshold: uint32(rate * sampleBuckets)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if !stageTiming(ev.Name) || s.keep(ev) {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) keep(ev MetricsEvent) bool {
	switch s.threshold {
	case 0:
		return false
	case sampleBuckets:
		return true
	}
	if id := ev.Tags["session_id"]; id != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(id))
		return h.Sum32()%sampleBuckets < s.threshold
	}
	n := s.counter.Add(1)
	return (n*uint64(s.threshold))%sampleBuckets < uint64(s.threshold)
}

func stageTiming(name string) bool {
	switch name {
	case EventTurnTranscribe, EventTurnDialogue, EventTurnSynthesize, EventTurnPlayback:
		return true
	}
	return false
}
