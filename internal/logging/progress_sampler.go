package logging

import "time"

// ProgressSampler bounds the rate of progress reports so transfer observers
// are not flooded. An event is emitted when the percentage crosses a bucket
// boundary and at most once per minimum interval otherwise.
type ProgressSampler struct {
	bucketSize  float64
	minInterval time.Duration
	lastBucket  int
	lastEmit    time.Time
	now         func() time.Time
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 5%) but never more often than minInterval.
func NewProgressSampler(bucketSize float64, minInterval time.Duration) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ProgressSampler{
		bucketSize:  bucketSize,
		minInterval: minInterval,
		lastBucket:  -1,
		now:         time.Now,
	}
}

// ShouldLog reports whether a progress event at the given percentage should be
// surfaced. Percent can be negative to indicate "unknown".
func (s *ProgressSampler) ShouldLog(percent float64) bool {
	if s == nil {
		return true
	}
	now := s.now()
	if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < s.minInterval {
		return false
	}
	if percent < 0 {
		s.lastEmit = now
		return true
	}
	bucket := int(percent / s.bucketSize)
	if percent >= 100 {
		bucket = int(100 / s.bucketSize)
	}
	if bucket > s.lastBucket {
		s.lastBucket = bucket
		s.lastEmit = now
		return true
	}
	return false
}

// Reset clears the sampler state for a new transfer.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastBucket = -1
	s.lastEmit = time.Time{}
}
