package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"geofuse/internal/baseline"
)

type sample struct {
	at    time.Time
	value float64
}

type seriesKey struct {
	country, metric string
}

// InMemory keeps each series as a time-ordered slice.
type InMemory struct {
	mu      sync.RWMutex
	horizon time.Duration
	series  map[seriesKey][]sample
}

type Option func(*options)

type options struct {
	horizon time.Duration
}

// WithHorizon sets how far back from the newest sample history is retained.
func WithHorizon(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.horizon = d
		}
	}
}

func resolve(opts []Option) options {
	o := options{horizon: baseline.DefaultHorizon}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewInMemory(opts ...Option) *InMemory {
	o := resolve(opts)
	return &InMemory{
		horizon: o.horizon,
		series:  make(map[seriesKey][]sample),
	}
}

func (s *InMemory) Record(_ context.Context, country, metric string, value float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{country, metric}
	samples := s.series[key]
	i := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(ts) })
	samples = append(samples, sample{})
	copy(samples[i+1:], samples[i:])
	samples[i] = sample{at: ts, value: value}

	s.series[key] = prune(samples, s.horizon)
	return nil
}

func (s *InMemory) Stats(_ context.Context, country, metric string) (baseline.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.series[seriesKey{country, metric}]
	if len(samples) == 0 {
		return baseline.Stats{}, nil
	}
	sum := 0.0
	for _, smp := range samples {
		sum += smp.value
	}
	mean := sum / float64(len(samples))
	ss := 0.0
	for _, smp := range samples {
		d := smp.value - mean
		ss += d * d
	}
	return baseline.Stats{
		Count:  len(samples),
		Mean:   mean,
		StdDev: math.Sqrt(ss / float64(len(samples))),
	}, nil
}

// Len returns the number of retained samples in a series.
func (s *InMemory) Len(country, metric string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey{country, metric}])
}

// prune drops samples older than horizon relative to the newest sample.
func prune(samples []sample, horizon time.Duration) []sample {
	if len(samples) == 0 {
		return samples
	}
	cutoff := samples[len(samples)-1].at.Add(-horizon)
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(cutoff) })
	if i == 0 {
		return samples
	}
	return append([]sample(nil), samples[i:]...)
}
