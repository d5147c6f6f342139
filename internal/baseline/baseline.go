// Package baseline keeps a rolling history of per-country metrics and measures
// how far a new value sits from that history.
package baseline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"geofuse/pkg/platform/sentinel"
)

const (
	DefaultHorizon    = 30 * 24 * time.Hour
	DefaultMinSamples = 7
	DefaultEpsilon    = 0.01
	DefaultClamp      = 5.0
)

// Stats summarizes the samples inside the retention horizon.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64 // population standard deviation
}

// Store persists samples per (country, metric). Samples older than the
// store's horizon, measured from the newest sample of the same series, are
// pruned on write and never contribute to Stats.
type Store interface {
	Record(ctx context.Context, country, metric string, value float64, ts time.Time) error
	Stats(ctx context.Context, country, metric string) (Stats, error)
}

// Deviation is a bounded z-score. When the series holds fewer than the minimum
// number of samples, Value is exactly 0 and Sufficient is false.
type Deviation struct {
	Value      float64 `json:"value"`
	Samples    int     `json:"samples"`
	Sufficient bool    `json:"sufficient"`
}

type Service struct {
	store      Store
	minSamples int
	epsilon    float64
	clamp      float64
}

type Option func(*Service)

func WithMinSamples(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

func WithEpsilon(eps float64) Option {
	return func(s *Service) {
		if eps > 0 {
			s.epsilon = eps
		}
	}
}

// WithClamp bounds |deviation| to limit.
func WithClamp(limit float64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.clamp = limit
		}
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		minSamples: DefaultMinSamples,
		epsilon:    DefaultEpsilon,
		clamp:      DefaultClamp,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends a sample.
func (s *Service) Record(ctx context.Context, country, metric string, value float64, ts time.Time) error {
	country = normalizeCountry(country)
	if country == "" || metric == "" {
		return fmt.Errorf("record baseline sample: country and metric required: %w", sentinel.ErrInvalidInput)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("record baseline sample %s/%s: non-finite value: %w", country, metric, sentinel.ErrInvalidInput)
	}
	if err := s.store.Record(ctx, country, metric, value, ts); err != nil {
		return fmt.Errorf("record baseline sample %s/%s: %w", country, metric, err)
	}
	return nil
}

// Deviation returns clamp((current - mean) / max(stddev, epsilon)) over the
// recorded history of (country, metric).
func (s *Service) Deviation(ctx context.Context, country, metric string, current float64) (Deviation, error) {
	stats, err := s.store.Stats(ctx, normalizeCountry(country), metric)
	if err != nil {
		return Deviation{}, fmt.Errorf("load baseline %s/%s: %w", country, metric, err)
	}
	dev := Deviation{Samples: stats.Count}
	if stats.Count < s.minSamples || math.IsNaN(current) {
		return dev, nil
	}

	z := (current - stats.Mean) / math.Max(stats.StdDev, s.epsilon)
	dev.Value = math.Max(-s.clamp, math.Min(s.clamp, z))
	dev.Sufficient = true
	return dev, nil
}

func normalizeCountry(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
