// Package instability fuses per-domain sub-scores into a country instability
// index (CII) nudged by the country's own history.
package instability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"geofuse/internal/baseline"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/sentinel"
)

const (
	DefaultAlpha          = 0.05
	DefaultTrendThreshold = 1.0
)

// Archive receives committed records for long-term storage.
type Archive interface {
	Append(ctx context.Context, records []Record) error
}

type Scorer struct {
	baseline       *baseline.Service
	weights        Weights
	alpha          float64
	redistribute   bool
	trendThreshold float64
	archive        Archive
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu     sync.RWMutex
	latest map[string]Record
}

type Option func(*Scorer)

// WithAlpha scales how strongly the baseline deviation moves the index.
func WithAlpha(alpha float64) Option {
	return func(s *Scorer) {
		if alpha >= 0 {
			s.alpha = alpha
		}
	}
}

// WithRedistributeMissing spreads the weight of domains without a sub-score
// over the domains that have one.
func WithRedistributeMissing() Option {
	return func(s *Scorer) {
		s.redistribute = true
	}
}

// WithTrendThreshold sets the CII change below which a country is stable.
func WithTrendThreshold(points float64) Option {
	return func(s *Scorer) {
		if points >= 0 {
			s.trendThreshold = points
		}
	}
}

func WithArchive(a Archive) Option {
	return func(s *Scorer) {
		s.archive = a
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scorer) {
		s.metrics = m
	}
}

// New validates weights and returns a scorer. Invalid weights are a
// configuration error.
func New(base *baseline.Service, weights Weights, opts ...Option) (*Scorer, error) {
	if base == nil {
		return nil, fmt.Errorf("instability scorer: baseline required: %w", sentinel.ErrInvalidConfig)
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	w := make(Weights, len(weights))
	for d, v := range weights {
		w[d] = v
	}
	s := &Scorer{
		baseline:       base,
		weights:        w,
		alpha:          DefaultAlpha,
		trendThreshold: DefaultTrendThreshold,
		logger:         slog.Default(),
		latest:         make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score computes a record without changing any state: calling it twice with the
// same inputs yields the same record. Sub-scores are clamped to [0,1]; missing
// or NaN sub-scores contribute 0.
func (s *Scorer) Score(ctx context.Context, country string, subScores map[models.Domain]float64, ts time.Time) (Record, error) {
	iso2 := strings.ToUpper(strings.TrimSpace(country))
	if iso2 == "" {
		return Record{}, fmt.Errorf("score: empty country: %w", sentinel.ErrInvalidInput)
	}

	clean := make(map[models.Domain]float64, len(subScores))
	for d, v := range subScores {
		if !d.Valid() || math.IsNaN(v) {
			continue
		}
		clean[d] = clamp01(v)
	}

	composite := s.composite(clean)
	dev, err := s.baseline.Deviation(ctx, iso2, MetricComposite, composite)
	if err != nil {
		return Record{}, fmt.Errorf("score %s: %w", iso2, err)
	}

	rec := Record{
		ISO2:              iso2,
		Timestamp:         ts,
		SubScores:         clean,
		Composite:         composite,
		BaselineDeviation: dev.Value,
		BaselineSamples:   dev.Samples,
		CII:               round2(100 * clamp01(composite+s.alpha*dev.Value)),
	}
	rec.Trend = s.trend(rec)
	return rec, nil
}

func (s *Scorer) composite(subScores map[models.Domain]float64) float64 {
	sum, present := 0.0, 0.0
	for _, d := range s.weights.Domains() {
		w := s.weights[d]
		v, ok := subScores[d]
		if !ok {
			continue
		}
		sum += w * v
		present += w
	}
	if s.redistribute && present > 0 {
		return clamp01(sum / present)
	}
	return clamp01(sum)
}

func (s *Scorer) trend(rec Record) Trend {
	prev, ok := s.Latest(rec.ISO2)
	if !ok {
		return TrendNew
	}
	switch delta := rec.CII - prev.CII; {
	case delta > s.trendThreshold:
		return TrendRising
	case delta < -s.trendThreshold:
		return TrendFalling
	default:
		return TrendStable
	}
}

// CommitError reports the records whose baseline write failed. Every other
// record passed to the same Commit was committed.
type CommitError struct {
	Failed map[string]error
}

func (e *CommitError) Error() string {
	codes := make([]string, 0, len(e.Failed))
	for iso2 := range e.Failed {
		codes = append(codes, iso2)
	}
	sort.Strings(codes)
	parts := make([]string, len(codes))
	for i, iso2 := range codes {
		parts[i] = fmt.Sprintf("%s: %v", iso2, e.Failed[iso2])
	}
	return fmt.Sprintf("commit failed for %d record(s): %s", len(codes), strings.Join(parts, "; "))
}

func (e *CommitError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}

// Commit appends each record's composite to the baseline and makes it the
// country's latest record. It is the only writer of the composite series.
// Records are committed independently: a failed baseline write skips that
// record only and is reported through *CommitError. Archive failures are logged
// and do not fail the commit.
func (s *Scorer) Commit(ctx context.Context, records ...Record) error {
	committed := make([]Record, 0, len(records))
	var failed map[string]error
	for _, rec := range records {
		if err := s.baseline.Record(ctx, rec.ISO2, MetricComposite, rec.Composite, rec.Timestamp); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[rec.ISO2] = err
			continue
		}
		s.mu.Lock()
		s.latest[rec.ISO2] = rec.Clone()
		s.mu.Unlock()
		s.metrics.SetCII(rec.ISO2, rec.CII)
		committed = append(committed, rec)
	}

	if s.archive != nil && len(committed) > 0 {
		if err := s.archive.Append(ctx, committed); err != nil {
			s.logger.Error("failed to archive instability records", "count", len(committed), "error", err)
		}
	}
	if len(failed) > 0 {
		return &CommitError{Failed: failed}
	}
	return nil
}

// Latest returns the last committed record for a country.
func (s *Scorer) Latest(country string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.latest[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Weights returns a copy of the configured weights.
func (s *Scorer) Weights() Weights {
	out := make(Weights, len(s.weights))
	for d, v := range s.weights {
		out[d] = v
	}
	return out
}
