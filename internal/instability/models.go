package instability

import (
	"fmt"
	"math"
	"sort"
	"time"

	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/sentinel"
)

// MetricComposite is the baseline series each committed record feeds.
const MetricComposite = "composite"

// Trend compares a record with the previous committed record of its country.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
	TrendNew     Trend = "new"
)

// Record is one country's instability reading for one scoring cycle. Records are
// superseded by the next cycle, never mutated.
type Record struct {
	ISO2              string                    `json:"iso2"`
	Timestamp         time.Time                 `json:"timestamp"`
	SubScores         map[models.Domain]float64 `json:"sub_scores"`
	Composite         float64                   `json:"composite"`
	BaselineDeviation float64                   `json:"baseline_deviation"`
	BaselineSamples   int                       `json:"baseline_samples"`
	CII               float64                   `json:"cii"`
	Trend             Trend                     `json:"trend"`
}

// Clone copies the sub-score map.
func (r Record) Clone() Record {
	out := r
	if r.SubScores != nil {
		out.SubScores = make(map[models.Domain]float64, len(r.SubScores))
		for d, v := range r.SubScores {
			out.SubScores[d] = v
		}
	}
	return out
}

// Weights is the fixed per-domain weighting of sub-scores.
type Weights map[models.Domain]float64

const weightSumTolerance = 1e-3

// Validate checks that every domain is known, every weight is finite and
// non-negative, and the weights sum to 1.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("instability weights: none configured: %w", sentinel.ErrInvalidConfig)
	}
	sum := 0.0
	for _, d := range w.Domains() {
		v := w[d]
		if !d.Valid() {
			return fmt.Errorf("instability weights: unknown domain %q: %w", d, sentinel.ErrInvalidConfig)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("instability weights: %s has invalid weight %v: %w", d, v, sentinel.ErrInvalidConfig)
		}
		sum += v
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("instability weights: sum is %.4f, want 1: %w", sum, sentinel.ErrInvalidConfig)
	}
	return nil
}

// Domains returns the weighted domains in sorted order.
func (w Weights) Domains() []models.Domain {
	out := make([]models.Domain, 0, len(w))
	for d := range w {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
