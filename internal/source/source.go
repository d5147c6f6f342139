// Package source wraps each upstream feed with a circuit breaker, a rate
// limiter and a cache fallback, and reports every poll as an explicit result.
package source

import (
	"context"
	"math"
	"strings"
	"time"

	"geofuse/internal/cache"
	"geofuse/internal/signal/models"
)

//go:generate mockgen -source=source.go -destination=mocks/mocks.go -package=mocks Fetcher

// Fetcher is implemented once per domain. Fetch retrieves the raw payload and
// Normalize turns it into signals; the payload shape is private to the fetcher.
type Fetcher interface {
	Domain() models.Domain
	Fetch(ctx context.Context) ([]byte, error)
	Normalize(payload []byte) ([]models.RawSignal, error)
}

// SubScorer turns a domain's signals into per-country sub-scores in [0,1],
// keyed by ISO-3166 alpha-2 code.
type SubScorer interface {
	SubScores(signals []models.RawSignal) map[string]float64
}

// SubScoreFunc adapts a function to SubScorer.
type SubScoreFunc func(signals []models.RawSignal) map[string]float64

func (f SubScoreFunc) SubScores(signals []models.RawSignal) map[string]float64 {
	return f(signals)
}

// SaturatingSubScores scores each country as 1 - exp(-Σ magnitude*confidence / scale).
// More activity moves the score toward 1 without ever reaching it. Signals
// without a country are ignored.
func SaturatingSubScores(scale float64) SubScorer {
	if scale <= 0 || math.IsNaN(scale) {
		scale = 1
	}
	return SubScoreFunc(func(signals []models.RawSignal) map[string]float64 {
		load := make(map[string]float64)
		for _, s := range signals {
			iso2 := strings.ToUpper(strings.TrimSpace(s.Country))
			if iso2 == "" || math.IsNaN(s.Magnitude) || math.IsNaN(s.Confidence) {
				continue
			}
			load[iso2] += math.Max(0, s.Magnitude) * math.Max(0, math.Min(1, s.Confidence))
		}
		out := make(map[string]float64, len(load))
		for iso2, v := range load {
			out[iso2] = 1 - math.Exp(-v/scale)
		}
		return out
	})
}

// Snapshot is what a client caches after a successful poll.
type Snapshot struct {
	Signals   []models.RawSignal `json:"signals"`
	SubScores map[string]float64 `json:"sub_scores"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Signals: models.CloneSignals(s.Signals)}
	if s.SubScores != nil {
		out.SubScores = make(map[string]float64, len(s.SubScores))
		for k, v := range s.SubScores {
			out.SubScores[k] = v
		}
	}
	return out
}

// Result is the outcome of one poll. Status always says where the data came
// from, so an empty live result and a failed fetch are never confused.
type Result struct {
	Domain    models.Domain      `json:"domain"`
	Signals   []models.RawSignal `json:"signals"`
	SubScores map[string]float64 `json:"sub_scores"`
	Status    models.Status      `json:"status"`
	Freshness cache.Freshness    `json:"freshness,omitempty"`
	Cause     error              `json:"-"`
	FetchedAt time.Time          `json:"fetched_at"`
	// UpdatedAt is when the returned data was fetched from upstream.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone deep-copies the result.
func (r Result) Clone() Result {
	snap := Snapshot{Signals: r.Signals, SubScores: r.SubScores}.Clone()
	out := r
	out.Signals = snap.Signals
	out.SubScores = snap.SubScores
	return out
}

// CacheKey is the cache key under which a domain's latest snapshot is kept.
func CacheKey(d models.Domain) string {
	return "source:" + string(d) + ":latest"
}
