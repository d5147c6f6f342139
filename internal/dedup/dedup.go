// Package dedup collapses near-duplicate signals reported by overlapping feeds.
package dedup

import (
	"math"
	"sort"
	"time"

	"geofuse/internal/geo"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/signal/models"
	pstrings "geofuse/pkg/platform/strings"
)

const (
	DefaultWindow              = 2 * time.Hour
	DefaultTextThreshold       = 0.6
	DefaultLocationToleranceKm = 1.0
	DefaultMagnitudeTolerance  = 0.1
)

// Deduplicator keeps the earliest of each group of near-identical signals.
// Two signals are near-duplicates when they share a domain, lie within the time
// window of each other, and either their texts are similar enough or they were
// observed at the same place with a matching magnitude.
type Deduplicator struct {
	window       time.Duration
	threshold    float64
	locationKm   float64
	magnitudeTol float64
	crossDomain  bool
	metrics      *metrics.Metrics
}

type Option func(*Deduplicator)

func WithWindow(d time.Duration) Option {
	return func(dd *Deduplicator) {
		if d > 0 {
			dd.window = d
		}
	}
}

func WithTextThreshold(t float64) Option {
	return func(dd *Deduplicator) {
		if t > 0 && t <= 1 {
			dd.threshold = t
		}
	}
}

func WithLocationToleranceKm(km float64) Option {
	return func(dd *Deduplicator) {
		if km >= 0 {
			dd.locationKm = km
		}
	}
}

func WithMagnitudeTolerance(tol float64) Option {
	return func(dd *Deduplicator) {
		if tol >= 0 {
			dd.magnitudeTol = tol
		}
	}
}

// WithCrossDomain compares signals regardless of domain.
func WithCrossDomain() Option {
	return func(dd *Deduplicator) {
		dd.crossDomain = true
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(dd *Deduplicator) {
		dd.metrics = m
	}
}

func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		window:       DefaultWindow,
		threshold:    DefaultTextThreshold,
		locationKm:   DefaultLocationToleranceKm,
		magnitudeTol: DefaultMagnitudeTolerance,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// candidate is a kept representative with its tokens precomputed.
type candidate struct {
	signal models.RawSignal
	tokens map[string]struct{}
}

// Dedupe returns the kept representatives ordered by (timestamp, id). Each
// signal is compared only against the representatives still inside the window,
// and only representatives are ever compared against, which makes the result
// stable under a second pass.
func (d *Deduplicator) Dedupe(signals []models.RawSignal) []models.RawSignal {
	out := make([]models.RawSignal, 0, len(signals))
	if len(signals) == 0 {
		return out
	}

	sorted := models.CloneSignals(signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	windows := make(map[models.Domain][]candidate)
	dropped := 0
	for _, s := range sorted {
		key := s.Domain
		if d.crossDomain {
			key = ""
		}

		live := windows[key]
		cut := 0
		for cut < len(live) && s.Timestamp.Sub(live[cut].signal.Timestamp) > d.window {
			cut++
		}
		live = live[cut:]

		c := candidate{signal: s, tokens: tokenSet(s.Text)}
		duplicate := false
		for _, rep := range live {
			if d.near(rep, c) {
				duplicate = true
				break
			}
		}
		if duplicate {
			dropped++
			windows[key] = live
			continue
		}
		windows[key] = append(live, c)
		out = append(out, s)
	}

	d.metrics.AddDedupDropped(dropped)
	return out
}

func (d *Deduplicator) near(a, b candidate) bool {
	if !d.crossDomain && a.signal.Domain != b.signal.Domain {
		return false
	}
	dt := b.signal.Timestamp.Sub(a.signal.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	if dt > d.window {
		return false
	}

	if len(a.tokens) > 0 && len(b.tokens) > 0 && jaccard(a.tokens, b.tokens) >= d.threshold {
		return true
	}
	if a.signal.Located() && b.signal.Located() {
		if geo.DistanceKm(*a.signal.Location, *b.signal.Location) <= d.locationKm &&
			math.Abs(a.signal.Magnitude-b.signal.Magnitude) <= d.magnitudeTol {
			return true
		}
	}
	return false
}

// Similarity is the token Jaccard index of two texts: lowercased words with
// punctuation stripped and repeats collapsed. Two empty texts score 0.
func Similarity(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func tokenSet(text string) map[string]struct{} {
	tokens := pstrings.Tokens(text)
	if len(tokens) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
