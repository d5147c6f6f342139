// Package fusion drives the polling clients and turns their latest results into
// clusters and per-country instability records on a fixed cycle.
package fusion

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"geofuse/internal/convergence"
	"geofuse/internal/dedup"
	"geofuse/internal/instability"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/platform/tracing"
	"geofuse/internal/signal/models"
	"geofuse/internal/source"
	"geofuse/pkg/platform/circuit"
)

const (
	DefaultCycleInterval = 60 * time.Second
	DefaultRadiusKm      = 50.0
	DefaultTimeWindow    = 6 * time.Hour
)

// Source is the part of source.Client the orchestrator depends on.
type Source interface {
	Domain() models.Domain
	Latest(ctx context.Context) source.Result
	Run(ctx context.Context) error
	Breaker() *circuit.Breaker
}

// Publisher delivers a completed cycle downstream.
type Publisher interface {
	Publish(ctx context.Context, result *CycleResult) error
}

// Sweeper evicts cache entries older than maxAge.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

type Orchestrator struct {
	sources   []Source
	dedup     *dedup.Deduplicator
	detector  *convergence.Detector
	scorer    *instability.Scorer
	publisher Publisher

	interval   time.Duration
	radiusKm   float64
	timeWindow time.Duration

	sweeper       Sweeper
	sweepInterval time.Duration
	sweepMaxAge   time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	cycleMu sync.Mutex
	mu      sync.RWMutex
	latest  *CycleResult
}

type Option func(*Orchestrator)

func WithCycleInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithSweep evicts cache entries older than maxAge every interval.
func WithSweep(s Sweeper, interval, maxAge time.Duration) Option {
	return func(o *Orchestrator) {
		if s == nil || interval <= 0 || maxAge <= 0 {
			return
		}
		o.sweeper = s
		o.sweepInterval = interval
		o.sweepMaxAge = maxAge
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithConvergence sets the cluster radius and time window.
func WithConvergence(radiusKm float64, window time.Duration) Option {
	return func(o *Orchestrator) {
		if radiusKm > 0 {
			o.radiusKm = radiusKm
		}
		if window > 0 {
			o.timeWindow = window
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New builds an orchestrator. Sources are ordered by domain so every cycle
// walks them identically.
func New(sources []Source, d *dedup.Deduplicator, det *convergence.Detector, scorer *instability.Scorer, opts ...Option) *Orchestrator {
	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Domain() < ordered[j].Domain() })

	o := &Orchestrator{
		sources:    ordered,
		dedup:      d,
		detector:   det,
		scorer:     scorer,
		interval:   DefaultCycleInterval,
		radiusKm:   DefaultRadiusKm,
		timeWindow: DefaultTimeWindow,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts every source on its own interval, then cycles and sweeps until
// ctx is cancelled. A failing cycle is logged and the next one still runs.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range o.sources {
		g.Go(func() error {
			return src.Run(ctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := o.Cycle(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("fusion cycle failed", "error", err)
				}
			}
		}
	})

	if o.sweeper != nil {
		g.Go(func() error {
			ticker := time.NewTicker(o.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					n, err := o.sweeper.Sweep(ctx, o.sweepMaxAge)
					if err != nil {
						o.logger.Warn("cache sweep failed", "error", err)
						continue
					}
					if n > 0 {
						o.logger.Info("cache sweep evicted entries", "count", n)
					}
				}
			}
		})
	}

	return g.Wait()
}

// Cycle fuses one snapshot of every source's latest result. Convergence and
// scoring see the same snapshot. Source failures never fail the cycle; they
// show up in Statuses and Degraded.
func (o *Orchestrator) Cycle(ctx context.Context) (*CycleResult, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	ctx, span := tracing.Start(ctx, "fusion.Cycle")
	defer span.End()

	started := o.now()
	result := &CycleResult{
		ID:        uuid.New(),
		StartedAt: started,
		Statuses:  make(map[models.Domain]DomainStatus, len(o.sources)),
		Degraded:  []models.Domain{},
	}

	var signals []models.RawSignal
	countries := make(map[string]map[models.Domain]float64)
	for _, src := range o.sources {
		res := src.Latest(ctx)
		domain := src.Domain()

		status := DomainStatus{
			Status:    res.Status,
			Freshness: res.Freshness,
			Signals:   len(res.Signals),
			UpdatedAt: res.UpdatedAt,
			Breaker:   src.Breaker().Snapshot(),
		}
		if res.Cause != nil {
			status.Cause = res.Cause.Error()
		}
		result.Statuses[domain] = status
		if res.Status != models.StatusLive {
			result.Degraded = append(result.Degraded, domain)
		}

		signals = append(signals, res.Signals...)
		for iso2, v := range res.SubScores {
			iso2 = strings.ToUpper(strings.TrimSpace(iso2))
			if iso2 == "" {
				continue
			}
			if countries[iso2] == nil {
				countries[iso2] = make(map[models.Domain]float64)
			}
			countries[iso2][domain] = v
		}
	}
	if err := ctx.Err(); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	result.Signals = len(signals)
	unique := o.dedup.Dedupe(signals)
	result.Deduplicated = len(signals) - len(unique)

	detected, err := o.detector.DetectContext(ctx, unique, o.radiusKm, o.timeWindow)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	result.Clusters = detected.Clusters
	result.DroppedMalformed = detected.Dropped
	result.Unlocated = detected.Unlocated

	result.Records, result.ScoringErrors = o.score(ctx, countries, started)

	result.CompletedAt = o.now()
	span.SetAttributes(
		attribute.Int("signals", result.Signals),
		attribute.Int("clusters", len(result.Clusters)),
		attribute.Int("records", len(result.Records)),
		attribute.Int("degraded", len(result.Degraded)),
		attribute.Int("scoring_errors", len(result.ScoringErrors)),
	)
	o.metrics.ObserveCycle(result.CompletedAt.Sub(started))
	o.metrics.SetDegraded(len(result.Degraded))

	o.mu.Lock()
	o.latest = result
	o.mu.Unlock()

	o.publish(ctx, result)

	o.logger.Info("fusion cycle completed",
		"cycle_id", result.ID,
		"signals", result.Signals,
		"deduplicated", result.Deduplicated,
		"clusters", len(result.Clusters),
		"records", len(result.Records),
		"degraded", result.Degraded,
		"scoring_errors", len(result.ScoringErrors),
	)
	return result, nil
}

// score builds a record for every country with at least one sub-score, in
// country order, and commits them together. Failures never abort the cycle:
// a country that cannot be scored is left out and a record that cannot be
// committed is kept, and both are reported as scoring errors.
func (o *Orchestrator) score(ctx context.Context, countries map[string]map[models.Domain]float64, ts time.Time) ([]instability.Record, []ScoringError) {
	codes := make([]string, 0, len(countries))
	for iso2 := range countries {
		codes = append(codes, iso2)
	}
	sort.Strings(codes)

	var failures []ScoringError
	records := make([]instability.Record, 0, len(codes))
	for _, iso2 := range codes {
		rec, err := o.scorer.Score(ctx, iso2, countries[iso2], ts)
		if err != nil {
			o.logger.Warn("skipping country", "iso2", iso2, "error", err)
			failures = append(failures, ScoringError{ISO2: iso2, Stage: StageScore, Cause: err.Error()})
			continue
		}
		records = append(records, rec)
	}

	err := o.scorer.Commit(ctx, records...)
	var commitErr *instability.CommitError
	switch {
	case err == nil:
	case errors.As(err, &commitErr):
		for _, rec := range records {
			if cause, ok := commitErr.Failed[rec.ISO2]; ok {
				o.logger.Error("failed to commit instability record", "iso2", rec.ISO2, "error", cause)
				failures = append(failures, ScoringError{ISO2: rec.ISO2, Stage: StageCommit, Cause: cause.Error()})
			}
		}
	default:
		o.logger.Error("failed to commit instability records", "count", len(records), "error", err)
		for _, rec := range records {
			failures = append(failures, ScoringError{ISO2: rec.ISO2, Stage: StageCommit, Cause: err.Error()})
		}
	}
	return records, failures
}

func (o *Orchestrator) publish(ctx context.Context, result *CycleResult) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, result); err != nil {
		o.metrics.IncrementPublishFailure("cycle")
		o.logger.Error("failed to publish cycle result", "cycle_id", result.ID, "error", err)
	}
}

// Latest returns the most recent completed cycle. The result is shared and
// must be treated as read-only.
func (o *Orchestrator) Latest() (*CycleResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest, o.latest != nil
}
