package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"geofuse/internal/cache"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/platform/tracing"
	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/circuit"
)

const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 15 * time.Second
)

// Client polls one domain. It owns that domain's breaker; breakers are never
// shared, so one domain's outage cannot throttle another.
type Client struct {
	fetcher   Fetcher
	domain    models.Domain
	scorer    SubScorer
	cache     *cache.TieredCache[Snapshot]
	breaker   *circuit.Breaker
	limiter   *rate.Limiter
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
	mu        sync.RWMutex
	latest    Result
	hasLatest bool
}

type Option func(*Client)

// WithBreaker replaces the default breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

// WithSubScorer sets how signals become per-country sub-scores.
func WithSubScorer(s SubScorer) Option {
	return func(c *Client) {
		if s != nil {
			c.scorer = s
		}
	}
}

// WithRateLimit caps upstream calls at r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithTimeout bounds each fetch. A fetch that exceeds it counts as a failure.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient wraps a fetcher. The cache is typically shared by every client;
// keys are per domain.
func NewClient(f Fetcher, c *cache.TieredCache[Snapshot], opts ...Option) *Client {
	client := &Client{
		fetcher:  f,
		domain:   f.Domain(),
		scorer:   SaturatingSubScores(1),
		cache:    c,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		timeout:  DefaultTimeout,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.breaker == nil {
		client.breaker = circuit.New(string(client.domain))
	}
	return client
}

func (c *Client) Domain() models.Domain {
	return c.domain
}

func (c *Client) Interval() time.Duration {
	return c.interval
}

// Breaker exposes the breaker for status reporting.
func (c *Client) Breaker() *circuit.Breaker {
	return c.breaker
}

// Poll performs one guarded fetch. It never returns an error: failures are
// reported through Status and Cause, with cached data attached when present.
func (c *Client) Poll(ctx context.Context) Result {
	ctx, span := tracing.Start(ctx, "source.Poll", attribute.String("domain", string(c.domain)))
	defer span.End()

	var res Result
	if err := c.limiter.Wait(ctx); err != nil {
		// not an upstream failure, so the breaker is left alone
		res = c.fromCache(ctx, models.StatusError, fmt.Errorf("rate limiter: %w", err))
	} else {
		res = c.execute(ctx)
	}

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("signals", len(res.Signals)),
	)
	tracing.Fail(span, res.Cause)
	c.metrics.IncrementPoll(string(c.domain), string(res.Status))
	c.metrics.SetBreakerOpen(string(c.domain), c.breaker.IsOpen())

	if res.Cause != nil {
		c.logger.Warn("source poll failed",
			"domain", c.domain,
			"status", res.Status,
			"category", GetCategory(res.Cause),
			"breaker", c.breaker.State(),
			"error", res.Cause,
		)
	}

	c.mu.Lock()
	c.latest = res.Clone()
	c.hasLatest = true
	c.mu.Unlock()
	return res
}

func (c *Client) execute(ctx context.Context) Result {
	fetchedAt := c.now()
	var fallback cache.Entry[Snapshot]
	outcome := circuit.Execute(ctx, c.breaker, c.fetch, func() (Snapshot, bool) {
		entry, ok := c.cache.Get(ctx, CacheKey(c.domain))
		if ok {
			fallback = entry
		}
		return entry.Data.Clone(), ok
	})

	res := Result{Domain: c.domain, FetchedAt: fetchedAt}
	switch {
	case outcome.Err == nil:
		res.Status = models.StatusLive
		res.Freshness = cache.FreshnessLive
		res.UpdatedAt = fetchedAt
	case outcome.Rejected:
		res.Status = models.StatusDegraded
		res.Cause = NewSourceError(ErrorDegraded, c.domain, "breaker open, fetch skipped", circuit.ErrOpen)
	case c.breaker.IsOpen():
		res.Status = models.StatusDegraded
		res.Cause = outcome.Err
	default:
		res.Status = models.StatusError
		res.Cause = outcome.Err
	}

	if outcome.FromFallback {
		res.Status = models.StatusCached
		res.Freshness = fallback.Source
		res.UpdatedAt = fallback.UpdatedAt
	}
	if outcome.HasValue {
		res.Signals = outcome.Value.Signals
		res.SubScores = outcome.Value.SubScores
	}
	return res
}

// fetch is the guarded operation: fetch, normalize, score, cache.
func (c *Client) fetch(parent context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := c.now()
	payload, err := c.fetcher.Fetch(ctx)
	c.metrics.ObserveFetch(string(c.domain), c.now().Sub(start))
	if err != nil {
		return Snapshot{}, c.classify(ctx, err)
	}

	signals, err := c.fetcher.Normalize(payload)
	if err != nil {
		var se *SourceError
		if errors.As(err, &se) {
			return Snapshot{}, err
		}
		return Snapshot{}, NewSourceError(ErrorMalformedPayload, c.domain, "normalize payload", err)
	}
	for i := range signals {
		signals[i].Domain = c.domain
	}

	snap := Snapshot{Signals: signals, SubScores: c.scorer.SubScores(signals)}
	if snap.SubScores == nil {
		snap.SubScores = map[string]float64{}
	}
	c.cache.Put(parent, CacheKey(c.domain), snap.Clone())
	return snap, nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	var se *SourceError
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewSourceError(ErrorUpstreamTimeout, c.domain, fmt.Sprintf("no response within %s", c.timeout), err)
	default:
		return NewSourceError(ErrorUpstreamUnavailable, c.domain, "fetch failed", err)
	}
}

func (c *Client) fromCache(ctx context.Context, status models.Status, cause error) Result {
	res := Result{Domain: c.domain, Status: status, Cause: cause, FetchedAt: c.now()}
	if entry, ok := c.cache.Get(ctx, CacheKey(c.domain)); ok {
		res.Status = models.StatusCached
		res.Freshness = entry.Source
		res.UpdatedAt = entry.UpdatedAt
		snap := entry.Data.Clone()
		res.Signals = snap.Signals
		res.SubScores = snap.SubScores
	}
	return res
}

// Latest returns a copy of the last poll's result. Before the first poll it
// serves whatever the cache holds, tagged cached, or an error result.
func (c *Client) Latest(ctx context.Context) Result {
	c.mu.RLock()
	res, ok := c.latest, c.hasLatest
	c.mu.RUnlock()
	if ok {
		return res.Clone()
	}
	return c.fromCache(ctx, models.StatusError, NewSourceError(ErrorInternal, c.domain, "awaiting first poll", ErrNotPolled))
}

// Run polls immediately and then every interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			c.Poll(ctx)
		}
	}
}
