package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"geofuse/internal/baseline"
	baselinestore "geofuse/internal/baseline/store"
	"geofuse/internal/cache"
	cachestore "geofuse/internal/cache/store"
	"geofuse/internal/convergence"
	"geofuse/internal/dedup"
	"geofuse/internal/fusion"
	"geofuse/internal/instability"
	"geofuse/internal/instability/archive"
	"geofuse/internal/platform/config"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/platform/postgres"
	"geofuse/internal/platform/redis"
	"geofuse/internal/publish"
	"geofuse/internal/signal/models"
	"geofuse/internal/source"
	"geofuse/internal/source/feed"
	"geofuse/pkg/platform/circuit"
)

type application struct {
	orchestrator *fusion.Orchestrator
	closers      []io.Closer
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// wire builds every component from configuration. Optional backends are only
// connected when configured; a configured backend that cannot be reached is a
// startup error.
func wire(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	snapshots, err := buildCache(ctx, cfg, log, m, app)
	if err != nil {
		return nil, err
	}

	sources, err := buildSources(cfg, snapshots, log, m)
	if err != nil {
		return nil, err
	}

	scorer, err := buildScorer(ctx, cfg, log, m, app)
	if err != nil {
		return nil, err
	}

	opts := []fusion.Option{
		fusion.WithCycleInterval(cfg.CycleInterval()),
		fusion.WithConvergence(cfg.Convergence.RadiusKm, time.Duration(cfg.Convergence.TimeWindowMinutes)*time.Minute),
		fusion.WithSweep(snapshots,
			time.Duration(cfg.Fusion.SweepIntervalSeconds)*time.Second,
			time.Duration(cfg.Fusion.SweepMaxAgeSeconds)*time.Second),
		fusion.WithLogger(log),
		fusion.WithMetrics(m),
	}
	publisher, err := buildPublisher(ctx, cfg, log, m, app)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		opts = append(opts, fusion.WithPublisher(publisher))
	}

	dedupOpts := []dedup.Option{
		dedup.WithWindow(time.Duration(cfg.Dedup.WindowMinutes) * time.Minute),
		dedup.WithTextThreshold(cfg.Dedup.TextThreshold),
		dedup.WithLocationToleranceKm(cfg.Dedup.LocationToleranceKm),
		dedup.WithMagnitudeTolerance(cfg.Dedup.MagnitudeTolerance),
		dedup.WithMetrics(m),
	}
	if cfg.Dedup.CrossDomain {
		dedupOpts = append(dedupOpts, dedup.WithCrossDomain())
	}
	detector := convergence.New(
		convergence.WithDomainBonus(cfg.Convergence.DomainBonus),
		convergence.WithLogger(log),
		convergence.WithMetrics(m),
	)

	app.orchestrator = fusion.New(sources, dedup.New(dedupOpts...), detector, scorer, opts...)
	return app, nil
}

func buildCache(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, app *application) (*cache.TieredCache[source.Snapshot], error) {
	ttls := make(map[string]time.Duration, len(cfg.Domains))
	for _, d := range models.AllDomains() {
		if dc, ok := cfg.Domain(d); ok {
			ttls[source.CacheKey(d)] = time.Duration(dc.TTLSeconds) * time.Second
		}
	}
	opts := []cache.Option{
		cache.WithDefaultTTL(time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second),
		cache.WithTTLResolver(func(key string) time.Duration { return ttls[key] }),
		cache.WithLogger(log),
		cache.WithMetrics(m),
	}

	switch cfg.Cache.Durable {
	case "redis":
		rc, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, rc)
		opts = append(opts, cache.WithDurable(cachestore.NewRedis(rc.Client, cachestore.WithKeyPrefix(cfg.Cache.KeyPrefix))))
		log.Info("durable cache tier enabled", "backend", "redis")
	case "badger":
		b, err := cachestore.OpenBadger(cfg.Cache.BadgerPath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, b)
		opts = append(opts, cache.WithDurable(b))
		log.Info("durable cache tier enabled", "backend", "badger", "path", cfg.Cache.BadgerPath)
	}
	return cache.New[source.Snapshot](opts...), nil
}

func buildSources(cfg config.Config, snapshots *cache.TieredCache[source.Snapshot], log *slog.Logger, m *metrics.Metrics) ([]fusion.Source, error) {
	registry := source.NewRegistry()
	for _, d := range models.AllDomains() {
		dc, ok := cfg.Domain(d)
		if !ok {
			continue
		}
		var opts []feed.Option
		for k, v := range dc.Headers {
			opts = append(opts, feed.WithHeader(k, v))
		}
		if err := registry.Register(feed.NewHTTPFetcher(d, dc.URL, opts...)); err != nil {
			return nil, err
		}
	}

	weights, err := cfg.Weights()
	if err != nil {
		return nil, err
	}
	if err := registry.Require(weights.Domains()); err != nil {
		return nil, err
	}

	var sources []fusion.Source
	for _, d := range registry.Domains() {
		fetcher, _ := registry.Get(d)
		dc, _ := cfg.Domain(d)

		limit := rate.Inf
		if dc.RatePerSecond > 0 {
			limit = rate.Limit(dc.RatePerSecond)
		}
		breaker := circuit.New(string(d),
			circuit.WithFailureThreshold(dc.BreakerMaxFailures),
			circuit.WithCooldown(time.Duration(dc.BreakerCooldownSeconds)*time.Second),
			circuit.WithMaxCooldown(time.Duration(dc.BreakerMaxCooldownSeconds)*time.Second),
		)
		sources = append(sources, source.NewClient(fetcher, snapshots,
			source.WithBreaker(breaker),
			source.WithSubScorer(source.SaturatingSubScores(dc.SubScoreScale)),
			source.WithRateLimit(limit, dc.Burst),
			source.WithTimeout(time.Duration(dc.TimeoutSeconds)*time.Second),
			source.WithInterval(time.Duration(dc.IntervalSeconds)*time.Second),
			source.WithLogger(log),
			source.WithMetrics(m),
		))
	}
	return sources, nil
}

func buildScorer(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, app *application) (*instability.Scorer, error) {
	horizon := time.Duration(cfg.Instability.Baseline.HorizonDays) * 24 * time.Hour
	var store baseline.Store = baselinestore.NewInMemory(baselinestore.WithHorizon(horizon))

	scorerOpts := []instability.Option{
		instability.WithAlpha(cfg.Instability.Alpha),
		instability.WithTrendThreshold(cfg.Instability.TrendThreshold),
		instability.WithLogger(log),
		instability.WithMetrics(m),
	}
	if cfg.Instability.RedistributeMissing {
		scorerOpts = append(scorerOpts, instability.WithRedistributeMissing())
	}

	if cfg.Postgres.DSN != "" {
		db, err := postgres.OpenDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, db)
		pg := baselinestore.NewPostgres(db, baselinestore.WithHorizon(horizon))

		pool, err := postgres.OpenPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, closerFunc(func() error { pool.Close(); return nil }))
		archiver := archive.NewPostgres(pool)

		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
			if err := archiver.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		store = pg
		scorerOpts = append(scorerOpts, instability.WithArchive(archiver))
		log.Info("postgres baseline and archive enabled")
	}

	weights, err := cfg.Weights()
	if err != nil {
		return nil, err
	}
	base := baseline.New(store,
		baseline.WithMinSamples(cfg.Instability.Baseline.MinSamples),
		baseline.WithEpsilon(cfg.Instability.Baseline.Epsilon),
		baseline.WithClamp(cfg.Instability.Baseline.Clamp),
	)
	return instability.New(base, weights, scorerOpts...)
}

func buildPublisher(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, app *application) (fusion.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	client, err := publish.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closerFunc(func() error { client.Close(); return nil }))

	k := publish.NewKafka(client,
		publish.WithTopics(cfg.Kafka.ClustersTopic, cfg.Kafka.RecordsTopic),
		publish.WithLogger(log),
		publish.WithMetrics(m),
	)
	if cfg.Kafka.EnsureTopics {
		if err := k.EnsureTopics(ctx, client, cfg.Kafka.Partitions, cfg.Kafka.Replication); err != nil {
			return nil, fmt.Errorf("ensure kafka topics: %w", err)
		}
	}
	log.Info("kafka publication enabled", "brokers", cfg.Kafka.Brokers)
	return publish.Multi{k}, nil
}
