package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"geofuse/internal/instability"
	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/circuit"
	"geofuse/pkg/platform/sentinel"
	platformstrings "geofuse/pkg/platform/strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FUSION_"

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug|info|warn|error
	Format     string `yaml:"format"` // json|text
	Output     string `yaml:"output"` // stdout|stderr|file path, rotated
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DomainConfig configures one upstream feed.
type DomainConfig struct {
	URL                       string            `yaml:"url"`
	Headers                   map[string]string `yaml:"headers"`
	IntervalSeconds           int               `yaml:"interval_seconds"`
	TimeoutSeconds            int               `yaml:"timeout_seconds"`
	TTLSeconds                int               `yaml:"ttl_seconds"`
	BreakerMaxFailures        int               `yaml:"breaker_max_failures"`
	BreakerCooldownSeconds    int               `yaml:"breaker_cooldown_seconds"`
	BreakerMaxCooldownSeconds int               `yaml:"breaker_max_cooldown_seconds"`
	RatePerSecond             float64           `yaml:"rate_per_second"` // 0 means unlimited
	Burst                     int               `yaml:"burst"`
	SubScoreScale             float64           `yaml:"sub_score_scale"`
}

type FusionConfig struct {
	CycleIntervalSeconds int `yaml:"cycle_interval_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SweepMaxAgeSeconds   int `yaml:"sweep_max_age_seconds"`
}

type DedupConfig struct {
	WindowMinutes       int     `yaml:"window_minutes"`
	TextThreshold       float64 `yaml:"text_threshold"`
	LocationToleranceKm float64 `yaml:"location_tolerance_km"`
	MagnitudeTolerance  float64 `yaml:"magnitude_tolerance"`
	CrossDomain         bool    `yaml:"cross_domain"`
}

type ConvergenceConfig struct {
	RadiusKm          float64 `yaml:"radius_km"`
	TimeWindowMinutes int     `yaml:"time_window_minutes"`
	DomainBonus       float64 `yaml:"domain_bonus"`
}

type BaselineConfig struct {
	HorizonDays int     `yaml:"horizon_days"`
	MinSamples  int     `yaml:"min_samples"`
	Epsilon     float64 `yaml:"epsilon"`
	Clamp       float64 `yaml:"clamp"`
}

type InstabilityConfig struct {
	// Weights per domain name. Empty means equal weights over configured domains.
	Weights             map[string]float64 `yaml:"weights"`
	Alpha               float64            `yaml:"alpha"`
	RedistributeMissing bool               `yaml:"redistribute_missing"`
	TrendThreshold      float64            `yaml:"trend_threshold"`
	Baseline            BaselineConfig     `yaml:"baseline"`
}

type CacheConfig struct {
	Durable           string `yaml:"durable"` // none|redis|badger
	BadgerPath        string `yaml:"badger_path"`
	KeyPrefix         string `yaml:"key_prefix"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
}

// RedisConfig holds the durable cache tier connection settings.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig enables the baseline store and the CII archive when DSN is set.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      bool   `yaml:"migrate"`
}

// KafkaConfig enables cycle publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ClientID      string   `yaml:"client_id"`
	ClustersTopic string   `yaml:"clusters_topic"`
	RecordsTopic  string   `yaml:"records_topic"`
	EnsureTopics  bool     `yaml:"ensure_topics"`
	Partitions    int32    `yaml:"partitions"`
	Replication   int16    `yaml:"replication"`
}

type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     LoggingConfig           `yaml:"logging"`
	Fusion      FusionConfig            `yaml:"fusion"`
	Domains     map[string]DomainConfig `yaml:"domains"`
	Dedup       DedupConfig             `yaml:"dedup"`
	Convergence ConvergenceConfig       `yaml:"convergence"`
	Instability InstabilityConfig       `yaml:"instability"`
	Cache       CacheConfig             `yaml:"cache"`
	Redis       RedisConfig             `yaml:"redis"`
	Postgres    PostgresConfig          `yaml:"postgres"`
	Kafka       KafkaConfig             `yaml:"kafka"`
}

// Default returns the configuration used for any value the file and the
// environment leave unset. It has no domains, so it does not validate alone.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeoutSeconds: 10},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
		},
		Fusion: FusionConfig{
			CycleIntervalSeconds: 60,
			SweepIntervalSeconds: 600,
			SweepMaxAgeSeconds:   86400,
		},
		Dedup: DedupConfig{
			WindowMinutes:       120,
			TextThreshold:       0.6,
			LocationToleranceKm: 1,
			MagnitudeTolerance:  0.1,
		},
		Convergence: ConvergenceConfig{RadiusKm: 50, TimeWindowMinutes: 360, DomainBonus: 0.5},
		Instability: InstabilityConfig{
			Alpha:          0.05,
			TrendThreshold: 1,
			Baseline:       BaselineConfig{HorizonDays: 30, MinSamples: 7, Epsilon: 0.01, Clamp: 5},
		},
		Cache: CacheConfig{Durable: "none", BadgerPath: "data/cache", KeyPrefix: "geofuse:", DefaultTTLSeconds: 300},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{MaxOpenConns: 10, Migrate: true},
		Kafka: KafkaConfig{
			ClientID:      "geofuse",
			ClustersTopic: "geofuse.clusters",
			RecordsTopic:  "geofuse.cii",
			Partitions:    3,
			Replication:   1,
		},
	}
}

// DomainDefaults fills zero fields of a domain's settings.
func DomainDefaults(d DomainConfig) DomainConfig {
	if d.IntervalSeconds <= 0 {
		d.IntervalSeconds = 60
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 15
	}
	if d.TTLSeconds <= 0 {
		d.TTLSeconds = 300
	}
	if d.BreakerMaxFailures <= 0 {
		d.BreakerMaxFailures = circuit.DefaultFailureThreshold
	}
	if d.BreakerCooldownSeconds <= 0 {
		d.BreakerCooldownSeconds = int(circuit.DefaultCooldown / time.Second)
	}
	if d.BreakerMaxCooldownSeconds <= 0 {
		d.BreakerMaxCooldownSeconds = int(circuit.DefaultMaxCooldown / time.Second)
	}
	if d.Burst <= 0 {
		d.Burst = 1
	}
	if d.SubScoreScale <= 0 {
		d.SubScoreScale = 1
	}
	return d
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads an optional YAML file over the defaults, applies FUSION_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w: %w", err, sentinel.ErrInvalidConfig)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	domains := make(map[string]DomainConfig, len(cfg.Domains))
	for name, d := range cfg.Domains {
		domains[strings.ToLower(strings.TrimSpace(name))] = DomainDefaults(d)
	}
	cfg.Domains = domains
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w: %w", EnvPrefix, key, err, sentinel.ErrInvalidConfig)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("CACHE_DURABLE", &c.Cache.Durable)
	str("BADGER_PATH", &c.Cache.BadgerPath)
	str("REDIS_URL", &c.Redis.URL)
	str("POSTGRES_DSN", &c.Postgres.DSN)

	var brokers string
	str("KAFKA_BROKERS", &brokers)
	if brokers != "" {
		c.Kafka.Brokers = platformstrings.DedupeAndTrim(strings.Split(brokers, ","))
	}

	if err := integer("CYCLE_INTERVAL_SECONDS", &c.Fusion.CycleIntervalSeconds); err != nil {
		return err
	}
	return integer("SHUTDOWN_TIMEOUT_SECONDS", &c.Server.ShutdownTimeoutSeconds)
}

// Validate rejects configurations the service cannot start with. Every error
// wraps sentinel.ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		fail("server.addr is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level %q is invalid", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		fail("logging.format %q is invalid", c.Logging.Format)
	}
	if c.Fusion.CycleIntervalSeconds <= 0 {
		fail("fusion.cycle_interval_seconds must be greater than 0")
	}

	if len(c.Domains) == 0 {
		fail("at least one domain must be configured")
	}
	for _, name := range sortedKeys(c.Domains) {
		if _, err := models.ParseDomain(name); err != nil {
			fail("domains.%s: %v", name, err)
			continue
		}
		if c.Domains[name].URL == "" {
			fail("domains.%s.url is required", name)
		}
	}

	if c.Dedup.TextThreshold <= 0 || c.Dedup.TextThreshold > 1 {
		fail("dedup.text_threshold must be in (0,1]")
	}
	if c.Convergence.RadiusKm <= 0 || math.IsNaN(c.Convergence.RadiusKm) {
		fail("convergence.radius_km must be greater than 0")
	}
	if c.Convergence.TimeWindowMinutes <= 0 {
		fail("convergence.time_window_minutes must be greater than 0")
	}

	if len(c.Domains) > 0 {
		weights, err := c.Weights()
		if err != nil {
			errs = append(errs, err)
		} else {
			for d := range weights {
				if _, ok := c.Domains[string(d)]; !ok {
					fail("instability.weights.%s: no domain configured for weighted domain", d)
				}
			}
		}
	}

	switch c.Cache.Durable {
	case "none", "":
	case "redis":
		if c.Redis.URL == "" {
			fail("redis.url is required when cache.durable is redis")
		}
	case "badger":
		if c.Cache.BadgerPath == "" {
			fail("cache.badger_path is required when cache.durable is badger")
		}
	default:
		fail("cache.durable %q is invalid", c.Cache.Durable)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel.ErrInvalidConfig, errors.Join(errs...))
}

// Weights resolves the configured instability weights. Without explicit
// weights every configured domain gets an equal share.
func (c Config) Weights() (instability.Weights, error) {
	w := make(instability.Weights)
	if len(c.Instability.Weights) == 0 {
		names := sortedKeys(c.Domains)
		for _, name := range names {
			d, err := models.ParseDomain(name)
			if err != nil {
				return nil, fmt.Errorf("domains.%s: %w: %w", name, err, sentinel.ErrInvalidConfig)
			}
			w[d] = 1 / float64(len(names))
		}
		return w, w.Validate()
	}
	for name, v := range c.Instability.Weights {
		d, err := models.ParseDomain(name)
		if err != nil {
			return nil, fmt.Errorf("instability.weights.%s: %w: %w", name, err, sentinel.ErrInvalidConfig)
		}
		w[d] = v
	}
	return w, w.Validate()
}

// Domain returns the configured settings for d with defaults applied.
func (c Config) Domain(d models.Domain) (DomainConfig, bool) {
	dc, ok := c.Domains[string(d)]
	if !ok {
		return DomainConfig{}, false
	}
	return DomainDefaults(dc), true
}

func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.Fusion.CycleIntervalSeconds) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
