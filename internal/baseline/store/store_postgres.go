package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"geofuse/internal/baseline"
	"geofuse/pkg/platform/tx"
)

// Schema creates the samples table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS baseline_samples (
	country     TEXT             NOT NULL,
	metric      TEXT             NOT NULL,
	recorded_at TIMESTAMPTZ      NOT NULL,
	value       DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS baseline_samples_series_idx
	ON baseline_samples (country, metric, recorded_at);
`

// PostgresStore persists baseline samples in PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	horizon time.Duration
}

// NewPostgres constructs a PostgreSQL-backed baseline store.
func NewPostgres(db *sql.DB, opts ...Option) *PostgresStore {
	o := resolve(opts)
	return &PostgresStore{db: db, horizon: o.horizon}
}

// Migrate creates the schema when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate baseline schema: %w", err)
	}
	return nil
}

// Record inserts the sample and prunes the series in one transaction.
func (s *PostgresStore) Record(ctx context.Context, country, metric string, value float64, ts time.Time) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		exec := tx.Exec(ctx, s.db)
		_, err := exec.ExecContext(ctx, `
			INSERT INTO baseline_samples (country, metric, recorded_at, value)
			VALUES ($1, $2, $3, $4)
		`, country, metric, ts.UTC(), value)
		if err != nil {
			return fmt.Errorf("insert baseline sample: %w", err)
		}

		_, err = exec.ExecContext(ctx, `
			DELETE FROM baseline_samples
			WHERE country = $1 AND metric = $2
			  AND recorded_at < (
				SELECT MAX(recorded_at) FROM baseline_samples
				WHERE country = $1 AND metric = $2
			  ) - make_interval(secs => $3)
		`, country, metric, s.horizon.Seconds())
		if err != nil {
			return fmt.Errorf("prune baseline samples: %w", err)
		}
		return nil
	})
}

// Stats aggregates the series inside the horizon.
func (s *PostgresStore) Stats(ctx context.Context, country, metric string) (baseline.Stats, error) {
	var (
		count  int
		mean   sql.NullFloat64
		stddev sql.NullFloat64
	)
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		WITH newest AS (
			SELECT MAX(recorded_at) AS at FROM baseline_samples
			WHERE country = $1 AND metric = $2
		)
		SELECT COUNT(*), AVG(value), STDDEV_POP(value)
		FROM baseline_samples, newest
		WHERE country = $1 AND metric = $2
		  AND recorded_at >= newest.at - make_interval(secs => $3)
	`, country, metric, s.horizon.Seconds()).Scan(&count, &mean, &stddev)
	if err != nil {
		return baseline.Stats{}, fmt.Errorf("query baseline stats: %w", err)
	}
	return baseline.Stats{
		Count:  count,
		Mean:   mean.Float64,
		StdDev: stddev.Float64,
	}, nil
}
