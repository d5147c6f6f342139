// Package archive stores committed instability records in PostgreSQL.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geofuse/internal/instability"
	"geofuse/internal/signal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS cii_records (
	iso2        TEXT             NOT NULL,
	recorded_at TIMESTAMPTZ      NOT NULL,
	composite   DOUBLE PRECISION NOT NULL,
	deviation   DOUBLE PRECISION NOT NULL,
	samples     INTEGER          NOT NULL,
	cii         DOUBLE PRECISION NOT NULL,
	trend       TEXT             NOT NULL,
	sub_scores  JSONB            NOT NULL
);
CREATE INDEX IF NOT EXISTS cii_records_country_idx ON cii_records (iso2, recorded_at DESC);
`

var columns = []string{"iso2", "recorded_at", "composite", "deviation", "samples", "cii", "trend", "sub_scores"}

// Postgres appends records with COPY.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the archive table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate cii archive: %w", err)
	}
	return nil
}

// Append copies records into the archive in one round trip.
func (p *Postgres) Append(ctx context.Context, records []instability.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		sub, err := json.Marshal(r.SubScores)
		if err != nil {
			return fmt.Errorf("encode sub-scores for %s: %w", r.ISO2, err)
		}
		rows = append(rows, []any{
			r.ISO2, r.Timestamp.UTC(), r.Composite, r.BaselineDeviation,
			int32(r.BaselineSamples), r.CII, string(r.Trend), string(sub),
		})
	}

	n, err := p.pool.CopyFrom(ctx, pgx.Identifier{"cii_records"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy cii records: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("copy cii records: wrote %d of %d", n, len(records))
	}
	return nil
}

// History returns up to limit records for a country, newest first.
func (p *Postgres) History(ctx context.Context, iso2 string, limit int) ([]instability.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT iso2, recorded_at, composite, deviation, samples, cii, trend, sub_scores
		FROM cii_records
		WHERE iso2 = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, iso2, limit)
	if err != nil {
		return nil, fmt.Errorf("query cii history: %w", err)
	}
	defer rows.Close()

	var out []instability.Record
	for rows.Next() {
		var (
			rec     instability.Record
			at      time.Time
			samples int32
			trend   string
			sub     []byte
		)
		if err := rows.Scan(&rec.ISO2, &at, &rec.Composite, &rec.BaselineDeviation, &samples, &rec.CII, &trend, &sub); err != nil {
			return nil, fmt.Errorf("scan cii record: %w", err)
		}
		rec.Timestamp = at.UTC()
		rec.BaselineSamples = int(samples)
		rec.Trend = instability.Trend(trend)
		rec.SubScores = make(map[models.Domain]float64)
		if err := json.Unmarshal(sub, &rec.SubScores); err != nil {
			return nil, fmt.Errorf("decode sub-scores: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cii history: %w", err)
	}
	return out, nil
}
