//go:build integration

package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"geofuse/internal/instability"
	"geofuse/internal/instability/archive"
	"geofuse/internal/signal/models"
	"geofuse/pkg/testutil/containers"
)

type ArchiveSuite struct {
	suite.Suite
	pool    *pgxpool.Pool
	archive *archive.Postgres
}

func TestArchiveSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ArchiveSuite))
}

func (s *ArchiveSuite) SetupSuite() {
	ctx := context.Background()
	pg := containers.GetManager().GetPostgres(s.T())
	pool, err := pgxpool.New(ctx, pg.DSN)
	s.Require().NoError(err)
	s.pool = pool
	s.archive = archive.NewPostgres(pool)
	s.Require().NoError(s.archive.Migrate(ctx))
}

func (s *ArchiveSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *ArchiveSuite) SetupTest() {
	_, err := s.pool.Exec(context.Background(), "TRUNCATE cii_records")
	s.Require().NoError(err)
}

func (s *ArchiveSuite) TestAppendAndHistory() {
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	records := []instability.Record{
		{
			ISO2:      "UA",
			Timestamp: t0,
			SubScores: map[models.Domain]float64{models.DomainMilitary: 0.8},
			Composite: 0.4,
			CII:       40,
			Trend:     instability.TrendNew,
		},
		{
			ISO2:              "UA",
			Timestamp:         t0.Add(time.Minute),
			SubScores:         map[models.Domain]float64{models.DomainMilitary: 0.9},
			Composite:         0.45,
			BaselineDeviation: 1.5,
			BaselineSamples:   8,
			CII:               52.5,
			Trend:             instability.TrendRising,
		},
		{ISO2: "FR", Timestamp: t0, SubScores: map[models.Domain]float64{}, Trend: instability.TrendNew},
	}
	s.Require().NoError(s.archive.Append(ctx, records))

	history, err := s.archive.History(ctx, "UA", 10)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(records[1], history[0])
	s.Equal(records[0].SubScores, history[1].SubScores)
}

func (s *ArchiveSuite) TestAppendEmptyIsNoop() {
	s.NoError(s.archive.Append(context.Background(), nil))
}
