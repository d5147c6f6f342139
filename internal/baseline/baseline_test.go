package baseline_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"geofuse/internal/baseline"
	"geofuse/internal/baseline/store"
	"geofuse/pkg/platform/sentinel"
)

// =============================================================================
// Baseline Service Test Suite
// =============================================================================
// Justification for unit tests: the minimum-sample cutoff, epsilon floor and
// clamp are exact numeric rules.

type ServiceSuite struct {
	suite.Suite
	ctx     context.Context
	t0      time.Time
	store   *store.InMemory
	service *baseline.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.store = store.NewInMemory()
	s.service = baseline.New(s.store)
}

func (s *ServiceSuite) record(values ...float64) {
	for i, v := range values {
		s.Require().NoError(s.service.Record(s.ctx, "ua", "composite", v, s.t0.Add(time.Duration(i)*time.Hour)))
	}
}

func (s *ServiceSuite) TestZeroBelowMinimumSamples() {
	s.record(0.1, 0.2, 0.3, 0.4, 0.5, 0.6)

	dev, err := s.service.Deviation(s.ctx, "UA", "composite", 0.99)
	s.Require().NoError(err)
	s.Equal(0.0, dev.Value)
	s.False(dev.Sufficient)
	s.Equal(6, dev.Samples)
}

func (s *ServiceSuite) TestZScoreAtMinimumSamples() {
	// mean 0.4, population stddev 0.2
	s.record(0.2, 0.6, 0.2, 0.6, 0.2, 0.6, 0.4)

	dev, err := s.service.Deviation(s.ctx, "UA", "composite", 0.6)
	s.Require().NoError(err)
	s.True(dev.Sufficient)
	s.Equal(7, dev.Samples)

	stats, err := s.store.Stats(s.ctx, "UA", "composite")
	s.Require().NoError(err)
	want := (0.6 - stats.Mean) / stats.StdDev
	s.InDelta(want, dev.Value, 1e-9)
	s.Greater(dev.Value, 0.0)
}

func (s *ServiceSuite) TestClampedToBounds() {
	s.record(0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5)

	high, err := s.service.Deviation(s.ctx, "UA", "composite", 1.0)
	s.Require().NoError(err)
	s.Equal(5.0, high.Value)

	low, err := s.service.Deviation(s.ctx, "UA", "composite", 0.0)
	s.Require().NoError(err)
	s.Equal(-5.0, low.Value)

	same, err := s.service.Deviation(s.ctx, "UA", "composite", 0.5)
	s.Require().NoError(err)
	s.Equal(0.0, same.Value)
}

func (s *ServiceSuite) TestEpsilonFloorsFlatHistory() {
	svc := baseline.New(s.store, baseline.WithEpsilon(0.1), baseline.WithClamp(10))
	s.record(0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5)

	dev, err := svc.Deviation(s.ctx, "UA", "composite", 0.6)
	s.Require().NoError(err)
	s.InDelta(1.0, dev.Value, 1e-9)
}

func (s *ServiceSuite) TestSeriesAreIndependent() {
	s.record(1, 1, 1, 1, 1, 1, 1)
	dev, err := s.service.Deviation(s.ctx, "FR", "composite", 1)
	s.Require().NoError(err)
	s.Equal(0, dev.Samples)
}

func (s *ServiceSuite) TestRejectsInvalidSamples() {
	s.ErrorIs(s.service.Record(s.ctx, "", "composite", 1, s.t0), sentinel.ErrInvalidInput)
	s.ErrorIs(s.service.Record(s.ctx, "UA", "composite", math.NaN(), s.t0), sentinel.ErrInvalidInput)
	s.ErrorIs(s.service.Record(s.ctx, "UA", "composite", math.Inf(1), s.t0), sentinel.ErrInvalidInput)
}
