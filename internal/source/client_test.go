package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"geofuse/internal/cache"
	"geofuse/internal/signal/models"
	"geofuse/internal/source/mocks"
	"geofuse/pkg/platform/circuit"
	"geofuse/pkg/platform/sentinel"
)

// =============================================================================
// Source Client Test Suite
// =============================================================================
// Justification for unit tests: the mapping from breaker state and cache
// contents to a result status is the contract the orchestrator relies on, and
// "the fetch was not attempted" is only observable through a strict mock.

type ClientSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	fetcher *mocks.MockFetcher
	cache   *cache.TieredCache[Snapshot]
	breaker *circuit.Breaker
	client  *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	ctrl := gomock.NewController(s.T())
	s.T().Cleanup(ctrl.Finish)
	s.fetcher = mocks.NewMockFetcher(ctrl)
	s.fetcher.EXPECT().Domain().Return(models.DomainMilitary).AnyTimes()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cache = cache.New[Snapshot](cache.WithClock(clock), cache.WithLogger(logger))
	s.breaker = circuit.New("military",
		circuit.WithFailureThreshold(2),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(clock),
	)
	s.client = NewClient(s.fetcher, s.cache,
		WithBreaker(s.breaker),
		WithClock(clock),
		WithLogger(logger),
		WithTimeout(50*time.Millisecond),
	)
}

func (s *ClientSuite) expectLive(signals []models.RawSignal) {
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return([]byte(`payload`), nil)
	s.fetcher.EXPECT().Normalize([]byte(`payload`)).Return(signals, nil)
}

func (s *ClientSuite) expectFailure() {
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return(nil, errors.New("connection reset"))
}

func sampleSignals() []models.RawSignal {
	return []models.RawSignal{
		{ID: "m1", Country: "ua", Magnitude: 1, Confidence: 1},
		{ID: "m2", Country: "UA", Magnitude: 1, Confidence: 1},
	}
}

// =============================================================================
// Poll
// =============================================================================

func (s *ClientSuite) TestLivePoll() {
	s.expectLive(sampleSignals())

	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusLive, res.Status)
	s.Equal(cache.FreshnessLive, res.Freshness)
	s.NoError(res.Cause)
	s.Len(res.Signals, 2)
	s.Equal(models.DomainMilitary, res.Signals[0].Domain, "domain is stamped by the client")
	s.InDelta(1-math.Exp(-2), res.SubScores["UA"], 1e-12)

	entry, ok := s.cache.Get(s.ctx, CacheKey(models.DomainMilitary))
	s.Require().True(ok)
	s.Len(entry.Data.Signals, 2)
}

func (s *ClientSuite) TestEmptyLivePollIsNotAnError() {
	s.expectLive(nil)

	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusLive, res.Status)
	s.Empty(res.Signals)
	s.NoError(res.Cause)
}

func (s *ClientSuite) TestFailureWithoutCacheIsError() {
	s.expectFailure()

	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusError, res.Status)
	s.Equal(ErrorUpstreamUnavailable, GetCategory(res.Cause))
	s.True(IsRetryable(res.Cause))
	s.Equal(circuit.StateClosed, s.breaker.State())
}

func (s *ClientSuite) TestFailureServesCache() {
	s.expectLive(sampleSignals())
	s.client.Poll(s.ctx)

	s.now = s.now.Add(time.Minute)
	s.expectFailure()
	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusCached, res.Status)
	s.Equal(cache.FreshnessCached, res.Freshness)
	s.Len(res.Signals, 2)
	s.Error(res.Cause)
	s.Equal(s.now.Add(-time.Minute), res.UpdatedAt)
}

func (s *ClientSuite) TestOpenBreakerSkipsFetch() {
	s.expectFailure()
	s.expectFailure()
	s.client.Poll(s.ctx)
	second := s.client.Poll(s.ctx)
	s.Equal(models.StatusDegraded, second.Status)
	s.Require().Equal(circuit.StateOpen, s.breaker.State())

	// no further Fetch expectation: a call here would fail the test
	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusDegraded, res.Status)
	s.Equal(ErrorDegraded, GetCategory(res.Cause))
	s.ErrorIs(res.Cause, circuit.ErrOpen)
}

func (s *ClientSuite) TestOpenBreakerServesCacheWithinOneCall() {
	s.expectLive(sampleSignals())
	s.client.Poll(s.ctx)
	s.expectFailure()
	s.expectFailure()
	s.client.Poll(s.ctx)
	s.client.Poll(s.ctx)
	s.Require().True(s.breaker.IsOpen())

	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusCached, res.Status)
	s.Len(res.Signals, 2)
	s.ErrorIs(res.Cause, circuit.ErrOpen)
}

func (s *ClientSuite) TestHalfOpenTrialRecovers() {
	s.expectFailure()
	s.expectFailure()
	s.client.Poll(s.ctx)
	s.client.Poll(s.ctx)

	s.now = s.now.Add(time.Minute)
	s.expectLive(sampleSignals())
	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusLive, res.Status)
	s.Equal(circuit.StateClosed, s.breaker.State())
}

func (s *ClientSuite) TestMalformedPayloadCountsAsFailure() {
	for i := 0; i < 2; i++ {
		s.fetcher.EXPECT().Fetch(gomock.Any()).Return([]byte(`{`), nil)
		s.fetcher.EXPECT().Normalize([]byte(`{`)).Return(nil, errors.New("unexpected EOF"))
	}
	first := s.client.Poll(s.ctx)
	s.Equal(ErrorMalformedPayload, GetCategory(first.Cause))
	s.False(IsRetryable(first.Cause))

	s.client.Poll(s.ctx)
	s.Equal(circuit.StateOpen, s.breaker.State())
}

func (s *ClientSuite) TestTimeoutCountsAsFailure() {
	s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := s.client.Poll(s.ctx)
	s.Equal(models.StatusError, res.Status)
	s.Equal(ErrorUpstreamTimeout, GetCategory(res.Cause))
	s.Equal(1, s.breaker.Snapshot().FailureCount)
}

// =============================================================================
// Latest
// =============================================================================

func (s *ClientSuite) TestLatestBeforeFirstPoll() {
	res := s.client.Latest(s.ctx)
	s.Equal(models.StatusError, res.Status)
	s.ErrorIs(res.Cause, ErrNotPolled)

	s.cache.Put(s.ctx, CacheKey(models.DomainMilitary), Snapshot{Signals: sampleSignals()})
	res = s.client.Latest(s.ctx)
	s.Equal(models.StatusCached, res.Status)
	s.Len(res.Signals, 2)
}

func (s *ClientSuite) TestLatestIsACopy() {
	s.expectLive(sampleSignals())
	s.client.Poll(s.ctx)

	got := s.client.Latest(s.ctx)
	got.Signals[0].ID = "mutated"
	got.SubScores["UA"] = 0

	again := s.client.Latest(s.ctx)
	s.Equal("m1", again.Signals[0].ID)
	s.NotZero(again.SubScores["UA"])
}

func (s *ClientSuite) TestRunPollsUntilCancelled() {
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return([]byte(`p`), nil).MinTimes(1)
	s.fetcher.EXPECT().Normalize(gomock.Any()).Return(nil, nil).MinTimes(1)

	client := NewClient(s.fetcher, s.cache, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Millisecond)
	defer cancel()
	s.NoError(client.Run(ctx))
	s.Contains([]models.Status{models.StatusLive, models.StatusCached}, client.Latest(s.ctx).Status)
}

// =============================================================================
// Registry and sub-scores
// =============================================================================

type stubFetcher struct {
	domain models.Domain
}

func (f stubFetcher) Domain() models.Domain                        { return f.domain }
func (f stubFetcher) Fetch(context.Context) ([]byte, error)        { return nil, nil }
func (f stubFetcher) Normalize([]byte) ([]models.RawSignal, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubFetcher{domain: models.DomainCyber}))
	require.NoError(t, r.Register(stubFetcher{domain: models.DomainNews}))

	t.Run("duplicate domain", func(t *testing.T) {
		err := r.Register(stubFetcher{domain: models.DomainCyber})
		assert.ErrorIs(t, err, ErrDuplicateFetcher)
		assert.True(t, IsConfigError(err))
	})

	t.Run("unknown domain", func(t *testing.T) {
		err := r.Register(stubFetcher{domain: "weather"})
		assert.ErrorIs(t, err, sentinel.ErrInvalidConfig)
	})

	t.Run("require", func(t *testing.T) {
		assert.NoError(t, r.Require([]models.Domain{models.DomainCyber}))
		err := r.Require([]models.Domain{models.DomainCyber, models.DomainSeismic, models.DomainAviation})
		assert.ErrorIs(t, err, ErrMissingFetcher)
		assert.ErrorIs(t, err, sentinel.ErrInvalidConfig)
		assert.Contains(t, err.Error(), "aviation, seismic")
	})

	assert.Equal(t, []models.Domain{models.DomainCyber, models.DomainNews}, r.Domains())
}

func TestSaturatingSubScores(t *testing.T) {
	scores := SaturatingSubScores(2).SubScores([]models.RawSignal{
		{Country: "fr", Magnitude: 2, Confidence: 0.5},
		{Country: "FR", Magnitude: 1, Confidence: 1},
		{Country: "de", Magnitude: -4, Confidence: 1},
		{Magnitude: 10, Confidence: 1},
		{Country: "IT", Magnitude: 1, Confidence: 7},
	})

	assert.InDelta(t, 1-math.Exp(-1), scores["FR"], 1e-12)
	assert.Equal(t, 0.0, scores["DE"])
	assert.InDelta(t, 1-math.Exp(-0.5), scores["IT"], 1e-12)
	assert.Len(t, scores, 3)
}

func TestSourceErrorFormatting(t *testing.T) {
	err := NewSourceError(ErrorUpstreamTimeout, models.DomainSeismic, "no response", context.DeadlineExceeded)
	assert.Equal(t, "source seismic [upstream_timeout]: no response: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ErrorInternal, GetCategory(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
