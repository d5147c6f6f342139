package dedup

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"geofuse/internal/signal/models"
)

// =============================================================================
// Deduplicator Test Suite
// =============================================================================
// Justification for unit tests: which representative survives depends on
// ordering, window expiry and thresholds that are easiest to pin with small
// hand-built inputs.

type DedupSuite struct {
	suite.Suite
	t0 time.Time
	d  *Deduplicator
}

func TestDedupSuite(t *testing.T) {
	suite.Run(t, new(DedupSuite))
}

func (s *DedupSuite) SetupTest() {
	s.t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	s.d = New()
}

func (s *DedupSuite) news(id, text string, offset time.Duration) models.RawSignal {
	return models.RawSignal{
		ID:         id,
		Domain:     models.DomainNews,
		Timestamp:  s.t0.Add(offset),
		Text:       text,
		Magnitude:  1,
		Confidence: 0.8,
	}
}

func ids(signals []models.RawSignal) []string {
	out := make([]string, 0, len(signals))
	for _, sig := range signals {
		out = append(out, sig.ID)
	}
	return out
}

func (s *DedupSuite) TestEmptyInput() {
	out := s.d.Dedupe(nil)
	s.NotNil(out)
	s.Empty(out)
}

func (s *DedupSuite) TestNearIdenticalHeadlinesKeepEarliest() {
	port := &models.LatLon{Lat: 36.95, Lon: -76.33}
	later := s.news("b", "Navy vessel departs port", 10*time.Minute)
	later.Location = port
	earlier := s.news("a", "Navy ship departs port", 0)
	earlier.Location = &models.LatLon{Lat: port.Lat, Lon: port.Lon}

	out := s.d.Dedupe([]models.RawSignal{later, earlier})
	s.Require().Len(out, 1)
	s.Equal("a", out[0].ID)
	s.Equal(s.t0, out[0].Timestamp)
}

func (s *DedupSuite) TestAllDuplicatesCollapseToOne() {
	var in []models.RawSignal
	for i := 0; i < 5; i++ {
		in = append(in, s.news(fmt.Sprintf("n%d", i), "Earthquake strikes coastal city", time.Duration(i)*time.Minute))
	}
	out := s.d.Dedupe(in)
	s.Equal([]string{"n0"}, ids(out))
}

func (s *DedupSuite) TestOutsideWindowIsKept() {
	in := []models.RawSignal{
		s.news("a", "Navy ship departs port", 0),
		s.news("b", "Navy ship departs port", 3*time.Hour),
	}
	s.Equal([]string{"a", "b"}, ids(s.d.Dedupe(in)))
}

func (s *DedupSuite) TestDifferentDomainsAreKeptByDefault() {
	a := s.news("a", "Port closed after explosion", 0)
	b := s.news("b", "Port closed after explosion", time.Minute)
	b.Domain = models.DomainMaritime

	s.Len(s.d.Dedupe([]models.RawSignal{a, b}), 2)
	s.Len(New(WithCrossDomain()).Dedupe([]models.RawSignal{a, b}), 1)
}

func (s *DedupSuite) TestNoTextNoLocationPassThrough() {
	in := []models.RawSignal{
		{ID: "x", Domain: models.DomainCyber, Timestamp: s.t0, Magnitude: 1},
		{ID: "y", Domain: models.DomainCyber, Timestamp: s.t0, Magnitude: 1},
	}
	s.Equal([]string{"x", "y"}, ids(s.d.Dedupe(in)))
}

func (s *DedupSuite) TestSameLocationAndMagnitude() {
	loc := models.LatLon{Lat: 38.3, Lon: 142.4}
	near := models.LatLon{Lat: 38.3001, Lon: 142.4001}
	in := []models.RawSignal{
		{ID: "usgs", Domain: models.DomainSeismic, Timestamp: s.t0, Location: &loc, Magnitude: 6.1},
		{ID: "emsc", Domain: models.DomainSeismic, Timestamp: s.t0.Add(2 * time.Minute), Location: &near, Magnitude: 6.15},
		{ID: "after", Domain: models.DomainSeismic, Timestamp: s.t0.Add(4 * time.Minute), Location: &near, Magnitude: 4.8},
	}
	s.Equal([]string{"usgs", "after"}, ids(s.d.Dedupe(in)))
}

func (s *DedupSuite) TestInputIsNotMutated() {
	loc := models.LatLon{Lat: 1, Lon: 1}
	in := []models.RawSignal{s.news("b", "x y z", time.Minute), s.news("a", "q r s", 0)}
	in[0].Location = &loc

	out := s.d.Dedupe(in)
	out[1].Location.Lat = 50
	s.Equal("b", in[0].ID)
	s.Equal(1.0, loc.Lat)
}

func (s *DedupSuite) TestIdempotent() {
	rng := rand.New(rand.NewSource(7))
	words := []string{"navy", "ship", "port", "strike", "protest", "capital", "outage", "grid", "storm"}
	for round := 0; round < 50; round++ {
		var in []models.RawSignal
		for i := 0; i < 40; i++ {
			text := ""
			for w := 0; w < 1+rng.Intn(4); w++ {
				text += words[rng.Intn(len(words))] + " "
			}
			sig := s.news(fmt.Sprintf("s%02d", i), text, time.Duration(rng.Intn(300))*time.Minute)
			if rng.Intn(3) == 0 {
				sig.Text = ""
				sig.Location = &models.LatLon{Lat: float64(rng.Intn(3)) * 0.001, Lon: 0}
				sig.Magnitude = float64(rng.Intn(2))
			}
			in = append(in, sig)
		}
		once := s.d.Dedupe(in)
		twice := s.d.Dedupe(once)
		s.Equal(ids(once), ids(twice), "round %d", round)
	}
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 0.6, Similarity("Navy ship departs port", "Navy vessel departs port"), 1e-12)
	assert.Equal(t, 1.0, Similarity("Port CLOSED!", "port closed"))
	assert.Equal(t, 0.0, Similarity("", "anything"))
	assert.Equal(t, 0.0, Similarity("", ""))
}
