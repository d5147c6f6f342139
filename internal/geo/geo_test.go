package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/sentinel"
)

func TestDistanceKm(t *testing.T) {
	t.Run("same point is zero", func(t *testing.T) {
		p := models.LatLon{Lat: 35, Lon: 139}
		assert.InDelta(t, 0, DistanceKm(p, p), 1e-9)
	})

	t.Run("one degree of latitude", func(t *testing.T) {
		d := DistanceKm(models.LatLon{Lat: 0, Lon: 0}, models.LatLon{Lat: 1, Lon: 0})
		assert.InDelta(t, 111.19, d, 0.01)
	})

	t.Run("across the antimeridian is short", func(t *testing.T) {
		d := DistanceKm(models.LatLon{Lat: 0, Lon: 179.9}, models.LatLon{Lat: 0, Lon: -179.9})
		assert.InDelta(t, 22.24, d, 0.01)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := models.LatLon{Lat: 51.5, Lon: -0.12}
		b := models.LatLon{Lat: 48.85, Lon: 2.35}
		assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
	})
}

func TestWeightedCentroid(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, ok := WeightedCentroid(nil)
		assert.False(t, ok)
	})

	t.Run("straddling antimeridian", func(t *testing.T) {
		c, ok := WeightedCentroid([]WeightedPoint{
			{Point: models.LatLon{Lat: 10, Lon: 179}, Weight: 1},
			{Point: models.LatLon{Lat: 10, Lon: -179}, Weight: 1},
		})
		require.True(t, ok)
		assert.InDelta(t, 180, math.Abs(c.Lon), 1e-6)
		assert.InDelta(t, 10, c.Lat, 0.01)
	})

	t.Run("weights pull toward heavier point", func(t *testing.T) {
		c, ok := WeightedCentroid([]WeightedPoint{
			{Point: models.LatLon{Lat: 0, Lon: 0}, Weight: 3},
			{Point: models.LatLon{Lat: 0, Lon: 4}, Weight: 1},
		})
		require.True(t, ok)
		assert.Less(t, c.Lon, 2.0)
		assert.Greater(t, c.Lon, 0.0)
	})

	t.Run("zero weights fall back to equal weighting", func(t *testing.T) {
		c, ok := WeightedCentroid([]WeightedPoint{
			{Point: models.LatLon{Lat: 0, Lon: 0}},
			{Point: models.LatLon{Lat: 0, Lon: 2}},
		})
		require.True(t, ok)
		assert.InDelta(t, 1, c.Lon, 1e-9)
	})

	t.Run("non-finite weights count as zero", func(t *testing.T) {
		c, ok := WeightedCentroid([]WeightedPoint{
			{Point: models.LatLon{Lat: 0, Lon: 0}, Weight: math.NaN()},
			{Point: models.LatLon{Lat: 0, Lon: 2}, Weight: 1},
			{Point: models.LatLon{Lat: 0, Lon: 4}, Weight: math.Inf(1)},
		})
		require.True(t, ok)
		assert.InDelta(t, 2, c.Lon, 1e-9)
		assert.False(t, math.IsNaN(c.Lat))
	})
}

// =============================================================================
// Spatial Index Test Suite
// =============================================================================
// Justification for unit tests: the grid wraps longitude and widens near the
// poles; both are edge cases that a brute-force comparison pins down exactly.

type IndexSuite struct {
	suite.Suite
}

func TestIndexSuite(t *testing.T) {
	suite.Run(t, new(IndexSuite))
}

func (s *IndexSuite) TestInsertRejectsInvalidPoints() {
	ix := NewIndex(1)
	s.ErrorIs(ix.Insert("nan", math.NaN(), 0), sentinel.ErrInvalidInput)
	s.ErrorIs(ix.Insert("lat", 91, 0), sentinel.ErrInvalidInput)
	s.ErrorIs(ix.Insert("lon", 0, 181), sentinel.ErrInvalidInput)
	s.Equal(0, ix.Len())
}

func (s *IndexSuite) TestQueryFiltersByRadius() {
	ix := NewIndex(CellSizeFor(50))
	s.Require().NoError(ix.Insert("tokyo", 35.0, 139.0))
	s.Require().NoError(ix.Insert("near", 35.01, 139.01))
	s.Require().NoError(ix.Insert("osaka", 34.69, 135.5))

	s.Equal([]string{"near", "tokyo"}, ix.Query(35.0, 139.0, 50))
	s.Equal([]string{"near", "osaka", "tokyo"}, ix.Query(35.0, 139.0, 500))
}

func (s *IndexSuite) TestQueryCrossesAntimeridian() {
	ix := NewIndex(CellSizeFor(50))
	s.Require().NoError(ix.Insert("east", 0, 179.9))
	s.Require().NoError(ix.Insert("west", 0, -179.9))

	s.Equal([]string{"east", "west"}, ix.Query(0, 179.9, 50))
	s.Equal([]string{"east", "west"}, ix.Query(0, -179.9, 50))
	s.Equal([]string{"east", "west"}, ix.Query(0, 180, 50))
}

func (s *IndexSuite) TestQueryNearPole() {
	ix := NewIndex(CellSizeFor(100))
	s.Require().NoError(ix.Insert("a", 89.7, 0))
	s.Require().NoError(ix.Insert("b", 89.7, 180))
	s.Require().NoError(ix.Insert("c", 89.7, -90))

	// every point is ~33km from the pole, so any two are within ~67km
	s.Equal([]string{"a", "b", "c"}, ix.Query(89.7, 0, 100))
	s.Equal([]string{"a", "b", "c"}, ix.Query(90, 0, 40))
}

func (s *IndexSuite) TestQueryMatchesBruteForce() {
	ix := NewIndex(2)
	points := map[string]models.LatLon{}
	n := 0
	for lat := -80.0; lat <= 80; lat += 7.3 {
		for lon := -180.0; lon < 180; lon += 11.1 {
			id := string(rune('A'+n%26)) + string(rune('a'+(n/26)%26)) + string(rune('0'+(n/676)%10))
			points[id] = models.LatLon{Lat: lat, Lon: lon}
			s.Require().NoError(ix.Insert(id, lat, lon))
			n++
		}
	}

	centers := []models.LatLon{{Lat: 0, Lon: 0}, {Lat: 60, Lon: 175}, {Lat: -75, Lon: -170}, {Lat: 33, Lon: -179.5}}
	for _, c := range centers {
		for _, r := range []float64{100, 800, 2500} {
			var want []string
			for id, p := range points {
				if DistanceKm(c, p) <= r {
					want = append(want, id)
				}
			}
			got := ix.Query(c.Lat, c.Lon, r)
			s.ElementsMatch(want, got, "center=%v radius=%v", c, r)
		}
	}
}

func (s *IndexSuite) TestInvalidQueryReturnsNothing() {
	ix := NewIndex(1)
	s.Require().NoError(ix.Insert("a", 0, 0))
	s.Empty(ix.Query(math.NaN(), 0, 10))
	s.Empty(ix.Query(0, 0, -1))
}

func TestCellSizeFor(t *testing.T) {
	assert.Equal(t, defaultCellDeg, CellSizeFor(0))
	assert.InDelta(t, 50/kmPerDegreeLat, CellSizeFor(50), 1e-12)
	assert.Equal(t, float64(maxCellDeg), CellSizeFor(1e6))
}
