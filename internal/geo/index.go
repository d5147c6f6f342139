// Package geo provides great-circle helpers and a grid-backed spatial index.
package geo

import (
	"fmt"
	"math"
	"sort"

	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/sentinel"
)

const (
	defaultCellDeg = 0.5
	minCellDeg     = 0.01
	maxCellDeg     = 30
)

type cellKey struct {
	row, col int
}

type point struct {
	id string
	p  models.LatLon
}

// Index is a uniform latitude/longitude grid answering radius queries.
// Longitude columns wrap modulo 360°, so a query near the antimeridian reaches
// points on the other side. It is not safe for concurrent mutation; it is meant
// to be rebuilt per scoring cycle.
type Index struct {
	cellDeg  float64
	latCells int
	lonCells int
	cells    map[cellKey][]point
	count    int
}

// NewIndex creates an empty index with the given cell size in degrees.
func NewIndex(cellDeg float64) *Index {
	if cellDeg <= 0 || math.IsNaN(cellDeg) {
		cellDeg = defaultCellDeg
	}
	cellDeg = math.Min(math.Max(cellDeg, minCellDeg), maxCellDeg)
	return &Index{
		cellDeg:  cellDeg,
		latCells: int(math.Ceil(180 / cellDeg)),
		lonCells: int(math.Ceil(360 / cellDeg)),
		cells:    make(map[cellKey][]point),
	}
}

// CellSizeFor picks a cell size so that a query of radiusKm at mid latitudes
// touches about a 3x3 block of cells.
func CellSizeFor(radiusKm float64) float64 {
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		return defaultCellDeg
	}
	return math.Min(math.Max(radiusKm/kmPerDegreeLat, minCellDeg), maxCellDeg)
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	return ix.count
}

// Insert adds a point. Non-finite or out-of-range coordinates are rejected.
func (ix *Index) Insert(id string, lat, lon float64) error {
	p := models.LatLon{Lat: lat, Lon: lon}
	if !p.Valid() {
		return fmt.Errorf("insert %q at (%v, %v): %w", id, lat, lon, sentinel.ErrInvalidInput)
	}
	key := cellKey{row: ix.row(lat), col: ix.col(lon)}
	ix.cells[key] = append(ix.cells[key], point{id: id, p: p})
	ix.count++
	return nil
}

// Query returns the sorted ids of all points within radiusKm of (lat, lon).
func (ix *Index) Query(lat, lon, radiusKm float64) []string {
	center := models.LatLon{Lat: lat, Lon: lon}
	if !center.Valid() || radiusKm < 0 || math.IsNaN(radiusKm) {
		return nil
	}

	dLat := radiusKm / kmPerDegreeLat
	minRow := ix.row(math.Max(lat-dLat, -90))
	maxRow := ix.row(math.Min(lat+dLat, 90))

	var ids []string
	for row := minRow; row <= maxRow; row++ {
		for _, col := range ix.columns(lat, lon, dLat) {
			for _, pt := range ix.cells[cellKey{row: row, col: col}] {
				if DistanceKm(center, pt.p) <= radiusKm {
					ids = append(ids, pt.id)
				}
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// columns lists the longitude columns a cap of angular radius dLat (degrees)
// centred at (lat, lon) can touch. A cap that reaches a pole touches them all.
func (ix *Index) columns(lat, lon, dLat float64) []int {
	all := func() []int {
		cols := make([]int, ix.lonCells)
		for i := range cols {
			cols[i] = i
		}
		return cols
	}

	if lat+dLat >= 90 || lat-dLat <= -90 {
		return all()
	}
	ratio := math.Sin(toRad(dLat)) / math.Cos(toRad(lat))
	if ratio >= 1 {
		return all()
	}
	dLon := toDeg(math.Asin(ratio))

	span := int(math.Ceil(dLon/ix.cellDeg)) + 1
	if 2*span+1 >= ix.lonCells {
		return all()
	}
	center := ix.col(lon)
	cols := make([]int, 0, 2*span+1)
	for off := -span; off <= span; off++ {
		cols = append(cols, mod(center+off, ix.lonCells))
	}
	return cols
}

func (ix *Index) row(lat float64) int {
	r := int(math.Floor((lat + 90) / ix.cellDeg))
	if r < 0 {
		return 0
	}
	if r >= ix.latCells {
		return ix.latCells - 1
	}
	return r
}

func (ix *Index) col(lon float64) int {
	return mod(int(math.Floor((lon+180)/ix.cellDeg)), ix.lonCells)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
