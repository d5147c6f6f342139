package geo

import (
	"math"

	"geofuse/internal/signal/models"
)

// EarthRadiusKm is the IUGG mean earth radius.
const EarthRadiusKm = 6371.0088

const kmPerDegreeLat = math.Pi * EarthRadiusKm / 180

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceKm returns the great-circle (haversine) distance between two points.
func DistanceKm(a, b models.LatLon) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLat := lat2 - lat1
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// WeightedPoint is a coordinate with a non-negative weight.
type WeightedPoint struct {
	Point  models.LatLon
	Weight float64
}

// WeightedCentroid averages points on the unit sphere, so groups straddling the
// antimeridian average to a point near ±180° rather than near 0°. Negative and
// non-finite weights count as zero; when every weight is zero the points are
// weighted equally.
func WeightedCentroid(points []WeightedPoint) (models.LatLon, bool) {
	if len(points) == 0 {
		return models.LatLon{}, false
	}

	total := 0.0
	for _, p := range points {
		total += usableWeight(p.Weight)
	}
	equal := total == 0

	var x, y, z float64
	for _, p := range points {
		w := usableWeight(p.Weight)
		if equal {
			w = 1
		}
		lat, lon := toRad(p.Point.Lat), toRad(p.Point.Lon)
		x += w * math.Cos(lat) * math.Cos(lon)
		y += w * math.Cos(lat) * math.Sin(lon)
		z += w * math.Sin(lat)
	}

	hyp := math.Hypot(x, y)
	if hyp == 0 && z == 0 {
		// antipodal points cancel out; no meaningful centre
		return models.LatLon{}, false
	}
	return models.LatLon{
		Lat: toDeg(math.Atan2(z, hyp)),
		Lon: toDeg(math.Atan2(y, x)),
	}, true
}

func usableWeight(w float64) float64 {
	if !(w > 0) || math.IsInf(w, 1) {
		return 0
	}
	return w
}
