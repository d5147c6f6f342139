// Package convergence finds places where independent domains report activity
// at the same time.
package convergence

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"geofuse/internal/geo"
	"geofuse/internal/platform/metrics"
	"geofuse/internal/signal/models"
)

// DefaultDomainBonus is the extra score weight per additional distinct domain.
const DefaultDomainBonus = 0.5

// Cluster is a co-located, co-temporal group of signals from at least two domains.
type Cluster struct {
	ID        string          `json:"id"`
	Centroid  models.LatLon   `json:"centroid"`
	RadiusKm  float64         `json:"radius_km"`
	Domains   []models.Domain `json:"domains"`
	Members   []string        `json:"members"`
	FirstSeen time.Time       `json:"first_seen"`
	LastSeen  time.Time       `json:"last_seen"`
	Score     float64         `json:"score"`
}

// Result is the outcome of one detection pass.
type Result struct {
	Clusters []Cluster
	// Dropped counts malformed signals (empty id, invalid coordinates, or a
	// non-finite magnitude or confidence).
	Dropped int
	// Unlocated counts well-formed signals without a location.
	Unlocated int
}

type Detector struct {
	domainBonus float64
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Detector)

func WithDomainBonus(b float64) Option {
	return func(d *Detector) {
		if b >= 0 {
			d.domainBonus = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

func New(opts ...Option) *Detector {
	d := &Detector{
		domainBonus: DefaultDomainBonus,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect groups located signals into convergence clusters. Signals from
// different domains within radiusKm and timeWindow of each other are joined;
// each resulting group is then trimmed until every member lies within radiusKm
// of the group's magnitude-weighted centroid and the group spans at most
// timeWindow. Trimmed members are grouped again on their own, so a chain that
// links two real clusters yields both. Groups left with fewer than two domains
// are discarded. Output is ordered by score descending, then id.
func (d *Detector) Detect(signals []models.RawSignal, radiusKm float64, timeWindow time.Duration) Result {
	var res Result
	located := make([]models.RawSignal, 0, len(signals))
	for _, s := range signals {
		switch {
		case s.ID == "" || (s.Location != nil && !s.Location.Valid()):
			res.Dropped++
		case !finite(s.Magnitude) || !finite(s.Confidence):
			res.Dropped++
		case s.Location == nil:
			res.Unlocated++
		default:
			located = append(located, s.Clone())
		}
	}
	if res.Dropped > 0 {
		d.logger.Warn("dropped malformed signals from convergence pass", "count", res.Dropped)
		d.metrics.AddMalformed(res.Dropped)
	}
	if len(located) < 2 || radiusKm <= 0 || timeWindow < 0 {
		d.metrics.SetClusters(0)
		return res
	}

	pending := groups(located, radiusKm, timeWindow)
	for len(pending) > 0 {
		members := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		c, rest, ok := d.build(members, radiusKm, timeWindow)
		if ok {
			res.Clusters = append(res.Clusters, c)
		}
		if len(rest) >= 2 {
			pending = append(pending, groups(rest, radiusKm, timeWindow)...)
		}
	}

	sort.Slice(res.Clusters, func(i, j int) bool {
		if res.Clusters[i].Score != res.Clusters[j].Score {
			return res.Clusters[i].Score > res.Clusters[j].Score
		}
		return res.Clusters[i].ID < res.Clusters[j].ID
	})
	d.metrics.SetClusters(len(res.Clusters))
	return res
}

// DetectContext is Detect with cancellation checked before the pass starts.
func (d *Detector) DetectContext(ctx context.Context, signals []models.RawSignal, radiusKm float64, timeWindow time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return d.Detect(signals, radiusKm, timeWindow), nil
}

// groups returns the connected components of two or more signals, where an
// edge joins signals of different domains within radiusKm and timeWindow.
// Signals must be located and valid.
func groups(signals []models.RawSignal, radiusKm float64, timeWindow time.Duration) [][]models.RawSignal {
	located := make([]models.RawSignal, len(signals))
	copy(located, signals)
	sort.SliceStable(located, func(i, j int) bool {
		if located[i].ID != located[j].ID {
			return located[i].ID < located[j].ID
		}
		return located[i].Timestamp.Before(located[j].Timestamp)
	})

	ix := geo.NewIndex(geo.CellSizeFor(radiusKm))
	for i, s := range located {
		// validity was checked by Detect
		_ = ix.Insert(strconv.Itoa(i), s.Location.Lat, s.Location.Lon)
	}

	uf := newUnionFind(len(located))
	for i, s := range located {
		for _, key := range ix.Query(s.Location.Lat, s.Location.Lon, radiusKm) {
			j, _ := strconv.Atoi(key)
			if j <= i || located[j].Domain == s.Domain {
				continue
			}
			if absDuration(located[j].Timestamp.Sub(s.Timestamp)) <= timeWindow {
				uf.union(i, j)
			}
		}
	}

	var out [][]models.RawSignal
	for _, group := range uf.groups() {
		if len(group) < 2 {
			continue
		}
		members := make([]models.RawSignal, len(group))
		for k, idx := range group {
			members[k] = located[idx]
		}
		out = append(out, members)
	}
	return out
}

// build trims a connected group until it satisfies the radius and time window
// and turns it into a Cluster. The trimmed members are returned in rest; rest
// is always smaller than the input.
func (d *Detector) build(members []models.RawSignal, radiusKm float64, window time.Duration) (Cluster, []models.RawSignal, bool) {
	members = append([]models.RawSignal(nil), members...)
	sortByTime(members)
	var rest []models.RawSignal
	for {
		for len(members) > 1 && members[len(members)-1].Timestamp.Sub(members[0].Timestamp) > window {
			rest = append(rest, members[0])
			members = members[1:]
		}
		if len(members) < 2 {
			return Cluster{}, rest, false
		}

		center, ok := centroid(members)
		if !ok {
			return Cluster{}, rest, false
		}
		far, farDist := -1, 0.0
		for i, m := range members {
			dist := geo.DistanceKm(center, *m.Location)
			if dist > radiusKm && (far < 0 || dist > farDist || (dist == farDist && m.ID > members[far].ID)) {
				far, farDist = i, dist
			}
		}
		if far >= 0 {
			rest = append(rest, members[far])
			members = append(members[:far:far], members[far+1:]...)
			continue
		}

		domains := domainSet(members)
		if len(domains) < 2 {
			return Cluster{}, rest, false
		}
		return d.cluster(members, center, domains), rest, true
	}
}

func (d *Detector) cluster(members []models.RawSignal, center models.LatLon, domains []models.Domain) Cluster {
	c := Cluster{
		Centroid:  center,
		Domains:   domains,
		Members:   make([]string, len(members)),
		FirstSeen: members[0].Timestamp,
		LastSeen:  members[len(members)-1].Timestamp,
	}
	weighted := 0.0
	for i, m := range members {
		c.Members[i] = m.ID
		weighted += m.Confidence * m.Magnitude
		if dist := geo.DistanceKm(center, *m.Location); dist > c.RadiusKm {
			c.RadiusKm = dist
		}
	}
	c.Score = (1 + d.domainBonus*float64(len(domains)-1)) * weighted
	c.ID = clusterID(c.Members)
	return c
}

func centroid(members []models.RawSignal) (models.LatLon, bool) {
	points := make([]geo.WeightedPoint, len(members))
	for i, m := range members {
		points[i] = geo.WeightedPoint{Point: *m.Location, Weight: m.Magnitude}
	}
	return geo.WeightedCentroid(points)
}

func domainSet(members []models.RawSignal) []models.Domain {
	seen := make(map[models.Domain]struct{})
	var out []models.Domain
	for _, m := range members {
		if _, ok := seen[m.Domain]; !ok {
			seen[m.Domain] = struct{}{}
			out = append(out, m.Domain)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortByTime(members []models.RawSignal) {
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].Timestamp.Equal(members[j].Timestamp) {
			return members[i].Timestamp.Before(members[j].Timestamp)
		}
		return members[i].ID < members[j].ID
	})
}

// clusterID derives a stable id from the member set so the same group gets the
// same id in every cycle.
func clusterID(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("geofuse/cluster:"+strings.Join(sorted, "\x1f"))).String()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
