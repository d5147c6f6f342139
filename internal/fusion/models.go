package fusion

import (
	"time"

	"github.com/google/uuid"

	"geofuse/internal/cache"
	"geofuse/internal/convergence"
	"geofuse/internal/instability"
	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/circuit"
)

// DomainStatus tells consumers whether a domain's contribution to a cycle was
// live, served from cache, or missing, so an empty domain is never mistaken
// for a failed one.
type DomainStatus struct {
	Status    models.Status        `json:"status"`
	Freshness cache.Freshness      `json:"freshness,omitempty"`
	Cause     string               `json:"cause,omitempty"`
	Signals   int                  `json:"signals"`
	UpdatedAt time.Time            `json:"updated_at,omitempty"`
	Breaker   circuit.BreakerState `json:"breaker"`
}

// CycleResult is everything one fusion cycle produced. It is built once and
// never modified after it is stored.
type CycleResult struct {
	ID               uuid.UUID                      `json:"id"`
	StartedAt        time.Time                      `json:"started_at"`
	CompletedAt      time.Time                      `json:"completed_at"`
	Statuses         map[models.Domain]DomainStatus `json:"statuses"`
	Degraded         []models.Domain                `json:"degraded"`
	Signals          int                            `json:"signals"`
	Deduplicated     int                            `json:"deduplicated"`
	Clusters         []convergence.Cluster          `json:"clusters"`
	Records          []instability.Record           `json:"records"`
	DroppedMalformed int                            `json:"dropped_malformed"`
	Unlocated        int                            `json:"unlocated"`
	ScoringErrors    []ScoringError                 `json:"scoring_errors,omitempty"`
}

const (
	StageScore  = "score"
	StageCommit = "commit"
)

// ScoringError records a country that could not be scored, or whose record
// was scored but not committed to the baseline.
type ScoringError struct {
	ISO2  string `json:"iso2"`
	Stage string `json:"stage"`
	Cause string `json:"cause"`
}

// Record returns the cycle's record for a country.
func (r *CycleResult) Record(iso2 string) (instability.Record, bool) {
	for _, rec := range r.Records {
		if rec.ISO2 == iso2 {
			return rec.Clone(), true
		}
	}
	return instability.Record{}, false
}

// Healthy reports whether every domain contributed live data and every
// country was scored and committed.
func (r *CycleResult) Healthy() bool {
	return len(r.Degraded) == 0 && len(r.ScoringErrors) == 0
}
