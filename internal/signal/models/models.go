// Package models holds the normalized observation types shared by every stage of
// the fusion pipeline.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Domain identifies the family of upstream sources a signal came from.
// The set is closed; new domains must be added here so that configuration and
// fetcher registration can reject unknown names at startup.
type Domain string

const (
	DomainAviation       Domain = "aviation"
	DomainMaritime       Domain = "maritime"
	DomainMilitary       Domain = "military"
	DomainConflict       Domain = "conflict"
	DomainUnrest         Domain = "unrest"
	DomainCyber          Domain = "cyber"
	DomainEconomic       Domain = "economic"
	DomainNews           Domain = "news"
	DomainSeismic        Domain = "seismic"
	DomainInfrastructure Domain = "infrastructure"
)

var allDomains = []Domain{
	DomainAviation,
	DomainMaritime,
	DomainMilitary,
	DomainConflict,
	DomainUnrest,
	DomainCyber,
	DomainEconomic,
	DomainNews,
	DomainSeismic,
	DomainInfrastructure,
}

// AllDomains returns the closed domain list in a fixed order.
func AllDomains() []Domain {
	out := make([]Domain, len(allDomains))
	copy(out, allDomains)
	return out
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	for _, known := range allDomains {
		if d == known {
			return true
		}
	}
	return false
}

func (d Domain) String() string {
	return string(d)
}

// ParseDomain resolves a configuration name to a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// LatLon is a WGS84 coordinate in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is finite and within range.
func (p LatLon) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// RawSignal is one normalized observation from a source.
type RawSignal struct {
	ID         string    `json:"id"`
	Domain     Domain    `json:"domain"`
	Timestamp  time.Time `json:"timestamp"`
	Location   *LatLon   `json:"location,omitempty"`
	Country    string    `json:"country,omitempty"` // ISO-3166 alpha-2
	Text       string    `json:"text,omitempty"`
	Magnitude  float64   `json:"magnitude"`
	Confidence float64   `json:"confidence"`
}

// Clone returns a deep copy so downstream stages never alias a client's data.
func (s RawSignal) Clone() RawSignal {
	out := s
	if s.Location != nil {
		loc := *s.Location
		out.Location = &loc
	}
	return out
}

// Located reports whether the signal carries a usable coordinate.
func (s RawSignal) Located() bool {
	return s.Location != nil && s.Location.Valid()
}

// CloneSignals deep-copies a slice of signals.
func CloneSignals(in []RawSignal) []RawSignal {
	if in == nil {
		return nil
	}
	out := make([]RawSignal, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// Status describes where a result's data came from.
type Status string

const (
	// StatusLive means the data was fetched from upstream during this poll.
	StatusLive Status = "live"
	// StatusCached means upstream failed or was skipped and cached data was served.
	StatusCached Status = "cached"
	// StatusDegraded means the breaker is open and nothing was cached.
	StatusDegraded Status = "degraded"
	// StatusError means the fetch failed and nothing was cached.
	StatusError Status = "error"
)

// Healthy reports whether the status represents fresh upstream data.
func (s Status) Healthy() bool {
	return s == StatusLive
}
