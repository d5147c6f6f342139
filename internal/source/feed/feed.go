// Package feed implements a source.Fetcher for JSON feeds that already publish
// normalized signals.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geofuse/internal/signal/models"
	"geofuse/internal/source"
)

const maxBodyBytes = 16 << 20

// HTTPFetcher polls a URL that returns either a JSON array of items or an
// object with a "signals" array.
type HTTPFetcher struct {
	domain    models.Domain
	url       string
	client    *http.Client
	headers   map[string]string
	userAgent string
}

type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client. Per-request deadlines come from
// the caller's context, so the client needs no timeout of its own.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(f *HTTPFetcher) {
		f.headers[key] = value
	}
}

func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

func NewHTTPFetcher(domain models.Domain, url string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		domain:    domain,
		url:       url,
		client:    &http.Client{},
		headers:   make(map[string]string),
		userAgent: "geofuse/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Domain() models.Domain {
	return f.domain
}

// Fetch returns the response body. Transport errors, 429 and 5xx responses are
// reported as unavailable; an expired context is reported as a timeout.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, source.NewSourceError(source.ErrorInternal, f.domain, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, source.NewSourceError(source.ErrorUpstreamTimeout, f.domain, "request cancelled", err)
		}
		return nil, source.NewSourceError(source.ErrorUpstreamUnavailable, f.domain, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, source.NewSourceError(source.ErrorUpstreamUnavailable, f.domain, "read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return nil, source.NewSourceError(source.ErrorUpstreamUnavailable, f.domain, msg, nil)
	}
	return body, nil
}

type item struct {
	ID         string   `json:"id"`
	Timestamp  string   `json:"timestamp"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Country    string   `json:"country"`
	Text       string   `json:"text"`
	Magnitude  float64  `json:"magnitude"`
	Confidence *float64 `json:"confidence"`
}

type envelope struct {
	Signals []item `json:"signals"`
}

// Normalize decodes the payload. Items without an id or with an unparseable
// timestamp make the whole payload malformed; a missing confidence means 1.
func (f *HTTPFetcher) Normalize(payload []byte) ([]models.RawSignal, error) {
	items, err := decode(payload)
	if err != nil {
		return nil, source.NewSourceError(source.ErrorMalformedPayload, f.domain, "decode payload", err)
	}

	out := make([]models.RawSignal, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return nil, source.NewSourceError(source.ErrorMalformedPayload, f.domain, fmt.Sprintf("item %d has no id", i), nil)
		}
		ts, err := time.Parse(time.RFC3339, it.Timestamp)
		if err != nil {
			return nil, source.NewSourceError(source.ErrorMalformedPayload, f.domain, fmt.Sprintf("item %s timestamp", it.ID), err)
		}

		sig := models.RawSignal{
			ID:         it.ID,
			Domain:     f.domain,
			Timestamp:  ts.UTC(),
			Country:    strings.ToUpper(strings.TrimSpace(it.Country)),
			Text:       it.Text,
			Magnitude:  it.Magnitude,
			Confidence: 1,
		}
		if it.Confidence != nil {
			sig.Confidence = clamp01(*it.Confidence)
		}
		if it.Lat != nil && it.Lon != nil {
			sig.Location = &models.LatLon{Lat: *it.Lat, Lon: *it.Lon}
		}
		out = append(out, sig)
	}
	return out, nil
}

func decode(payload []byte) ([]item, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var items []item
		err := json.Unmarshal(payload, &items)
		return items, err
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Signals == nil {
		return nil, fmt.Errorf("missing signals array")
	}
	return env.Signals, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
