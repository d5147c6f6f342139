package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"geofuse/internal/signal/models"
	"geofuse/pkg/platform/sentinel"
)

// Registry maps each domain to exactly one fetcher. Configuration is checked
// against it at startup, so a configured domain without an implementation
// fails before any polling starts.
type Registry struct {
	fetchers map[models.Domain]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[models.Domain]Fetcher)}
}

// Register adds a fetcher for its domain.
func (r *Registry) Register(f Fetcher) error {
	d := f.Domain()
	if !d.Valid() {
		return fmt.Errorf("register fetcher for %q: unknown domain: %w", d, sentinel.ErrInvalidConfig)
	}
	if _, exists := r.fetchers[d]; exists {
		return fmt.Errorf("register fetcher for %s: %w", d, ErrDuplicateFetcher)
	}
	r.fetchers[d] = f
	return nil
}

// Get retrieves the fetcher for a domain.
func (r *Registry) Get(d models.Domain) (Fetcher, bool) {
	f, ok := r.fetchers[d]
	return f, ok
}

// Require fails when any of domains has no registered fetcher.
func (r *Registry) Require(domains []models.Domain) error {
	var missing []string
	for _, d := range domains {
		if _, ok := r.fetchers[d]; !ok {
			missing = append(missing, string(d))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s: %w", ErrMissingFetcher, strings.Join(missing, ", "), sentinel.ErrInvalidConfig)
}

// Domains returns the registered domains in sorted order.
func (r *Registry) Domains() []models.Domain {
	out := make([]models.Domain, 0, len(r.fetchers))
	for d := range r.fetchers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsConfigError reports whether err came from registration or Require.
func IsConfigError(err error) bool {
	return errors.Is(err, sentinel.ErrInvalidConfig) || errors.Is(err, ErrDuplicateFetcher)
}
