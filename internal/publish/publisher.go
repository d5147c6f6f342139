// Package publish delivers completed fusion cycles to downstream consumers.
package publish

import (
	"context"
	"errors"
	"fmt"

	"geofuse/internal/fusion"
)

// Multi fans a cycle out to every publisher. All publishers are attempted;
// their errors are joined.
type Multi []fusion.Publisher

func (m Multi) Publish(ctx context.Context, result *fusion.CycleResult) error {
	var errs []error
	for i, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
