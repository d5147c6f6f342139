package circuit

import (
	"context"
	"errors"
)

// ErrOpen is reported when a call was rejected without invoking the operation.
var ErrOpen = errors.New("circuit open")

// Outcome is the result of Execute. It never carries a panic or a bare error:
// callers inspect Err together with FromFallback to decide what to report.
type Outcome[T any] struct {
	Value T
	// FromFallback is true when Value came from the fallback rather than op.
	FromFallback bool
	// HasValue is false when neither op nor fallback produced data.
	HasValue bool
	// Rejected is true when op was not invoked because the breaker was open.
	Rejected bool
	// Err is the operation error (or ErrOpen), nil on a successful call.
	Err error
}

// Execute runs op under the breaker. A rejected call never invokes op. On
// rejection or failure the fallback is consulted; fallback may be nil.
func Execute[T any](
	ctx context.Context,
	b *Breaker,
	op func(context.Context) (T, error),
	fallback func() (T, bool),
) Outcome[T] {
	if !b.Allow() {
		return withFallback(Outcome[T]{Rejected: true, Err: ErrOpen}, fallback)
	}

	value, err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return withFallback(Outcome[T]{Err: err}, fallback)
	}

	b.RecordSuccess()
	return Outcome[T]{Value: value, HasValue: true}
}

func withFallback[T any](out Outcome[T], fallback func() (T, bool)) Outcome[T] {
	if fallback == nil {
		return out
	}
	if v, ok := fallback(); ok {
		out.Value = v
		out.HasValue = true
		out.FromFallback = true
	}
	return out
}
