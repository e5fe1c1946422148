// Package cas runs single-row read-modify-write operations under optimistic
// concurrency with a bounded retry budget.
package cas

import (
	"context"
	"errors"
	"fmt"

	"roomcast/internal/metrics"
)

// DefaultAttempts is the retry budget used for reaction toggles.
const DefaultAttempts = 4

// ErrConflict is returned by a conditional write whose version check failed.
var ErrConflict = errors.New("version conflict")

// ErrExhausted wraps ErrConflict once every attempt has conflicted.
var ErrExhausted = fmt.Errorf("retry budget exhausted: %w", ErrConflict)

// Do calls fn until it succeeds, fails with something other than
// ErrConflict, or attempts runs out. fn must reload its state on every call.
func Do(ctx context.Context, attempts int, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt < attempts {
			metrics.CASRetries.Inc()
		}
	}
	return ErrExhausted
}
