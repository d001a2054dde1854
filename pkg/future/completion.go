// Package future implements the one-shot completion primitive that the
// materialization coordinator and historic metadata cache use in place of
// the source system's Task<T> caches (§9): a value that is produced exactly
// once by whichever goroutine reserves it, and awaited by everyone else.
package future

import (
	"context"

	"github.com/corvus-build/pipcache/pkg/state"
)

// Completion is a single-consumer-style future: exactly one goroutine
// (the reserver) calls Complete; any number of goroutines may call Wait,
// all of which unblock once Complete is called. It is safe to call Wait
// before, during, or after Complete.
type Completion[T any] struct {
	done    chan struct{}
	marker  state.Marker
	value   T
	err     error
}

// NewCompletion creates an unresolved completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Complete resolves the completion with the given value and error. It must
// be called at most once; subsequent calls are no-ops, matching the
// reservation discipline where only the reserver ever completes a given
// entry (§4.7.1).
func (c *Completion[T]) Complete(value T, err error) {
	if c.marker.Marked() {
		return
	}
	c.value = value
	c.err = err
	c.marker.Mark()
	close(c.done)
}

// Wait blocks until the completion is resolved or ctx is cancelled. On
// cancellation it returns the zero value and ctx.Err(), without affecting
// the completion's eventual resolution for other waiters.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the completion has already been resolved.
func (c *Completion[T]) Done() bool {
	return c.marker.Marked()
}
