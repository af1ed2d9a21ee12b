// Package cancel provides a cooperative cancellation handle: a first-reason-
// wins latch that a scroll driver polls between scroll batches and bulk
// dispatches, independent of (but typically wired to) a context.Context.
package cancel

import (
	"context"
	"sync/atomic"
	"time"
)

// pollInterval is how often WithContext re-checks Cancelled().
const pollInterval = 50 * time.Millisecond

// Handle is a cooperative cancellation signal. Unlike a bare context, it
// records a human-readable reason the first time it is tripped and ignores
// every later call, so the reason reported to a caller always reflects the
// first cause of cancellation rather than whichever goroutine happened to
// notice last.
type Handle struct {
	reason atomic.Pointer[string]
}

// New returns a Handle that is not yet cancelled.
func New() *Handle {
	return &Handle{}
}

// Cancel trips the handle with reason. Only the first call has any effect.
func (h *Handle) Cancel(reason string) {
	h.reason.CompareAndSwap(nil, &reason)
}

// Cancelled reports whether the handle has been tripped.
func (h *Handle) Cancelled() bool {
	return h.reason.Load() != nil
}

// Reason returns the first cancellation reason, or "" if the handle has
// not been tripped.
func (h *Handle) Reason() string {
	if p := h.reason.Load(); p != nil {
		return *p
	}
	return ""
}

// WithContext returns a context derived from parent that is cancelled
// within pollInterval of h being tripped, and a function that releases the goroutine
// watching h once the caller is done with the returned context. Callers
// that already poll h.Cancelled() directly between steps don't need this;
// it exists for code that must block on a <-ctx.Done() channel, such as a
// bulk request in flight.
func (h *Handle) WithContext(parent context.Context) (context.Context, func()) {
	ctx, cancelFunc := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-parent.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if h.Cancelled() {
					cancelFunc()
					return
				}
			}
		}
	}()

	return ctx, func() {
		close(done)
		cancelFunc()
	}
}
