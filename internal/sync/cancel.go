package sync

import (
	"context"
	"sync/atomic"
)

// CancelToken is a cooperative cancellation flag. The owner sets it; the
// executor only reads it, between file operations.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel sets the token. It is safe to call more than once.
func (c *CancelToken) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called. A nil token is never
// cancelled.
func (c *CancelToken) Cancelled() bool {
	return c != nil && c.cancelled.Load()
}

// CancelOnDone sets the token once ctx is done. The returned function stops
// the watch.
func (c *CancelToken) CancelOnDone(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Cancel()
		case <-done:
		}
	}()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}
