// internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext returns a context derived from primary (keeping its values,
// which carry the CDP target) that is also canceled when secondary is done.
// chromedp actions must run on the tab's context, while the caller's
// context supplies the deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	if secondary.Err() != nil {
		cancel(context.Cause(secondary))
		return combined, func() { cancel(context.Canceled) }
	}
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Detach returns a context that keeps ctx's values but ignores its
// cancellation and deadline. Cleanup paths use it so a session can still be
// released after the task's own context has expired.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
