// File: internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext returns a context carrying ctx1's values (the CDP target)
// that is canceled when either ctx1 or ctx2 is done. chromedp needs the
// session context's values while the caller's context carries the deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	if deadline, ok := ctx2.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		combinedCtx, cancelDeadline = context.WithDeadline(combinedCtx, deadline)
		base := cancel
		cancel = func() {
			cancelDeadline()
			base()
		}
	}

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
