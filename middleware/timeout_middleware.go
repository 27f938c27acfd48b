package middleware

import (
	"context"
	"fmt"
	"time"

	"mini-binder/binder"
	"mini-binder/message"
)

// TimeOutMiddleware bounds two-way handlers. The handler's context is
// cancelled when the deadline passes and the caller gets binder.ErrTimeout.
// One-way transactions run unbounded: the next one-way call for the same
// object must not start while this one is still running.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Transaction) *message.Transaction {
			if req.Flags.OneWay() {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Transaction, 1)
			go func() {
				// Outer recovery middleware cannot see panics on this goroutine.
				defer func() {
					if r := recover(); r != nil {
						done <- message.ErrorReply(req, fmt.Errorf("handler panic: %v", r))
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return message.ErrorReply(req, binder.ErrTimeout)
				}
				return message.ErrorReply(req, binder.ErrCanceled)
			}
		}
	}
}
