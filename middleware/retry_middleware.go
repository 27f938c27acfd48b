package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-binder/binder"
	"mini-binder/message"
)

// RetryMiddleware re-runs two-way transactions that failed with a transient
// error (a dead downstream object or a timeout), backing off exponentially.
// One-way transactions are never retried.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Transaction) *message.Transaction {
			reply := next(ctx, req)
			if req.Flags.OneWay() {
				return reply
			}
			for i := 0; i < maxRetries; i++ {
				if !retryable(reply) {
					return reply
				}
				logger.Info().
					Int("attempt", i+1).
					Str("descriptor", req.Descriptor).
					Stringer("code", req.Code).
					Str("error", reply.Error).
					Msg("retrying transaction")

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}

func retryable(reply *message.Transaction) bool {
	return reply.ErrorKind == binder.KindTransport || reply.ErrorKind == binder.KindTimeout
}
