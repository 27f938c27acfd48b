package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-binder/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Transaction) *message.Transaction {
			start := time.Now()
			reply := next(ctx, req)

			event := logger.Debug()
			if reply.Failed() {
				event = logger.Warn().Str("error", reply.Error)
			}
			event.
				Str("descriptor", req.Descriptor).
				Uint64("object", req.Object).
				Stringer("code", req.Code).
				Bool("oneway", req.Flags.OneWay()).
				Dur("duration", time.Since(start)).
				Msg("transaction")
			return reply
		}
	}
}
