package middleware

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"mini-binder/message"
)

// RecoveryMiddleware turns a panicking handler into a failed reply.
func RecoveryMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Transaction) (reply *message.Transaction) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Interface("panic", r).
						Str("descriptor", req.Descriptor).
						Stringer("code", req.Code).
						Msg("handler panicked")
					reply = message.ErrorReply(req, fmt.Errorf("handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
