package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-binder/binder"
	"mini-binder/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// One-way transactions are not limited: their caller never sees the ErrBusy
// reply, so dropping them would lose acknowledgements silently.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Transaction) *message.Transaction {
			if !req.Flags.OneWay() && !limiter.Allow() {
				return message.ErrorReply(req, binder.ErrBusy)
			}
			return next(ctx, req)
		}
	}
}
