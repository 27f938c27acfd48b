package middleware

import (
	"context"

	"mini-binder/message"
)

// HandlerFunc handles one transaction and returns its reply. For one-way
// transactions the reply is only inspected for errors, never sent.
type HandlerFunc func(ctx context.Context, req *message.Transaction) *message.Transaction

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
