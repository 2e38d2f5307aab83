// Package middleware wraps the handling of inbound calls.
//
// A HandlerFunc takes an inbound call envelope and returns the reply envelope
// ("return" or "error") that the connection sends back. Middlewares nest in the
// onion model: Chain(A, B, C)(h) runs A.before → B.before → C.before → h →
// C.after → B.after → A.after.
package middleware

import (
	"context"

	"lithium/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
