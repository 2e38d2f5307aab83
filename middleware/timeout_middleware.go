package middleware

import (
	"context"
	"time"

	"lithium/message"
)

// TimeOutMiddleware answers "request timed out" when the handler runs past
// timeout. The handler keeps its cancelled context and its result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.ErrorReply(req, "request timed out")
			}
		}
	}
}
