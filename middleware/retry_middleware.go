package middleware

import (
	"context"
	"strings"
	"time"

	"lithium/message"

	"go.uber.org/zap"
)

// Retryable reports whether a failed reply is worth another attempt.
type Retryable func(reply *message.Envelope) bool

// TransientFault retries timeouts and refused connections.
func TransientFault(reply *message.Envelope) bool {
	text := reply.FaultText()
	return strings.Contains(text, "timed out") || strings.Contains(text, "timeout") ||
		strings.Contains(text, "connection refused")
}

// RetryMiddleware re-runs a handler whose reply is a retryable error, with
// exponential backoff starting at baseDelay. A nil retryable means TransientFault.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable Retryable, logger *zap.Logger) Middleware {
	if retryable == nil {
		retryable = TransientFault
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if reply.Kind() != message.KindError || !retryable(reply) {
					return reply
				}
				logger.Debug("retrying call",
					zap.Int("attempt", i+1),
					zap.String("command", req.Command),
					zap.String("error", reply.FaultText()))
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
