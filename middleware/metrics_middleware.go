package middleware

import (
	"context"
	"time"

	"lithium/message"
	"lithium/metrics"
)

// MetricsMiddleware records count, outcome and latency of inbound calls.
func MetricsMiddleware(m *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)
			m.ObserveCall(req.Command, reply.Kind() == message.KindReturn, time.Since(start))
			return reply
		}
	}
}
