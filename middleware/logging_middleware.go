package middleware

import (
	"context"
	"time"

	"lithium/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Command),
				zap.String("id", req.ID),
				zap.Bool("peerToPeer", req.PeerToPeer),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.Kind() == message.KindError {
				logger.Info("call failed", append(fields, zap.String("error", reply.FaultText()))...)
				return reply
			}
			logger.Debug("call served", fields...)
			return reply
		}
	}
}
