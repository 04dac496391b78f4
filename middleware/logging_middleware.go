package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/wireconn"
)

// LoggingMiddleware logs sign, duration and any handler error for every
// inbound message, structured via zap instead of the stdlib logger.
func LoggingMiddleware(logger *zap.SugaredLogger) Middleware {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, ch wireconn.Channel) error {
			start := time.Now()
			err := next(ctx, msg, ch)
			logger.Debugw("dispatched message",
				"sign", msg.Sign.String(),
				"sequence", msg.Sequence,
				"channel", ch.ID(),
				"duration", time.Since(start),
			)
			if err != nil {
				logger.Warnw("handler error", "sign", msg.Sign.String(), "channel", ch.ID(), "error", err)
			}
			return err
		}
	}
}
