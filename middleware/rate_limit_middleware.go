package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/wireconn"
)

// RateLimitMiddleware applies a per-process token-bucket limiter to the
// inbound publish/unpublish/subscribe stream, so one bursty provider can't
// starve the registry's dispatch goroutine.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, ch wireconn.Channel) error {
			if !limiter.Allow() {
				return fmt.Errorf("middleware: rate limit exceeded on channel %s", ch.ID())
			}
			return next(ctx, msg, ch)
		}
	}
}
