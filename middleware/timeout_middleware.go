package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/wireconn"
)

// TimeOutMiddleware bounds how long a single handler invocation may run —
// a slow publish/subscribe handler (e.g. stuck on a full egress buffer)
// should never wedge the connection's dispatch goroutine indefinitely.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, ch wireconn.Channel) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, msg, ch)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("middleware: handler timed out after %s", timeout)
			}
		}
	}
}
