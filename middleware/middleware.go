// Package middleware wraps RegistryServer's inbound message dispatch the
// same way a typical RPC business-handler chain wrapped RPC calls:
// a HandlerFunc processes one inbound Message on one channel, and
// Middleware values wrap it onion-style.
package middleware

import (
	"context"

	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/wireconn"
)

// HandlerFunc processes one decoded inbound Message from ch. Unlike the RPC
// request/response shape this replaces, there is no reply value — publish,
// unpublish and subscribe are one-way; the caller already got its ACK
// before the handler even runs.
type HandlerFunc func(ctx context.Context, msg *message.Message, ch wireconn.Channel) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in the order given:
// Chain(A, B)(handler) == A(B(handler)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
