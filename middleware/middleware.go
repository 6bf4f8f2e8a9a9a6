// Package middleware provides composable transport layers. Each layer is
// itself a transport.Transport wrapping an inner one, so a stack is built by
// plain composition:
//
//	t := middleware.Chain(tcpTransport,
//		middleware.Logging(logger),
//		middleware.Metrics(set, "tcp"),
//		middleware.RateLimit(limiter),
//		middleware.Retry(backoff, logger),
//		middleware.Timeout(5*time.Second, 0),
//	)
//
// The first layer listed is the outermost: it sees sends first and receives last.
package middleware

import (
	"context"

	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// Layer wraps a transport in another.
type Layer func(next transport.Transport) transport.Transport

// Chain applies layers to inner; layers[0] ends up outermost.
func Chain(inner transport.Transport, layers ...Layer) transport.Transport {
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i] != nil {
			inner = layers[i](inner)
		}
	}
	return inner
}

// passthrough forwards every call to the wrapped transport. Layers embed it
// and override only what they change.
type passthrough struct {
	transport.Transport
}

// Unwrap returns the wrapped transport.
func (p passthrough) Unwrap() transport.Transport { return p.Transport }

// Innermost follows Unwrap until it reaches a transport that wraps nothing.
func Innermost(t transport.Transport) transport.Transport {
	for {
		u, ok := t.(transport.Unwrapper)
		if !ok {
			return t
		}
		t = u.Unwrap()
	}
}

type idempotentKey struct{}

// WithIdempotent marks sends made with ctx as safe to repeat. The Retry
// layer only retries notifications sent with such a context.
func WithIdempotent(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotentKey{}, true)
}

// IsIdempotent reports whether ctx was marked with WithIdempotent.
func IsIdempotent(ctx context.Context) bool {
	v, _ := ctx.Value(idempotentKey{}).(bool)
	return v
}
