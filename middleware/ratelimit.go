package middleware

import (
	"context"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/ratelimit"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type rateLimitTransport struct {
	passthrough
	limiter ratelimit.Limiter
	block   bool
}

// RateLimit admits outbound requests and notifications through limiter.
// A rejected send returns a *ratelimit.ExceededError and nothing is
// written. Responses are never limited, so a peer is not left waiting on a
// request that was already accepted.
func RateLimit(limiter ratelimit.Limiter) Layer {
	return func(next transport.Transport) transport.Transport {
		return &rateLimitTransport{passthrough: passthrough{next}, limiter: limiter}
	}
}

// RateLimitBlocking is RateLimit but waits for admission within the
// send's context instead of rejecting.
func RateLimitBlocking(limiter ratelimit.Limiter) Layer {
	return func(next transport.Transport) transport.Transport {
		return &rateLimitTransport{passthrough: passthrough{next}, limiter: limiter, block: true}
	}
}

func (t *rateLimitTransport) Send(ctx context.Context, msg *protocol.Message) error {
	if msg.Kind() != protocol.KindResponse {
		if t.block {
			if err := t.limiter.Wait(ctx); err != nil {
				return err
			}
		} else if err := t.limiter.Check(); err != nil {
			return err
		}
	}
	return t.Transport.Send(ctx, msg)
}
