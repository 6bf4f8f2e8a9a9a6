package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type retryTransport struct {
	passthrough
	backoff BackoffStrategy
	logger  *slog.Logger
}

// Retry resends messages whose Send failed with a transient transport
// error. Requests and responses are always eligible: a duplicate is
// discarded by the receiving correlator. Notifications are retried only when
// sent with a context marked by WithIdempotent. Protocol, authentication
// and rate-limit errors are never retried.
func Retry(backoff BackoffStrategy, logger *slog.Logger) Layer {
	if backoff == nil {
		backoff = NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 3)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Transport) transport.Transport {
		return &retryTransport{passthrough: passthrough{next}, backoff: backoff, logger: logger}
	}
}

func (t *retryTransport) eligible(ctx context.Context, msg *protocol.Message) bool {
	if msg.Kind() == protocol.KindNotification {
		return IsIdempotent(ctx)
	}
	return true
}

func (t *retryTransport) Send(ctx context.Context, msg *protocol.Message) error {
	err := t.Transport.Send(ctx, msg)
	if err == nil || !transport.IsRetryable(err) || !t.eligible(ctx, msg) {
		return err
	}

	for attempt := 1; attempt <= t.backoff.MaxAttempts(); attempt++ {
		delay := t.backoff.NextDelay(attempt)
		t.logger.Debug("retrying send", "attempt", attempt, "delay", delay, "method", msg.Method, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		err = t.Transport.Send(ctx, msg)
		if err == nil || !transport.IsRetryable(err) {
			return err
		}
	}

	var terr *transport.Error
	kind := transport.KindIO
	if errors.As(err, &terr) {
		kind = terr.Kind
	}
	return &transport.Error{
		Op:   "send",
		Kind: kind,
		Err:  fmt.Errorf("gave up after %d retries: %w", t.backoff.MaxAttempts(), err),
	}
}
