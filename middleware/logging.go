package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type loggingTransport struct {
	passthrough
	logger   *slog.Logger
	inflight *inflight
}

// Logging logs every message in both directions, plus the round-trip
// latency of outbound requests when their response arrives.
func Logging(logger *slog.Logger) Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next transport.Transport) transport.Transport {
		return &loggingTransport{
			passthrough: passthrough{next},
			logger:      logger,
			inflight:    newInflight(inflightMaxAge, time.Now),
		}
	}
}

func messageAttrs(msg *protocol.Message) []any {
	attrs := []any{"kind", msg.Kind().String()}
	if msg.Method != "" {
		attrs = append(attrs, "method", msg.Method)
	}
	if msg.ID != nil {
		attrs = append(attrs, "id", msg.ID.String())
	}
	return attrs
}

func (t *loggingTransport) Send(ctx context.Context, msg *protocol.Message) error {
	start := time.Now()
	if msg.Kind() == protocol.KindRequest {
		t.inflight.Store(*msg.ID)
	}
	err := t.Transport.Send(ctx, msg)
	attrs := append(messageAttrs(msg), "elapsed", time.Since(start))
	if err != nil {
		if msg.Kind() == protocol.KindRequest {
			t.inflight.Delete(*msg.ID)
		}
		t.logger.Warn("send failed", append(attrs, "err", err)...)
		return err
	}
	t.logger.Debug("sent message", attrs...)
	return nil
}

func (t *loggingTransport) Receive(ctx context.Context) (*protocol.Message, error) {
	msg, err := t.Transport.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil && !transport.IsTimeout(err) {
			t.logger.Debug("receive failed", "err", err)
		}
		return msg, err
	}
	attrs := messageAttrs(msg)
	if msg.Kind() == protocol.KindResponse {
		if latency, ok := t.inflight.Take(*msg.ID); ok {
			attrs = append(attrs, "latency", latency)
		}
		if msg.Error != nil {
			t.logger.Debug("received error response", append(attrs, "code", int(msg.Error.Code), "error", msg.Error.Message)...)
			return msg, nil
		}
	}
	t.logger.Debug("received message", attrs...)
	return msg, nil
}

func (t *loggingTransport) Close() error {
	t.inflight.Clear()
	return t.Transport.Close()
}
