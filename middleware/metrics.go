package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type metricsTransport struct {
	passthrough
	set      *metrics.Set
	label    string
	inflight *inflight
}

// Metrics records message counts, send durations and request round-trip
// latency into set, labelled with name. Pass metrics.NewSet() and expose it
// with set.WritePrometheus.
func Metrics(set *metrics.Set, name string) Layer {
	return func(next transport.Transport) transport.Transport {
		return &metricsTransport{
			passthrough: passthrough{next},
			set:         set,
			label:       name,
			inflight:    newInflight(inflightMaxAge, time.Now),
		}
	}
}

func (t *metricsTransport) counter(metric string, msg *protocol.Message) *metrics.Counter {
	return t.set.GetOrCreateCounter(fmt.Sprintf(`%s{transport=%q,kind=%q}`, metric, t.label, msg.Kind()))
}

func (t *metricsTransport) Send(ctx context.Context, msg *protocol.Message) error {
	start := time.Now()
	err := t.Transport.Send(ctx, msg)
	t.set.GetOrCreateHistogram(fmt.Sprintf(`mcpkit_send_duration_seconds{transport=%q}`, t.label)).UpdateDuration(start)
	if err != nil {
		t.counter("mcpkit_send_errors_total", msg).Inc()
		return err
	}
	t.counter("mcpkit_messages_sent_total", msg).Inc()
	if msg.Kind() == protocol.KindRequest {
		t.inflight.Store(*msg.ID)
	}
	return nil
}

func (t *metricsTransport) Receive(ctx context.Context) (*protocol.Message, error) {
	msg, err := t.Transport.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.set.GetOrCreateCounter(fmt.Sprintf(`mcpkit_receive_errors_total{transport=%q}`, t.label)).Inc()
		}
		return msg, err
	}
	t.counter("mcpkit_messages_received_total", msg).Inc()
	if msg.Kind() == protocol.KindResponse {
		if latency, ok := t.inflight.Take(*msg.ID); ok {
			t.set.GetOrCreateHistogram(fmt.Sprintf(`mcpkit_request_duration_seconds{transport=%q}`, t.label)).Update(latency.Seconds())
		}
	}
	return msg, nil
}
