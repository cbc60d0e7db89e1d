package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/envelope"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
)

// Publisher writes events to the durable log and broadcasts them on the
// broker. The two steps are not transactional: an event that reaches the
// log but misses the broadcast is still delivered to durable subscribers on
// their next catch-up, while fire-and-forget subscribers tolerate the loss
// by contract.
type Publisher struct {
	eventLog *eventlog.Log
	broker   broker.Broker
	source   string
	logger   zerolog.Logger
}

// NewPublisher wires a publisher.
func NewPublisher(evlog *eventlog.Log, b broker.Broker, source string) *Publisher {
	if source == "" {
		source = "https://api.kernelci.org/"
	}
	return &Publisher{
		eventLog: evlog,
		broker:   b,
		source:   source,
		logger:   log.WithComponent("publisher"),
	}
}

// Publish stores the event durably, then broadcasts the sequence-tagged
// envelope. The returned sequence number identifies the event globally. A
// log failure aborts the publish before any broadcast; a broadcast failure
// is absorbed because the event is already durable.
func (p *Publisher) Publish(ctx context.Context, channel string, data any, attrs envelope.Attributes) (int64, error) {
	if channel == "" {
		return 0, ErrInvalidChannel
	}
	if attrs.Type == "" {
		attrs.Type = envelope.DefaultType
	}
	if attrs.Source == "" {
		attrs.Source = p.source
	}

	raw, err := toRaw(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event data: %w", err)
	}

	seq, err := p.eventLog.Append(channel, raw, attrs.Owner)
	if err != nil {
		metrics.PublishFailuresTotal.Inc()
		return 0, err
	}

	env, err := envelope.Build(attrs, raw, seq)
	if err != nil {
		// The event is durable; only the real-time copy is lost.
		p.logger.Error().Err(err).Int64("sequence_id", seq).Msg("Envelope build failed")
		return seq, nil
	}
	if err := p.broker.Publish(ctx, channel, env); err != nil {
		p.logger.Warn().Err(err).
			Str("channel", channel).
			Int64("sequence_id", seq).
			Msg("Broadcast failed, durable subscribers will catch up")
	}

	metrics.EventsPublishedTotal.WithLabelValues(channel).Inc()
	return seq, nil
}

// PublishKeepAlive broadcasts a BEEP on channel, bypassing the event log so
// keep-alives never pollute durable history.
func (p *Publisher) PublishKeepAlive(ctx context.Context, channel string) error {
	env, err := envelope.Build(envelope.Attributes{
		Type:   envelope.DefaultType,
		Source: p.source,
	}, "BEEP", 0)
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ctx, channel, env); err != nil {
		return err
	}
	metrics.KeepAlivesTotal.Inc()
	return nil
}

func toRaw(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		return json.Marshal(data)
	}
}
