package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/envelope"
	"github.com/kernelci/eventbus/pkg/metrics"
	"github.com/kernelci/eventbus/pkg/types"
)

// Listen returns the next message for the subscription, blocking until one
// arrives or ctx is cancelled.
//
// Calling Listen implicitly acknowledges the previously delivered message:
// the durable cursor advances before anything new is handed out, so a
// client that crashes mid-processing sees the unacknowledged message again
// on reconnect (at-least-once delivery; consumers deduplicate on
// _sequence_id).
//
// Delivery order is: queued catch-up events first (ascending sequence),
// then live broker traffic. A transient broker failure is absorbed by
// reattaching; the caller never sees it.
//
// Listen must not be invoked concurrently for the same subscription ID.
func (m *Manager) Listen(ctx context.Context, subID int64, user string) (*types.Message, error) {
	s, err := m.lookup(subID)
	if err != nil {
		return nil, err
	}
	if user != "" && user != s.sub.User {
		return nil, ErrAccessDenied
	}

	// Implicit acknowledgment of the previous delivery.
	if s.subscriberID != "" && s.lastDeliveredID > s.lastAckedID {
		if err := m.registry.UpdateCursor(s.subscriberID, s.lastDeliveredID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("failed to acknowledge event %d: %w", s.lastDeliveredID, err)
		}
		s.lastAckedID = s.lastDeliveredID
	}

	// Retention-gap warning, if one was detected on subscribe.
	if s.gapNotice != nil {
		payload := s.gapNotice
		s.gapNotice = nil
		s.touch()
		return &types.Message{Channel: s.sub.Channel, Payload: payload}, nil
	}

	// Catch-up drain: queued events flow before any live traffic.
	if len(s.pendingCatchup) > 0 {
		ev := s.pendingCatchup[0]
		s.pendingCatchup = s.pendingCatchup[1:]
		payload, err := envelope.FromEvent(&ev, m.cfg.Source)
		if err != nil {
			return nil, err
		}
		s.lastDeliveredID = ev.SequenceID
		s.touch()
		metrics.EventsDeliveredTotal.WithLabelValues("catchup").Inc()
		return &types.Message{Channel: s.sub.Channel, Payload: payload}, nil
	}
	if !s.catchupDone {
		s.catchupDone = true
	}

	// Live loop.
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		handle, err := m.currentHandle(subID)
		if err != nil {
			return nil, err
		}

		payload, err := handle.Poll(ctx, m.cfg.PollTimeout)
		if errors.Is(err, broker.ErrConnLost) {
			if err := m.reattach(ctx, subID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		s.touch()
		if payload == nil {
			continue
		}

		parsed, err := envelope.Parse(payload)
		if err != nil {
			m.logger.Warn().Err(err).Int64("subscription_id", subID).Msg("Discarding malformed envelope")
			continue
		}
		if !s.sub.Promiscuous && parsed.Owner != "" && parsed.Owner != s.sub.User {
			continue
		}
		if s.subscriberID != "" && parsed.SequenceID > 0 {
			// Already seen via catch-up: the attach window overlaps the
			// range read.
			if parsed.SequenceID <= s.lastDeliveredID {
				continue
			}
			s.lastDeliveredID = parsed.SequenceID
		}

		metrics.EventsDeliveredTotal.WithLabelValues("live").Inc()
		return &types.Message{Channel: s.sub.Channel, Payload: payload}, nil
	}
}
