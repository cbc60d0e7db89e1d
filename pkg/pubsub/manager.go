package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/envelope"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
	"github.com/kernelci/eventbus/pkg/registry"
	"github.com/kernelci/eventbus/pkg/sequence"
	"github.com/kernelci/eventbus/pkg/types"
)

var (
	// ErrNotFound is returned for unknown subscription IDs.
	ErrNotFound = errors.New("subscription not found")
	// ErrAccessDenied is returned when a user addresses a subscription they
	// do not own.
	ErrAccessDenied = errors.New("subscription not owned by user")
	// ErrSubscriberConflict is returned when a durable subscriber ID is
	// already bound to a different user.
	ErrSubscriberConflict = errors.New("subscriber id owned by different user")
	// ErrInvalidChannel is returned for empty channel names.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// Options configure a new subscription.
type Options struct {
	// SubscriberID enables durable delivery under this client-chosen ID.
	// Empty means fire-and-forget.
	SubscriberID string
	// Promiscuous disables owner-based visibility filtering.
	Promiscuous bool
}

// Config tunes the subscription manager.
type Config struct {
	Source          string
	KeepAlivePeriod time.Duration
	CatchupLimit    int
	PollTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "https://api.kernelci.org/"
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = 45 * time.Second
	}
	if c.CatchupLimit <= 0 {
		c.CatchupLimit = eventlog.DefaultRangeLimit
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	return c
}

// subscription is the manager's record of one live subscription.
//
// The handle field is swapped only under Manager.mu. The cursor fields
// (pendingCatchup, gapNotice, lastDeliveredID, lastAckedID, catchupDone)
// belong to the single listener serving this subscription; callers must not
// invoke Listen concurrently for the same subscription ID.
type subscription struct {
	sub          types.Subscription
	subscriberID string
	created      time.Time
	lastPoll     atomic.Int64 // unix nanos, 0 = never polled

	handle broker.Handle

	pendingCatchup  []types.Event
	gapNotice       []byte
	lastDeliveredID int64
	lastAckedID     int64
	catchupDone     bool
}

func (s *subscription) touch() {
	s.lastPoll.Store(time.Now().UnixNano())
}

// Manager owns the table of live subscriptions and the channel-interest
// set, both guarded by a single mutex. Per-subscription cursor state is
// owned by the listener; the manager only creates and destroys it.
type Manager struct {
	cfg       Config
	broker    broker.Broker
	eventLog  *eventlog.Log
	registry  *registry.Registry
	publisher *Publisher
	subSeq    sequence.Oracle
	eventSeq  sequence.Oracle

	mu        sync.Mutex
	subs      map[int64]*subscription
	channels  map[string]int
	keepAlive bool

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewManager wires the subscription manager.
func NewManager(cfg Config, b broker.Broker, evlog *eventlog.Log, reg *registry.Registry,
	pub *Publisher, subSeq, eventSeq sequence.Oracle) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		broker:    b,
		eventLog:  evlog,
		registry:  reg,
		publisher: pub,
		subSeq:    subSeq,
		eventSeq:  eventSeq,
		subs:      make(map[int64]*subscription),
		channels:  make(map[string]int),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("pubsub"),
	}
}

// Subscribe creates a live subscription on channel for user. With
// Options.SubscriberID set, the subscription is durable: an existing cursor
// is resumed (queueing missed events for catch-up) or a new one is created
// starting from the current high-water mark.
func (m *Manager) Subscribe(ctx context.Context, channel, user string, opts Options) (types.Subscription, error) {
	if channel == "" {
		return types.Subscription{}, ErrInvalidChannel
	}

	id, err := m.subSeq.Next()
	if err != nil {
		return types.Subscription{}, err
	}

	// Attach before reading the catch-up range so no event published in
	// between can be missed. The listener discards the overlap.
	handle, err := m.broker.Attach(ctx, channel)
	if err != nil {
		return types.Subscription{}, fmt.Errorf("failed to attach to channel %s: %w", channel, err)
	}

	s := &subscription{
		sub: types.Subscription{
			ID:          id,
			Channel:     channel,
			User:        user,
			Promiscuous: opts.Promiscuous,
		},
		subscriberID: opts.SubscriberID,
		created:      time.Now().UTC(),
		handle:       handle,
		catchupDone:  true,
	}

	if opts.SubscriberID != "" {
		if err := m.setupDurable(s, opts, channel, user); err != nil {
			_ = m.broker.Detach(handle)
			return types.Subscription{}, err
		}
	}

	m.mu.Lock()
	m.subs[id] = s
	m.channels[channel]++
	metrics.SubscriptionsActive.Set(float64(len(m.subs)))
	metrics.ChannelsTracked.Set(float64(len(m.channels)))
	if !m.keepAlive && m.cfg.KeepAlivePeriod > 0 {
		m.keepAlive = true
		go m.keepAliveLoop()
	}
	m.mu.Unlock()

	m.logger.Info().
		Int64("subscription_id", id).
		Str("channel", channel).
		Str("user", user).
		Str("subscriber_id", opts.SubscriberID).
		Msg("Subscription created")
	return s.sub, nil
}

// setupDurable resumes or creates the durable cursor for s.
func (m *Manager) setupDurable(s *subscription, opts Options, channel, user string) error {
	state, err := m.registry.Get(opts.SubscriberID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}

	if err == nil {
		if state.User != user {
			return ErrSubscriberConflict
		}
		missed, err := m.eventLog.Range(state.Channel, state.LastEventID, user, opts.Promiscuous, m.cfg.CatchupLimit)
		if err != nil {
			return fmt.Errorf("failed to load catch-up events: %w", err)
		}
		if notice, err := m.gapNotice(state); err == nil && notice != nil {
			s.gapNotice = notice
		}
		s.pendingCatchup = missed
		s.lastAckedID = state.LastEventID
		s.lastDeliveredID = state.LastEventID
		s.catchupDone = len(missed) == 0 && s.gapNotice == nil
		m.logger.Info().
			Str("subscriber_id", opts.SubscriberID).
			Int("missed", len(missed)).
			Msg("Durable subscriber reconnected")
		return nil
	}

	// New durable subscriber: start from now.
	current, err := m.eventSeq.Current()
	if err != nil {
		return err
	}
	err = m.registry.Create(&types.SubscriberState{
		SubscriberID: opts.SubscriberID,
		Channel:      channel,
		User:         user,
		Promiscuous:  opts.Promiscuous,
		LastEventID:  current,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, registry.ErrExists) {
			// Lost a race with a concurrent first subscribe for the same ID
			return m.setupDurable(s, opts, channel, user)
		}
		return err
	}
	s.lastAckedID = current
	s.lastDeliveredID = current
	m.logger.Info().
		Str("subscriber_id", opts.SubscriberID).
		Int64("last_event_id", current).
		Msg("New durable subscriber")
	return nil
}

// gapNotice builds the synthetic warning envelope delivered when events
// between the cursor and the earliest surviving log entry have expired. The
// notice is never stored and does not advance the cursor.
func (m *Manager) gapNotice(state *types.SubscriberState) ([]byte, error) {
	earliest, err := m.eventLog.EarliestSequence()
	if err != nil {
		return nil, err
	}
	if earliest == 0 || state.LastEventID+1 >= earliest {
		return nil, nil
	}
	return envelope.Build(envelope.Attributes{
		Type:   envelope.DefaultType + ".warning",
		Source: m.cfg.Source,
	}, map[string]any{
		"reason":        "history_gap",
		"last_acked_id": state.LastEventID,
		"earliest_id":   earliest,
		"message":       "events before the retention horizon were skipped",
	}, 0)
}

// Unsubscribe removes a live subscription. Durable subscriber state is
// preserved so the client can reconnect and resume. An empty user skips the
// ownership check (internal callers such as the reaper).
func (m *Manager) Unsubscribe(id int64, user string) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if user != "" && user != s.sub.User {
		m.mu.Unlock()
		return ErrAccessDenied
	}
	delete(m.subs, id)
	m.channels[s.sub.Channel]--
	if m.channels[s.sub.Channel] <= 0 {
		delete(m.channels, s.sub.Channel)
	}
	metrics.SubscriptionsActive.Set(float64(len(m.subs)))
	metrics.ChannelsTracked.Set(float64(len(m.channels)))
	handle := s.handle
	m.mu.Unlock()

	if err := m.broker.Detach(handle); err != nil {
		m.logger.Warn().Err(err).Int64("subscription_id", id).Msg("Broker detach failed")
	}
	m.logger.Info().Int64("subscription_id", id).Msg("Subscription removed")
	return nil
}

// Stats returns a snapshot of all live subscriptions.
func (m *Manager) Stats() []types.SubscriptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make([]types.SubscriptionStats, 0, len(m.subs))
	for _, s := range m.subs {
		st := types.SubscriptionStats{
			Subscription: s.sub,
			Created:      s.created,
		}
		if nanos := s.lastPoll.Load(); nanos > 0 {
			t := time.Unix(0, nanos).UTC()
			st.LastPoll = &t
		}
		stats = append(stats, st)
	}
	return stats
}

// lookup returns the live subscription for id.
func (m *Manager) lookup(id int64) (*subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// currentHandle returns the subscription's broker handle, which may have
// been swapped by a reattach.
func (m *Manager) currentHandle(id int64) (broker.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.handle, nil
}

// reattach replaces a subscription's broker handle after a transient
// failure. The old handle is released once the new one is in place.
func (m *Manager) reattach(ctx context.Context, id int64) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	channel := s.sub.Channel
	old := s.handle
	m.mu.Unlock()

	handle, err := m.broker.Attach(ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to reattach to channel %s: %w", channel, err)
	}

	m.mu.Lock()
	s, ok = m.subs[id]
	if !ok {
		m.mu.Unlock()
		_ = m.broker.Detach(handle)
		return ErrNotFound
	}
	s.handle = handle
	m.mu.Unlock()

	_ = m.broker.Detach(old)
	metrics.BrokerReconnectsTotal.Inc()
	m.logger.Warn().Int64("subscription_id", id).Str("channel", channel).Msg("Broker connection reattached")
	return nil
}

// keepAliveLoop publishes a BEEP on every channel with at least one live
// subscription, then exits once no subscriptions remain.
func (m *Manager) keepAliveLoop() {
	ticker := time.NewTicker(m.cfg.KeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			if len(m.subs) == 0 {
				m.keepAlive = false
				m.mu.Unlock()
				return
			}
			channels := make([]string, 0, len(m.channels))
			for ch := range m.channels {
				channels = append(channels, ch)
			}
			m.mu.Unlock()

			for _, ch := range channels {
				if err := m.publisher.PublishKeepAlive(context.Background(), ch); err != nil {
					m.logger.Warn().Err(err).Str("channel", ch).Msg("Keep-alive publish failed")
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// Close detaches every live subscription and stops background tasks.
func (m *Manager) Close() {
	close(m.stopCh)

	m.mu.Lock()
	handles := make([]broker.Handle, 0, len(m.subs))
	for _, s := range m.subs {
		handles = append(handles, s.handle)
	}
	m.subs = make(map[int64]*subscription)
	m.channels = make(map[string]int)
	m.mu.Unlock()

	for _, h := range handles {
		_ = m.broker.Detach(h)
	}
}
