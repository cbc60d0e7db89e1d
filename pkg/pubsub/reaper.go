package pubsub

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
)

// CleanupStaleSubscriptions unsubscribes live subscriptions that have not
// polled within maxAge. Durable subscriber state is preserved; the client
// can reconnect and catch up.
func (m *Manager) CleanupStaleSubscriptions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []int64
	for id, s := range m.subs {
		last := s.created
		if nanos := s.lastPoll.Load(); nanos > 0 {
			last = time.Unix(0, nanos)
		}
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.Unsubscribe(id, ""); err != nil && err != ErrNotFound {
			m.logger.Warn().Err(err).Int64("subscription_id", id).Msg("Stale unsubscribe failed")
		}
	}
	if len(stale) > 0 {
		metrics.SubscriptionsReapedTotal.Add(float64(len(stale)))
	}
	return len(stale)
}

// CleanupStaleSubscriberStates deletes durable subscriber records whose
// last poll is older than maxAge. This is the long-horizon policy and is
// irreversible.
func (m *Manager) CleanupStaleSubscriberStates(maxAge time.Duration) (int, error) {
	deleted, err := m.registry.DeleteStale(time.Now().UTC().Add(-maxAge))
	if deleted > 0 {
		metrics.SubscribersReapedTotal.Add(float64(deleted))
	}
	return deleted, err
}

// ReaperConfig holds the two cleanup policies and the sweep interval.
type ReaperConfig struct {
	Interval                time.Duration
	StaleSubscriptionMaxAge time.Duration
	StaleSubscriberMaxAge   time.Duration
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.StaleSubscriptionMaxAge <= 0 {
		c.StaleSubscriptionMaxAge = 30 * time.Minute
	}
	if c.StaleSubscriberMaxAge <= 0 {
		c.StaleSubscriberMaxAge = 30 * 24 * time.Hour
	}
	return c
}

// Reaper periodically applies both cleanup policies.
type Reaper struct {
	mgr    *Manager
	cfg    ReaperConfig
	stopCh chan struct{}
	logger zerolog.Logger
}

// NewReaper creates a reaper for mgr.
func NewReaper(mgr *Manager, cfg ReaperConfig) *Reaper {
	return &Reaper{
		mgr:    mgr,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("reaper"),
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop terminates the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("Reaper started")
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			r.logger.Info().Msg("Reaper stopped")
			return
		}
	}
}

func (r *Reaper) sweep() {
	if n := r.mgr.CleanupStaleSubscriptions(r.cfg.StaleSubscriptionMaxAge); n > 0 {
		r.logger.Info().Int("removed", n).Msg("Stale subscriptions removed")
	}
	n, err := r.mgr.CleanupStaleSubscriberStates(r.cfg.StaleSubscriberMaxAge)
	if err != nil {
		r.logger.Error().Err(err).Msg("Stale subscriber cleanup failed")
	} else if n > 0 {
		r.logger.Info().Int("removed", n).Msg("Stale subscriber records removed")
	}
}
