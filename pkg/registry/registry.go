package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/types"
)

var bucketSubscribers = []byte("subscribers")

var (
	// ErrNotFound is returned when no record exists for a subscriber ID.
	ErrNotFound = errors.New("subscriber not found")
	// ErrExists is returned by Create when the subscriber ID is taken.
	ErrExists = errors.New("subscriber already exists")
)

// Registry is the persistent store of durable subscriber state. Records are
// keyed by the client-chosen subscriber ID and survive process restarts;
// they are removed only by the reaper's long-horizon policy.
type Registry struct {
	db *bolt.DB
}

// Open prepares the registry inside db.
func Open(db *bolt.DB) (*Registry, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSubscribers)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open subscriber registry: %w", err)
	}
	return &Registry{db: db}, nil
}

// Get returns the state for a subscriber ID.
func (r *Registry) Get(subscriberID string) (*types.SubscriberState, error) {
	var state types.SubscriberState
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubscribers).Get([]byte(subscriberID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Create stores a new subscriber record. The subscriber ID must be unused.
func (r *Registry) Create(state *types.SubscriberState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode subscriber state: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		if b.Get([]byte(state.SubscriberID)) != nil {
			return ErrExists
		}
		return b.Put([]byte(state.SubscriberID), raw)
	})
}

// UpdateCursor advances a subscriber's acknowledged event ID and records the
// poll time. The cursor is monotonic: a lower event ID than the stored one
// is never written.
func (r *Registry) UpdateCursor(subscriberID string, lastEventID int64, lastPoll time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		raw := b.Get([]byte(subscriberID))
		if raw == nil {
			return ErrNotFound
		}
		var state types.SubscriberState
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("corrupt subscriber record %s: %w", subscriberID, err)
		}
		if lastEventID > state.LastEventID {
			state.LastEventID = lastEventID
		}
		if lastPoll.After(state.LastPoll) {
			state.LastPoll = lastPoll
		}
		updated, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		return b.Put([]byte(subscriberID), updated)
	})
}

// DeleteStale removes subscriber records whose last poll is older than the
// cutoff and returns how many were removed. Removal is irreversible.
func (r *Registry) DeleteStale(olderThan time.Time) (int, error) {
	var deleted int
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscribers)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var state types.SubscriberState
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("corrupt subscriber record %s: %w", k, err)
			}
			last := state.LastPoll
			if last.IsZero() {
				last = state.CreatedAt
			}
			if last.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to delete stale subscribers: %w", err)
	}
	return deleted, nil
}
