package sequence

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketCounters = []byte("counters")

// ErrUnavailable is returned when the counter store cannot be reached. The
// engine refuses publishes and new subscribes while the oracle is down.
var ErrUnavailable = errors.New("sequence oracle unavailable")

// Oracle yields strictly increasing sequence numbers. Implementations are
// safe for unrestricted concurrent use and survive process restarts.
type Oracle interface {
	// Next atomically increments the counter and returns the new value.
	Next() (int64, error)
	// Current returns the counter's high-water mark without advancing it.
	Current() (int64, error)
}

// BoltOracle is a persistent counter backed by a bbolt bucket. Increments
// run inside a single write transaction, which serializes concurrent callers
// and makes every returned value durable before it is handed out.
type BoltOracle struct {
	db  *bolt.DB
	key []byte
}

// NewBoltOracle opens the named counter, initializing it to 0 if absent.
func NewBoltOracle(db *bolt.DB, name string) (*BoltOracle, error) {
	key := []byte(name)
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketCounters)
		if err != nil {
			return err
		}
		if b.Get(key) == nil {
			return b.Put(key, encodeCounter(0))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize counter %s: %w", name, err)
	}
	return &BoltOracle{db: db, key: key}, nil
}

// Next atomically increments the counter and returns the new value.
func (o *BoltOracle) Next() (int64, error) {
	var next int64
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		next = decodeCounter(b.Get(o.key)) + 1
		return b.Put(o.key, encodeCounter(next))
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return next, nil
}

// Current returns the highest value handed out so far.
func (o *BoltOracle) Current() (int64, error) {
	var cur int64
	err := o.db.View(func(tx *bolt.Tx) error {
		cur = decodeCounter(tx.Bucket(bucketCounters).Get(o.key))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cur, nil
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
