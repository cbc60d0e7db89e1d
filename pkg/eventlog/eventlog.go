package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
	"github.com/kernelci/eventbus/pkg/sequence"
	"github.com/kernelci/eventbus/pkg/types"
)

var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("eventmeta")

	keyRetention = []byte("retention_seconds")
)

// legacyRetention is the retention of the pre-sequence log format. A log
// whose metadata carries this value (or none at all) predates sequence
// numbering and must be rebuilt before serving traffic.
const legacyRetention = 24 * time.Hour

// DefaultRangeLimit bounds Range reads when the caller passes no limit.
const DefaultRangeLimit = 1000

// ErrNotFound is returned when a requested event does not exist.
var ErrNotFound = errors.New("event not found")

// Log is the append-only persistent store of published events, keyed by the
// global sequence number. Reads and writes are safe for unrestricted
// concurrent use.
type Log struct {
	db        *bolt.DB
	seq       sequence.Oracle
	retention time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// Open prepares the event log inside db. If a legacy-format log is present
// it is rebuilt (dropped and recreated) before the log is returned; data
// loss is bounded by the legacy retention.
func Open(db *bolt.DB, seq sequence.Oracle, retention time.Duration) (*Log, error) {
	l := &Log{
		db:        db,
		seq:       seq,
		retention: retention,
		logger:    log.WithComponent("eventlog"),
		stopCh:    make(chan struct{}),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if err := l.migrateLegacy(tx); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return meta.Put(keyRetention, encodeSeconds(retention))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return l, nil
}

// migrateLegacy detects the pre-sequence log format and rebuilds it. The
// old format is recognized by its retention metadata: either none (the
// format predates the meta bucket) or the legacy 24h value.
func (l *Log) migrateLegacy(tx *bolt.Tx) error {
	events := tx.Bucket(bucketEvents)
	if events == nil {
		return nil
	}
	if k, _ := events.Cursor().First(); k == nil {
		return nil
	}

	legacy := true
	if meta := tx.Bucket(bucketMeta); meta != nil {
		if raw := meta.Get(keyRetention); raw != nil {
			legacy = decodeSeconds(raw) == legacyRetention
		}
	}
	if !legacy {
		return nil
	}

	l.logger.Warn().Msg("Legacy event log format detected, rebuilding")
	if err := tx.DeleteBucket(bucketEvents); err != nil {
		return fmt.Errorf("failed to drop legacy events: %w", err)
	}
	_, err := tx.CreateBucket(bucketEvents)
	return err
}

// Append obtains a sequence number, durably writes the event, and returns
// the sequence number. The write is confirmed before Append returns; on
// error nothing was stored and the caller must not broadcast.
func (l *Log) Append(channel string, data json.RawMessage, owner string) (int64, error) {
	seq, err := l.seq.Next()
	if err != nil {
		return 0, err
	}

	ev := types.Event{
		SequenceID: seq,
		Timestamp:  time.Now().UTC(),
		Channel:    channel,
		Owner:      owner,
		Data:       data,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(encodeSeq(seq), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return seq, nil
}

// Range returns events on channel with sequence numbers greater than
// afterSeq, in ascending sequence order, up to limit (DefaultRangeLimit if
// limit <= 0). An empty channel matches every channel. Unless promiscuous,
// only events owned by ownerFilter or by nobody are returned.
func (l *Log) Range(channel string, afterSeq int64, ownerFilter string, promiscuous bool, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = DefaultRangeLimit
	}

	var out []types.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(encodeSeq(afterSeq + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("corrupt event record %d: %w", decodeSeq(k), err)
			}
			if channel != "" && ev.Channel != channel {
				continue
			}
			if !promiscuous && ev.Owner != "" && ev.Owner != ownerFilter {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the event with the given sequence number.
func (l *Log) Get(seq int64) (*types.Event, error) {
	var ev types.Event
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEvents).Get(encodeSeq(seq))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// EarliestSequence returns the lowest sequence number still in the log, or
// 0 when the log is empty. Callers use it to detect retention gaps.
func (l *Log) EarliestSequence() (int64, error) {
	var earliest int64
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketEvents).Cursor().First(); k != nil {
			earliest = decodeSeq(k)
		}
		return nil
	})
	return earliest, err
}

// PurgeExpired removes events older than the retention horizon and returns
// how many were removed. Sequence order tracks append time, so the walk
// stops at the first surviving event.
func (l *Log) PurgeExpired(now time.Time) (int, error) {
	horizon := now.Add(-l.retention)
	var purged int
	err := l.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("corrupt event record %d: %w", decodeSeq(k), err)
			}
			if !ev.Timestamp.Before(horizon) {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return purged, fmt.Errorf("failed to purge expired events: %w", err)
	}
	if purged > 0 {
		metrics.EventsPurgedTotal.Add(float64(purged))
		l.logger.Info().Int("purged", purged).Msg("Expired events removed")
	}
	return purged, nil
}

// StartRetention begins the periodic retention sweep.
func (l *Log) StartRetention(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := l.PurgeExpired(time.Now()); err != nil {
					l.logger.Error().Err(err).Msg("Retention sweep failed")
				}
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the retention sweep.
func (l *Log) Stop() {
	close(l.stopCh)
}

func encodeSeq(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeSeq(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func encodeSeconds(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(d/time.Second))
	return buf
}

func decodeSeconds(b []byte) time.Duration {
	if len(b) != 8 {
		return 0
	}
	return time.Duration(binary.BigEndian.Uint64(b)) * time.Second
}
