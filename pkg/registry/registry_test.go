package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "subs.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r, err := Open(db)
	require.NoError(t, err)
	return r
}

func testState(id string) *types.SubscriberState {
	return &types.SubscriberState{
		SubscriberID: id,
		Channel:      "node",
		User:         "alice",
		LastEventID:  10,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.Create(testState("scheduler-1")))

	state, err := r.Get("scheduler-1")
	require.NoError(t, err)
	assert.Equal(t, "node", state.Channel)
	assert.Equal(t, "alice", state.User)
	assert.Equal(t, int64(10), state.LastEventID)

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateEnforcesUniqueness(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.Create(testState("scheduler-1")))
	assert.ErrorIs(t, r.Create(testState("scheduler-1")), ErrExists)
}

func TestUpdateCursorIsMonotonic(t *testing.T) {
	r := openTestRegistry(t)
	require.NoError(t, r.Create(testState("scheduler-1")))

	now := time.Now().UTC()
	require.NoError(t, r.UpdateCursor("scheduler-1", 42, now))

	state, err := r.Get("scheduler-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.LastEventID)
	assert.WithinDuration(t, now, state.LastPoll, time.Second)

	// A lower event ID never regresses the cursor.
	require.NoError(t, r.UpdateCursor("scheduler-1", 7, now.Add(time.Second)))
	state, err = r.Get("scheduler-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.LastEventID)

	assert.ErrorIs(t, r.UpdateCursor("unknown", 1, now), ErrNotFound)
}

func TestDeleteStale(t *testing.T) {
	r := openTestRegistry(t)

	old := testState("old-subscriber")
	old.CreatedAt = time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, r.Create(old))

	fresh := testState("fresh-subscriber")
	require.NoError(t, r.Create(fresh))
	require.NoError(t, r.UpdateCursor("fresh-subscriber", 11, time.Now().UTC()))

	deleted, err := r.DeleteStale(time.Now().UTC().Add(-30 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = r.Get("old-subscriber")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("fresh-subscriber")
	assert.NoError(t, err)
}
