package pubsub

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/envelope"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/registry"
	"github.com/kernelci/eventbus/pkg/sequence"
	"github.com/kernelci/eventbus/pkg/types"
)

type testEngine struct {
	mgr   *Manager
	pub   *Publisher
	bus   *broker.MemoryBroker
	reg   *registry.Registry
	evlog *eventlog.Log
}

func newTestEngine(t *testing.T, cfg Config, retention time.Duration) *testEngine {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	db, err := bolt.Open(filepath.Join(t.TempDir(), "engine.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventSeq, err := sequence.NewBoltOracle(db, "event_seq")
	require.NoError(t, err)
	subSeq, err := sequence.NewBoltOracle(db, "subscription_id")
	require.NoError(t, err)

	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}
	evlog, err := eventlog.Open(db, eventSeq, retention)
	require.NoError(t, err)
	reg, err := registry.Open(db)
	require.NoError(t, err)

	bus := broker.NewMemoryBroker()
	if cfg.Source == "" {
		cfg.Source = "https://test.kernelci.org/"
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	pub := NewPublisher(evlog, bus, cfg.Source)
	mgr := NewManager(cfg, bus, evlog, reg, pub, subSeq, eventSeq)
	t.Cleanup(mgr.Close)

	return &testEngine{mgr: mgr, pub: pub, bus: bus, reg: reg, evlog: evlog}
}

func (e *testEngine) publish(t *testing.T, channel, owner string, data map[string]string) int64 {
	t.Helper()
	seq, err := e.pub.Publish(context.Background(), channel, data, envelope.Attributes{Owner: owner})
	require.NoError(t, err)
	return seq
}

// listen calls Listen with a deadline long enough for delivery.
func (e *testEngine) listen(t *testing.T, subID int64, user string) *types.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := e.mgr.Listen(ctx, subID, user)
	require.NoError(t, err)
	return msg
}

// listenNothing asserts that no message arrives within a short window.
func (e *testEngine) listenNothing(t *testing.T, subID int64, user string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := e.mgr.Listen(ctx, subID, user)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func decode(t *testing.T, msg *types.Message) (map[string]string, int64) {
	t.Helper()
	parsed, err := envelope.Parse(msg.Payload)
	require.NoError(t, err)
	var data map[string]string
	if len(parsed.Data) > 0 {
		_ = json.Unmarshal(parsed.Data, &data)
	}
	return data, parsed.SequenceID
}

func TestFireAndForgetLoss(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	// Published with nobody attached: gone from the broker tier.
	e.publish(t, "node", "", map[string]string{"op": "created", "id": "n1"})

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	e.listenNothing(t, sub.ID, "alice")

	e.publish(t, "node", "", map[string]string{"op": "created", "id": "n2"})

	msg := e.listen(t, sub.ID, "alice")
	data, _ := decode(t, msg)
	assert.Equal(t, "n2", data["id"], `the "n1" event must not be delivered`)
}

func TestDurableCatchup(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	e.listenNothing(t, sub.ID, "alice")
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	for _, id := range []string{"a", "b", "c"} {
		e.publish(t, "node", "", map[string]string{"id": id})
	}

	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)

	var prevSeq int64
	for _, want := range []string{"a", "b", "c"} {
		msg := e.listen(t, sub.ID, "alice")
		data, seq := decode(t, msg)
		assert.Equal(t, want, data["id"])
		assert.Greater(t, seq, prevSeq, "delivery must be in strictly increasing sequence order")
		prevSeq = seq
	}

	e.listenNothing(t, sub.ID, "alice")
}

func TestResubscribeWithoutNewPublishesIsEmpty(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	e.publish(t, "node", "", map[string]string{"id": "a"})
	e.listen(t, sub.ID, "alice")
	e.listenNothing(t, sub.ID, "alice") // acks "a"
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	e.listenNothing(t, sub.ID, "alice")
}

func TestOwnerFilter(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	e.publish(t, "node", "bob", map[string]string{"id": "bobs"})
	e.listenNothing(t, sub.ID, "alice")

	e.publish(t, "node", "alice", map[string]string{"id": "alices"})
	msg := e.listen(t, sub.ID, "alice")
	data, _ := decode(t, msg)
	assert.Equal(t, "alices", data["id"])

	e.publish(t, "node", "", map[string]string{"id": "unowned"})
	msg = e.listen(t, sub.ID, "alice")
	data, _ = decode(t, msg)
	assert.Equal(t, "unowned", data["id"], "unowned events are visible to everyone")
}

func TestPromiscuousSeesForeignEvents(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{Promiscuous: true})
	require.NoError(t, err)

	e.publish(t, "node", "bob", map[string]string{"id": "bobs"})
	msg := e.listen(t, sub.ID, "alice")
	data, _ := decode(t, msg)
	assert.Equal(t, "bobs", data["id"])
}

func TestBrokerTransientFailureIsAbsorbed(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)

	// Sever the broker connection out from under the listener.
	handle, err := e.mgr.currentHandle(sub.ID)
	require.NoError(t, err)
	e.bus.Drop(handle)

	// The next listen reattaches transparently instead of failing.
	e.listenNothing(t, sub.ID, "alice")

	newHandle, err := e.mgr.currentHandle(sub.ID)
	require.NoError(t, err)
	assert.NotEqual(t, handle, newHandle, "the broker handle must have been replaced")

	seq := e.publish(t, "node", "", map[string]string{"id": "after"})
	msg := e.listen(t, sub.ID, "alice")
	data, gotSeq := decode(t, msg)
	assert.Equal(t, "after", data["id"])
	assert.Equal(t, seq, gotSeq)
}

func TestImplicitAckAcrossCrash(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)

	seq := e.publish(t, "node", "", map[string]string{"id": "x"})
	msg := e.listen(t, sub.ID, "alice")
	_, gotSeq := decode(t, msg)
	require.Equal(t, seq, gotSeq)

	// Crash before the next listen: the delivery was never acknowledged.
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)

	msg = e.listen(t, sub.ID, "alice")
	_, replayedSeq := decode(t, msg)
	assert.Equal(t, seq, replayedSeq, "the unacknowledged event must be replayed")

	// The following listen acknowledges it for good.
	e.listenNothing(t, sub.ID, "alice")
	state, err := e.reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, seq, state.LastEventID)
}

func TestKeepAlive(t *testing.T) {
	e := newTestEngine(t, Config{KeepAlivePeriod: 50 * time.Millisecond}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "test", "alice", Options{})
	require.NoError(t, err)

	msg := e.listen(t, sub.ID, "alice")
	parsed, err := envelope.Parse(msg.Payload)
	require.NoError(t, err)

	var beep string
	require.NoError(t, json.Unmarshal(parsed.Data, &beep))
	assert.Equal(t, "BEEP", beep)
	assert.Zero(t, parsed.SequenceID, "keep-alives are not sequenced")

	events, err := e.evlog.Range("", 0, "", true, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "keep-alives must never reach the durable log")
}

func TestCatchupCap(t *testing.T) {
	e := newTestEngine(t, Config{CatchupLimit: 10}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	for i := 0; i < 25; i++ {
		e.publish(t, "node", "", map[string]string{"id": string(rune('a' + i))})
	}

	// First reconnect: exactly the cap, oldest first.
	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	var last int64
	for i := 0; i < 10; i++ {
		msg := e.listen(t, sub.ID, "alice")
		_, seq := decode(t, msg)
		assert.Equal(t, int64(i+1), seq)
		last = seq
	}
	e.listenNothing(t, sub.ID, "alice")
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	state, err := e.reg.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, last, state.LastEventID, "the cursor advances to the last delivered event")

	// Second reconnect: the remainder continues where the cap stopped.
	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	msg := e.listen(t, sub.ID, "alice")
	_, seq := decode(t, msg)
	assert.Equal(t, int64(11), seq)
}

func TestSubscriberConflict(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "shared"})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	_, err = e.mgr.Subscribe(ctx, "node", "bob", Options{SubscriberID: "shared"})
	assert.ErrorIs(t, err, ErrSubscriberConflict)
}

func TestUnsubscribeAuthorization(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, e.mgr.Unsubscribe(sub.ID, "bob"), ErrAccessDenied)
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	_, err = e.mgr.Listen(ctx, sub.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, e.mgr.Unsubscribe(sub.ID, "alice"), ErrNotFound)
}

func TestListenAuthorization(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	_, err = e.mgr.Listen(ctx, sub.ID, "bob")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestSubscribeRejectsEmptyChannel(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)

	_, err := e.mgr.Subscribe(context.Background(), "", "alice", Options{})
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestRetentionGapNotice(t *testing.T) {
	e := newTestEngine(t, Config{}, 50*time.Millisecond)
	ctx := context.Background()

	// Durable cursor parked at 0, history expires past it.
	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Unsubscribe(sub.ID, "alice"))

	for i := 0; i < 3; i++ {
		e.publish(t, "node", "", map[string]string{"id": "lost"})
	}
	time.Sleep(60 * time.Millisecond)
	purged, err := e.evlog.PurgeExpired(time.Now())
	require.NoError(t, err)
	require.Equal(t, 3, purged)

	seq := e.publish(t, "node", "", map[string]string{"id": "kept"})

	sub, err = e.mgr.Subscribe(ctx, "node", "alice", Options{SubscriberID: "S1"})
	require.NoError(t, err)

	// First delivery is the synthetic warning, unsequenced and unstored.
	msg := e.listen(t, sub.ID, "alice")
	parsed, err := envelope.Parse(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.DefaultType+".warning", parsed.Type)
	assert.Zero(t, parsed.SequenceID)

	var notice map[string]any
	require.NoError(t, json.Unmarshal(parsed.Data, &notice))
	assert.Equal(t, "history_gap", notice["reason"])

	// Catch-up then resumes from the oldest surviving event.
	msg = e.listen(t, sub.ID, "alice")
	data, gotSeq := decode(t, msg)
	assert.Equal(t, "kept", data["id"])
	assert.Equal(t, seq, gotSeq)
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	stats := e.mgr.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, sub.ID, stats[0].ID)
	assert.Equal(t, "node", stats[0].Channel)
	assert.Nil(t, stats[0].LastPoll)

	e.listenNothing(t, sub.ID, "alice")
	stats = e.mgr.Stats()
	require.Len(t, stats, 1)
	assert.NotNil(t, stats[0].LastPoll)
}

func TestPublishFailureSuppressesBroadcast(t *testing.T) {
	e := newTestEngine(t, Config{}, 0)
	ctx := context.Background()

	sub, err := e.mgr.Subscribe(ctx, "node", "alice", Options{})
	require.NoError(t, err)

	// Unencodable data fails before the log write; nothing is broadcast.
	_, err = e.pub.Publish(ctx, "node", make(chan int), envelope.Attributes{})
	require.Error(t, err)

	e.listenNothing(t, sub.ID, "alice")

	events, err := e.evlog.Range("", 0, "", true, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
