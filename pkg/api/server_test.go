package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/client"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/pubsub"
	"github.com/kernelci/eventbus/pkg/registry"
	"github.com/kernelci/eventbus/pkg/sequence"
)

func newTestServer(t *testing.T) (*httptest.Server, *client.Client, *client.Client) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	db, err := bolt.Open(filepath.Join(t.TempDir(), "api.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventSeq, err := sequence.NewBoltOracle(db, "event_seq")
	require.NoError(t, err)
	subSeq, err := sequence.NewBoltOracle(db, "subscription_id")
	require.NoError(t, err)
	evlog, err := eventlog.Open(db, eventSeq, 7*24*time.Hour)
	require.NoError(t, err)
	reg, err := registry.Open(db)
	require.NoError(t, err)

	bus := broker.NewMemoryBroker()
	pub := pubsub.NewPublisher(evlog, bus, "https://test.kernelci.org/")
	mgr := pubsub.NewManager(pubsub.Config{
		Source:      "https://test.kernelci.org/",
		PollTimeout: 20 * time.Millisecond,
	}, bus, evlog, reg, pub, subSeq, eventSeq)
	t.Cleanup(mgr.Close)

	srv := NewServer(mgr, pub, evlog, NewTokenAuthenticator(map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
	}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, client.New(ts.URL, "alice-token"), client.New(ts.URL, "bob-token")
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/subscribe/node", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzNeedsNoToken(t *testing.T) {
	ts, alice, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, alice.Healthy(context.Background()))
}

func TestSubscribePublishListenRoundTrip(t *testing.T) {
	_, alice, _ := newTestServer(t)
	ctx := context.Background()

	sub, err := alice.Subscribe(ctx, "node", client.SubscribeOptions{SubscriberID: "dashboard-1"})
	require.NoError(t, err)
	assert.Equal(t, "node", sub.Channel)
	assert.Equal(t, "alice", sub.User)

	seq, err := alice.Publish(ctx, "node", client.PublishRequest{
		Data: json.RawMessage(`{"op":"created","id":"n1"}`),
	})
	require.NoError(t, err)
	assert.Positive(t, seq)

	env, err := alice.Listen(ctx, sub.ID)
	require.NoError(t, err)

	var fields struct {
		Type       string          `json:"type"`
		SequenceID int64           `json:"_sequence_id"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env, &fields))
	assert.Equal(t, "api.kernelci.org", fields.Type)
	assert.Equal(t, seq, fields.SequenceID)
	assert.JSONEq(t, `{"op":"created","id":"n1"}`, string(fields.Data))

	require.NoError(t, alice.Unsubscribe(ctx, sub.ID))

	_, err = alice.Listen(ctx, sub.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestUnsubscribeUnknownSubscription(t *testing.T) {
	_, alice, _ := newTestServer(t)

	err := alice.Unsubscribe(context.Background(), 12345)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestForeignSubscriptionIsForbidden(t *testing.T) {
	_, alice, bob := newTestServer(t)
	ctx := context.Background()

	sub, err := alice.Subscribe(ctx, "node", client.SubscribeOptions{})
	require.NoError(t, err)

	err = bob.Unsubscribe(ctx, sub.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = bob.Listen(ctx, sub.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSubscriberConflictIsConflict(t *testing.T) {
	_, alice, bob := newTestServer(t)
	ctx := context.Background()

	sub, err := alice.Subscribe(ctx, "node", client.SubscribeOptions{SubscriberID: "shared"})
	require.NoError(t, err)
	require.NoError(t, alice.Unsubscribe(ctx, sub.ID))

	_, err = bob.Subscribe(ctx, "node", client.SubscribeOptions{SubscriberID: "shared"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestPublishValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/publish/node",
		strings.NewReader(`{"type":"api.kernelci.org"}`))
	req.Header.Set("Authorization", "Bearer alice-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "an event without data is rejected")
}

func TestEventsQuery(t *testing.T) {
	_, alice, _ := newTestServer(t)
	ctx := context.Background()

	var seqs []int64
	for _, ch := range []string{"node", "node", "test"} {
		seq, err := alice.Publish(ctx, ch, client.PublishRequest{
			Data: json.RawMessage(`{"id":"x"}`),
		})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	page, err := alice.Events(ctx, "node", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
	for _, ev := range page.Items {
		assert.Equal(t, "node", ev.Channel)
	}

	page, err = alice.Events(ctx, "", seqs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count, "from_seq excludes the cursor itself")
}

func TestSubscriptionsStats(t *testing.T) {
	_, alice, _ := newTestServer(t)
	ctx := context.Background()

	sub, err := alice.Subscribe(ctx, "node", client.SubscribeOptions{Promiscuous: true})
	require.NoError(t, err)

	stats, err := alice.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, sub.ID, stats[0].ID)
	assert.True(t, stats[0].Promiscuous)
}
