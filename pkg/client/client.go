package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kernelci/eventbus/pkg/types"
)

// Client talks to the event bus HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the API at baseURL authenticating with token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		// No overall timeout: Listen long-polls. Callers bound requests
		// with a context instead.
		http: &http.Client{},
	}
}

// SubscribeOptions mirror the subscribe query parameters.
type SubscribeOptions struct {
	SubscriberID string
	Promiscuous  bool
}

// Subscribe creates a live subscription on channel.
func (c *Client) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (*types.Subscription, error) {
	q := url.Values{}
	if opts.SubscriberID != "" {
		q.Set("subscriber_id", opts.SubscriberID)
	}
	if opts.Promiscuous {
		q.Set("promiscuous", "true")
	}

	var sub types.Subscription
	if err := c.do(ctx, http.MethodPost, "/subscribe/"+url.PathEscape(channel), q, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unsubscribe removes a live subscription.
func (c *Client) Unsubscribe(ctx context.Context, subID int64) error {
	return c.do(ctx, http.MethodPost, "/unsubscribe/"+strconv.FormatInt(subID, 10), nil, nil, nil)
}

// Listen blocks until the next message for the subscription arrives and
// returns the raw CloudEvents envelope.
func (c *Client) Listen(ctx context.Context, subID int64) (json.RawMessage, error) {
	var envelope json.RawMessage
	err := c.do(ctx, http.MethodGet, "/listen/"+strconv.FormatInt(subID, 10), nil, nil, &envelope)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// PublishRequest is the CloudEvents structured publish body.
type PublishRequest struct {
	Type   string          `json:"type,omitempty"`
	Source string          `json:"source,omitempty"`
	Owner  string          `json:"owner,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Publish sends an event on channel and returns its sequence number.
func (c *Client) Publish(ctx context.Context, channel string, req PublishRequest) (int64, error) {
	var resp struct {
		SequenceID int64 `json:"sequence_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/publish/"+url.PathEscape(channel), nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.SequenceID, nil
}

// EventsPage is one page of the durable log.
type EventsPage struct {
	Items       []types.Event `json:"items"`
	Count       int           `json:"count"`
	NextFromSeq int64         `json:"next_from_seq"`
}

// Events queries the durable log.
func (c *Client) Events(ctx context.Context, channel string, fromSeq int64, limit int) (*EventsPage, error) {
	q := url.Values{}
	if channel != "" {
		q.Set("channel", channel)
	}
	if fromSeq > 0 {
		q.Set("from_seq", strconv.FormatInt(fromSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page EventsPage
	if err := c.do(ctx, http.MethodGet, "/events", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Subscriptions returns live subscription statistics.
func (c *Client) Subscriptions(ctx context.Context) ([]types.SubscriptionStats, error) {
	var stats []types.SubscriptionStats
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Healthy reports whether the API answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
