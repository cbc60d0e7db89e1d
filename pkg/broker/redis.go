package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kernelci/eventbus/pkg/log"
)

// RedisBroker backs the channel bus with Redis pub/sub, allowing several
// API processes to share one bus. Reliability is unchanged: Redis pub/sub
// delivers only to currently subscribed clients.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBroker connects to the Redis instance at host (":6379" is assumed
// when no port is given) using the numbered database.
func NewRedisBroker(host string, dbNumber int) *RedisBroker {
	addr := host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "6379")
	}
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   dbNumber,
		}),
		logger: log.WithComponent("redis-broker"),
	}
}

// Ping verifies the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

// Publish sends payload on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Attach subscribes to channel and waits for the subscription confirmation.
func (b *RedisBroker) Attach(ctx context.Context, channel string) (Handle, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	return &redisHandle{channel: channel, ps: ps}, nil
}

// Detach closes the subscription.
func (b *RedisBroker) Detach(h Handle) error {
	rh, ok := h.(*redisHandle)
	if !ok {
		return nil
	}
	return rh.ps.Close()
}

// Close releases the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisHandle struct {
	channel string
	ps      *redis.PubSub
}

func (h *redisHandle) Channel() string { return h.channel }

// Poll waits up to timeout for the next message. A receive timeout is the
// quiet case (nil, nil); any other receive failure means the subscription
// is no longer live and is reported as ErrConnLost.
func (h *redisHandle) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	msg, err := h.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrConnLost, err)
	}

	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription confirmations and pongs are not messages
		return nil, nil
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
