package broker

import (
	"context"
	"errors"
	"time"
)

// ErrConnLost reports a transient broker failure. The listener recovers by
// detaching and attaching again; durable subscribers replay anything missed
// from the event log.
var ErrConnLost = errors.New("broker connection lost")

// Broker is a publish/subscribe channel bus with per-channel fan-out to
// currently attached handles. It is contractually unreliable: a subscriber
// that is not attached at publish time does not receive the message, and a
// slow subscriber may have messages dropped. Durable delivery is the event
// log's job, not the broker's.
type Broker interface {
	// Publish sends payload to every handle attached to channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Attach joins channel and returns a handle for polling.
	Attach(ctx context.Context, channel string) (Handle, error)
	// Detach releases a handle. The handle must not be polled afterwards.
	Detach(h Handle) error
	// Close releases the broker and all attached handles.
	Close() error
}

// Handle is a single attachment to a channel.
type Handle interface {
	// Channel returns the channel this handle is attached to.
	Channel() string
	// Poll waits up to timeout for the next message. It returns (nil, nil)
	// when no message arrived within the timeout, and ErrConnLost when the
	// attachment is no longer live.
	Poll(ctx context.Context, timeout time.Duration) ([]byte, error)
}
