/*
Package broker provides the in-memory channel bus used for real-time
fan-out.

The broker is fast and unreliable by contract: messages reach only the
handles attached at publish time, and a handle that cannot keep up has
messages dropped. The durable delivery path lives in the event log; the
broker exists so connected subscribers see events without polling storage.

Two implementations are provided. MemoryBroker fans out over buffered Go
channels inside the process. RedisBroker maps the same contract onto Redis
pub/sub so several processes can share one bus; Poll distinguishes a quiet
timeout (nil, nil) from a lost subscription (ErrConnLost), which the
listener uses to reattach transparently.
*/
package broker
