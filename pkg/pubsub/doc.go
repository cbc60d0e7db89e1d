/*
Package pubsub implements the hybrid publish/subscribe engine.

The engine provides two delivery tiers over the same channels:

	┌───────────┐   append    ┌───────────┐
	│ Publisher ├────────────▶│ Event Log │  durable, replayable
	│           │             └─────┬─────┘
	│           │   broadcast ┌─────▼─────┐
	│           ├────────────▶│  Broker   │  fast, unreliable
	└───────────┘             └─────┬─────┘
	                                │ poll
	                          ┌─────▼─────┐
	                          │ Listener  │  catch-up, then live
	                          └───────────┘

Fire-and-forget subscriptions attach to the broker only: messages published
while they are not listening are lost, by contract. Durable subscriptions
(created with a client-chosen subscriber ID) additionally keep a cursor in
the subscriber registry; on reconnect the manager queues the events the
cursor missed, oldest first and at most the catch-up limit (the rest follow
on a later reconnect), the listener drains that queue before any live
traffic, and
each Listen call implicitly acknowledges the previous delivery. Delivery is
at-least-once in strictly increasing sequence order.

Concurrency: the subscription table and channel-interest set are guarded by
one manager mutex. All other per-subscription state belongs to the single
listener serving that subscription; Listen must not be called concurrently
for the same subscription ID.

A keep-alive task broadcasts a BEEP on every channel with live
subscriptions so clients can detect dead connections; BEEPs bypass the
event log. The reaper removes live subscriptions that stopped polling
(preserving durable state) and, on a much longer horizon, durable
subscriber records that never came back.
*/
package pubsub
