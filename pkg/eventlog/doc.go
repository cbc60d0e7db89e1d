/*
Package eventlog implements the durable, append-only event store.

Every published event is written here before it is broadcast, keyed by its
global sequence number in big-endian form so that bucket order is sequence
order. Durable subscribers replay missed events from this log on reconnect.

Events are immutable; the only mutation is time-based retention, which
removes events older than the configured horizon (7 days by default).
Readers must tolerate a gap between a durable cursor and the earliest
surviving event.

A log created by the pre-sequence format (24h retention, no sequence
numbers) is detected through its retention metadata and rebuilt on open,
before any traffic is served.
*/
package eventlog
