/*
Package sequence provides the persistent monotonic counters used by the
event bus.

Two independent counters are kept in the same bucket: one for event sequence
numbers (the total order of the event log) and one for subscription IDs.
Each counter is initialized to 0 on first boot, never resets, and advances
inside a single write transaction so that a value is durable before any
caller sees it.
*/
package sequence
