/*
Package registry stores durable subscriber state.

A record exists per client-chosen subscriber ID and carries the channel,
owning user, promiscuous flag and the acknowledged-cursor position
(last_event_id). Records outlive live subscriptions: unsubscribing keeps the
record so the client can reconnect and catch up. A record is bound to the
user that created it; the subscription manager rejects attach attempts by
any other user.
*/
package registry
