/*
Package api exposes the pub/sub engine over HTTP.

Routes:

	POST /subscribe/{channel}?promiscuous=&subscriber_id=
	POST /unsubscribe/{id}
	GET  /listen/{id}          long-poll, returns the next CloudEvents envelope
	POST /publish/{channel}    CloudEvents structured body
	GET  /events               durable log query (channel, from_seq, id, limit)
	GET  /subscriptions        live subscription statistics
	GET  /healthz
	GET  /metrics

All routes except /healthz and /metrics require a bearer token resolved to
a user through the Authenticator interface. Engine errors map to statuses:
unknown IDs are 404, foreign subscriptions 403, subscriber-ID conflicts
409, malformed input 400.
*/
package api
