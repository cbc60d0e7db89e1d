/*
Package metrics defines the Prometheus collectors exported by the event bus.

Collectors are package-level variables registered once at startup via
Register and served over HTTP with Handler. Counters cover the publish path
(published, rejected, keep-alives), the delivery path (live vs catch-up,
broker reattachments), and maintenance sweeps; gauges track live
subscriptions and channel interest.
*/
package metrics
