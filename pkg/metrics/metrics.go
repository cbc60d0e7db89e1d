package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publish path metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_published_total",
			Help: "Total number of events published by channel",
		},
		[]string{"channel"},
	)

	PublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_publish_failures_total",
			Help: "Total number of publishes rejected by the event log",
		},
	)

	KeepAlivesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_keepalives_total",
			Help: "Total number of keep-alive messages published",
		},
	)

	// Delivery path metrics
	EventsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_events_delivered_total",
			Help: "Total number of events delivered by mode (live or catchup)",
		},
		[]string{"mode"},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_broker_reconnects_total",
			Help: "Total number of transparent broker reattachments",
		},
	)

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_subscriptions_active",
			Help: "Number of live subscriptions",
		},
	)

	ChannelsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbus_channels_tracked",
			Help: "Number of channels with at least one live subscription",
		},
	)

	// Maintenance metrics
	EventsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_events_purged_total",
			Help: "Total number of events removed by retention",
		},
	)

	SubscriptionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_subscriptions_reaped_total",
			Help: "Total number of stale live subscriptions removed",
		},
	)

	SubscribersReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_subscribers_reaped_total",
			Help: "Total number of stale durable subscriber records removed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		EventsPublishedTotal,
		PublishFailuresTotal,
		KeepAlivesTotal,
		EventsDeliveredTotal,
		BrokerReconnectsTotal,
		SubscriptionsActive,
		ChannelsTracked,
		EventsPurgedTotal,
		SubscriptionsReapedTotal,
		SubscribersReapedTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
