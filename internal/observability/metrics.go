package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "orders_created_total", Help: "Total orders created"})
	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "offers_submitted_total", Help: "Total offers submitted"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "offers_rejected_total", Help: "Total offers rejected"})

	OrdersCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_bot", Name: "orders_canceled_total", Help: "Cancellations by initiating side"},
		[]string{"by"},
	)

	NotifyDeliveries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "notify_deliveries_total", Help: "Successful notification deliveries"})
	NotifyFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "notify_failures_total", Help: "Failed notification deliveries"})

	RelayedMessages = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "relay_messages_total", Help: "Messages relayed between matched parties"})
	RelayDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_bot", Name: "relay_dropped_total", Help: "Messages dropped because no session was open"})

	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_bot", Name: "sessions_open", Help: "Currently open chat sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_bot", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_bot",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
