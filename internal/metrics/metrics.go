// Package metrics holds the Prometheus collectors of the service. They register
// with the default registry on import and are exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vitalink"

var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	},
	[]string{"method", "route", "status"},
)

var HTTPRequestDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// RedemptionsTotal counts redemption attempts.
// Labels:
//   - kind: unlock, promo, purchase or unknown
//   - result: ok or the failure reason (invalid_code, already_used, limit_reached, ...)
var RedemptionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redemptions_total",
		Help:      "Total number of code redemption attempts.",
	},
	[]string{"kind", "result"},
)

var CodesIssuedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "codes_issued_total",
		Help:      "Total number of codes issued.",
	},
	[]string{"kind"},
)

var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Total number of login attempts.",
	},
	[]string{"result"},
)

var ResetRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reset_requests_total",
		Help:      "Total number of password reset requests and confirmations.",
	},
	[]string{"stage", "result"},
)

// NotificationsTotal counts gateway deliveries.
// Labels:
//   - channel: email or push
//   - result: sent, failed or skipped
var NotificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Total number of notification deliveries.",
	},
	[]string{"channel", "result"},
)

var ExtractionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extractions_total",
		Help:      "Total number of document extraction calls.",
	},
	[]string{"document", "result"},
)

// DevicesRegistered is the number of push registrations left after the last
// stale-device sweep.
var DevicesRegistered = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_registered",
		Help:      "Number of registered push devices after the last cleanup.",
	},
)
