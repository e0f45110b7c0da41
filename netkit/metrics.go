package netkit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netkit_requests_total",
	Help: "Number of endpoint requests delivered, by outcome",
}, []string{"method", "route", "outcome"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "netkit_request_duration_seconds",
	Help:    "Duration of endpoint requests, including retries",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
}, []string{"method", "route"})

var requestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netkit_request_retries_total",
	Help: "Number of retries scheduled after a credential refresh",
}, []string{"route"})

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netkit_token_refreshes_total",
	Help: "Number of credential refresh attempts triggered by 401 responses",
}, []string{"result"})
