// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_http_request_total",
			Help: "Total number of device HTTP request attempts",
		},
		[]string{"op", "status_class"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mixlink_http_request_duration_seconds",
			Help:    "Duration of device HTTP requests per attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 10),
		},
		[]string{"op", "status_class"},
	)
	requestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_http_request_errors_total",
			Help: "Number of device HTTP request attempts that failed",
		},
		[]string{"op", "status_class"},
	)
	requestRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixlink_http_request_retries_total",
			Help: "Number of device HTTP request retries performed",
		},
		[]string{"op", "status_class"},
	)
)

func statusClass(err error, status int) string {
	if err != nil {
		return "error"
	}
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status > 0:
		return "1xx"
	}
	return "unknown"
}

func recordAttemptMetrics(op string, status int, duration time.Duration, err error, retry bool) {
	class := statusClass(err, status)
	requestTotal.WithLabelValues(op, class).Inc()
	requestDuration.WithLabelValues(op, class).Observe(duration.Seconds())
	if class != "2xx" {
		requestErrors.WithLabelValues(op, class).Inc()
	}
	if retry {
		requestRetries.WithLabelValues(op, class).Inc()
	}
}
