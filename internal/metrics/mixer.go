// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the Prometheus collectors of the connection core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectivityState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mixlink_connectivity_state",
		Help: "Connectivity per host: 1 for the current state, 0 for the others",
	}, []string{"host", "state"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixlink_notifications_total",
		Help: "Change notifications emitted, by changed part (status, roster, video_lists)",
	}, []string{"part"})

	SuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mixlink_notifications_suppressed_total",
		Help: "Observations that matched the cache and emitted no notification",
	})

	SchedulerRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixlink_scheduler_refresh_total",
		Help: "Auto refresh outcomes for HTTP hosts (success, failure)",
	}, []string{"result"})

	SchedulerTries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mixlink_scheduler_refresh_tries",
		Help:    "Number of tries used per auto refresh",
		Buckets: []float64{1, 2, 3},
	})

	TCPFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixlink_tcp_frames_total",
		Help: "Inbound TCP frames decoded, by kind",
	}, []string{"kind"})

	TCPSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mixlink_tcp_sessions_active",
		Help: "TCP sessions whose loops are running",
	})

	TCPDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixlink_tcp_disconnects_total",
		Help: "TCP session terminations, by reason",
	}, []string{"reason"})

	RegistryConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mixlink_registry_connections",
		Help: "Registered connections by transport",
	}, []string{"transport"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mixlink_api_sse_clients",
		Help: "Open Server-Sent-Events streams",
	})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mixlink_bus_dropped_total",
		Help: "Notifications the in-memory bus could not deliver, by topic and reason",
	}, []string{"topic", "reason"})
)

// IncBusDropReason counts one undelivered bus message. Empty labels are
// reported as "unknown".
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

var connectivityStates = []string{"connected", "reconnecting", "disconnected"}

// SetConnectivity records the current connectivity of a host.
func SetConnectivity(host, state string) {
	for _, s := range connectivityStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		connectivityState.WithLabelValues(host, s).Set(value)
	}
}

// ForgetHost removes the connectivity series of a closed host.
func ForgetHost(host string) {
	for _, s := range connectivityStates {
		connectivityState.DeleteLabelValues(host, s)
	}
}
