// Copyright (c) 2025 simkit
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics exposes the runtime's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_wire_frames_sent_total",
		Help: "Total frames written to peer links by message kind",
	}, []string{"kind"})

	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_wire_frames_received_total",
		Help: "Total frames read from peer links by message kind",
	}, []string{"kind"})

	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_wire_decode_errors_total",
		Help: "Total frame decode failures by reason",
	}, []string{"reason"})

	QueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_link_queue_drop_total",
		Help: "Total outbound messages dropped by peer and reason",
	}, []string{"peer", "reason"})

	LinksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simbus_link_active",
		Help: "Number of currently connected peer links",
	})

	LinkDisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_link_disconnect_total",
		Help: "Total link teardowns by reason",
	}, []string{"reason"})

	HeartbeatsMissedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbus_link_heartbeats_missed_total",
		Help: "Total links declared dead after missed heartbeats",
	})

	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simbus_lifecycle_transitions_total",
		Help: "Total lifecycle transitions by target state",
	}, []string{"state"})

	SimTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simbus_timesync_ticks_total",
		Help: "Total completed virtual-time barrier ticks",
	})

	VirtualTimeNanos = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simbus_timesync_virtual_time_nanoseconds",
		Help: "Current virtual time of this participant",
	})

	DiscoveredServices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simbus_discovery_remote_services",
		Help: "Number of remote services currently indexed",
	})
)

// IncQueueDrop records a dropped outbound message for the given peer.
func IncQueueDrop(peer, reason string) {
	if peer == "" {
		peer = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	QueueDropsTotal.WithLabelValues(peer, reason).Inc()
}
