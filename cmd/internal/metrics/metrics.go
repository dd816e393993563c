// Package metrics holds ripple's Prometheus collectors.
//
// Collectors are package-level and registered on the default registry; the
// app exposes them at /metrics. Label cardinality is kept deliberately low
// (outcome/type/route class), never user- or connection-scoped.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts finished requests by method, route pattern and
	// status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Finished HTTP requests.",
	}, []string{"method", "route", "class"})

	// HTTPDuration observes request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ripple",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// RefreshOutcomes counts refresh-protocol results:
	// rotated, invalid, expired, stale, reuse.
	RefreshOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "auth",
		Name:      "refresh_total",
		Help:      "Refresh attempts by outcome.",
	}, []string{"outcome"})

	// SessionsIssued counts new token families (login/register).
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "auth",
		Name:      "sessions_issued_total",
		Help:      "New refresh families issued.",
	})

	// FamiliesRevoked counts bulk revocations by reason.
	FamiliesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "auth",
		Name:      "families_revoked_total",
		Help:      "Family revocations by reason.",
	}, []string{"reason"})

	// WSConnections tracks currently registered realtime connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ripple",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Registered realtime connections.",
	})

	// WSFramesSent counts frames enqueued to connection writers by type.
	WSFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "ws",
		Name:      "frames_sent_total",
		Help:      "Frames enqueued for delivery, by frame type.",
	}, []string{"type"})

	// WSFramesDropped counts frames dropped on full writer buffers.
	WSFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "ws",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped because a connection writer was full.",
	}, []string{"type"})

	// WSSlowCloses counts connections closed for sustained slow reading.
	WSSlowCloses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "ws",
		Name:      "slow_closes_total",
		Help:      "Connections force-closed after repeated writer overflow.",
	})

	// EventsPublished counts router intake by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted by the realtime router.",
	}, []string{"type"})

	// EventsDiscarded counts router intake overflow.
	EventsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripple",
		Subsystem: "events",
		Name:      "discarded_total",
		Help:      "Events dropped because the router intake was full.",
	})
)
