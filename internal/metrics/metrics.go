// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deskrelay"

// Frame drop reasons.
const (
	DropBacklog  = "backlog"
	DropStale    = "stale"
	DropInactive = "inactive"
	DropClosed   = "closed"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Live transport connections by role.",
	}, []string{"role"})

	FramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_forwarded_total",
		Help:      "Frames enqueued to a controller connection.",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames discarded instead of forwarded, by reason.",
	}, []string{"reason"})

	FrameBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_bytes_total",
		Help:      "Encoded frame bytes enqueued to controllers.",
	})

	InputsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inputs_forwarded_total",
		Help:      "Input events enqueued to a host connection.",
	})

	InputsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inputs_dropped_total",
		Help:      "Input events discarded because the host was unreachable or its queue was full.",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session lifecycle transitions by resulting status.",
	}, []string{"status"})

	PairingRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pairing_redemptions_total",
		Help:      "Pairing code redemption attempts by result.",
	}, []string{"result"})

	KeepAliveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_timeouts_total",
		Help:      "Connections closed for missing liveness traffic.",
	})
)
