// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the broadcast
// engine. All collectors register on the default registry via promauto;
// the daemon serves them through promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_broadcast_start_total",
		Help: "Broadcast start requests by result",
	}, []string{"result"}) // result=started|already_active|not_found|source_missing|error

	encoderSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_encoder_spawn_total",
		Help: "Encoder process launches by attempt type",
	}, []string{"type"}) // type=initial|reconnect

	encoderExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_encoder_exit_total",
		Help: "Encoder process exits by classified reason",
	}, []string{"kind"})

	reconnectExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcast_reconnect_exhausted_total",
		Help: "Sessions abandoned after the reconnection budget ran out",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopcast_active_sessions",
		Help: "Broadcast sessions currently supervised",
	})

	preflightDelayTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopcast_ingest_preflight_delay_total",
		Help: "Pre-flight delays applied for quirked ingest hosts",
	}, []string{"host"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopcast_session_duration_seconds",
		Help:    "Wall-clock lifetime of a broadcast session",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	}, []string{"outcome"}) // outcome=completed|failed|stopped
)

// IncBroadcastStart records the outcome of a start request.
func IncBroadcastStart(result string) {
	broadcastStartTotal.WithLabelValues(result).Inc()
}

// IncEncoderSpawn records an encoder launch. Reconnect launches are
// counted separately from the first spawn of a session.
func IncEncoderSpawn(reconnect bool) {
	t := "initial"
	if reconnect {
		t = "reconnect"
	}
	encoderSpawnTotal.WithLabelValues(t).Inc()
}

// IncEncoderExit records a classified encoder exit.
func IncEncoderExit(kind string) {
	encoderExitTotal.WithLabelValues(kind).Inc()
}

// IncReconnectExhausted records a session that ran out of retry budget.
func IncReconnectExhausted() {
	reconnectExhaustedTotal.Inc()
}

// IncActiveSessions adjusts the active-session gauge on registration.
func IncActiveSessions() {
	activeSessions.Inc()
}

// DecActiveSessions adjusts the active-session gauge on release.
func DecActiveSessions() {
	activeSessions.Dec()
}

// IncPreflightDelay records a quirk-driven pre-flight delay for a host.
func IncPreflightDelay(host string) {
	preflightDelayTotal.WithLabelValues(host).Inc()
}

// ObserveSessionDuration records how long a session lived before
// settling into a terminal state.
func ObserveSessionDuration(outcome string, seconds float64) {
	sessionDuration.WithLabelValues(outcome).Observe(seconds)
}
