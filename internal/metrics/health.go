// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encoderBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loopcast_encoder_bitrate_kbps",
		Help: "Most recent encoder output bitrate sample per broadcast",
	}, []string{"broadcast_id"})

	encoderSpeed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loopcast_encoder_speed_ratio",
		Help: "Encoder processing speed relative to realtime per broadcast",
	}, []string{"broadcast_id"})

	bitrateUnstableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcast_bitrate_unstable_total",
		Help: "Health checks that flagged an unstable output bitrate",
	})

	stuckDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loopcast_encoder_stuck_total",
		Help: "Health checks that found encoder progress frozen",
	})
)

// SetEncoderBitrate publishes the latest bitrate sample for a broadcast.
func SetEncoderBitrate(broadcastID string, kbps float64) {
	encoderBitrate.WithLabelValues(broadcastID).Set(kbps)
}

// SetEncoderSpeed publishes the latest speed ratio for a broadcast.
func SetEncoderSpeed(broadcastID string, ratio float64) {
	encoderSpeed.WithLabelValues(broadcastID).Set(ratio)
}

// IncBitrateUnstable records an unstable-bitrate observation.
func IncBitrateUnstable() {
	bitrateUnstableTotal.Inc()
}

// IncStuckDetected records a frozen-progress observation.
func IncStuckDetected() {
	stuckDetectedTotal.Inc()
}

// ForgetBroadcast drops per-broadcast gauge series once a session ends,
// so stale samples do not linger on the scrape endpoint.
func ForgetBroadcast(broadcastID string) {
	encoderBitrate.DeleteLabelValues(broadcastID)
	encoderSpeed.DeleteLabelValues(broadcastID)
}
