// Package metrics provides Prometheus instrumentation for CardLink sessions:
// attempt outcomes, inbound envelope traffic and the APDU relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all CardLink metrics.
	Namespace = "cardlink"

	LabelResult      = "result"
	LabelPayloadType = "payload_type"
	LabelReason      = "reason"

	ResultSuccess = "success"
	ResultFailure = "failure"

	// Drop reasons for inbound envelopes.
	DropDecode        = "decode"
	DropInvalid       = "invalid"
	DropClosed        = "closed"
	DropQueueFull     = "queue_full"
	DropMissingIDs    = "missing_ids"
	DropUnexpectedPay = "unexpected_payload"
	DropRateLimited   = "rate_limited"
)

var (
	// SessionsTotal counts finished session attempts by result.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Total number of CardLink session attempts by result",
		},
		[]string{LabelResult},
	)

	// SessionDuration tracks the wall time of session attempts.
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of CardLink session attempts in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{LabelResult},
	)

	// ActiveSessions is the number of sessions currently running in this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_sessions",
			Help:      "Number of CardLink sessions currently running",
		},
	)

	// EnvelopesReceivedTotal counts admitted inbound envelopes by payload type.
	EnvelopesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "envelope",
			Name:      "received_total",
			Help:      "Total number of inbound envelopes admitted to the channel by payload type",
		},
		[]string{LabelPayloadType},
	)

	// EnvelopesDroppedTotal counts inbound envelopes discarded before or during relay.
	EnvelopesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "envelope",
			Name:      "dropped_total",
			Help:      "Total number of inbound envelopes discarded by reason",
		},
		[]string{LabelReason},
	)

	// ApdusRelayedTotal counts command APDUs forwarded to the card and answered.
	ApdusRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "apdu",
			Name:      "relayed_total",
			Help:      "Total number of APDUs transmitted to the card and answered",
		},
	)

	// ApduTransmitDuration tracks card transmit latency.
	ApduTransmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "apdu",
			Name:      "transmit_duration_seconds",
			Help:      "Duration of card transmit calls in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// RecordSession records the outcome of one session attempt.
func RecordSession(ok bool, d time.Duration) {
	result := ResultFailure
	if ok {
		result = ResultSuccess
	}
	SessionsTotal.WithLabelValues(result).Inc()
	SessionDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordReceived counts an admitted inbound envelope.
func RecordReceived(payloadType string) {
	EnvelopesReceivedTotal.WithLabelValues(payloadType).Inc()
}

// RecordDropped counts a discarded inbound envelope.
func RecordDropped(reason string) {
	EnvelopesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordTransmit records one answered card transmit.
func RecordTransmit(d time.Duration) {
	ApdusRelayedTotal.Inc()
	ApduTransmitDuration.Observe(d.Seconds())
}
