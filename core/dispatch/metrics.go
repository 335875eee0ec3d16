package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent    *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	smsFallbacks    prometheus.Counter
	batchesRun      prometheus.Counter
	creditsSpent    prometheus.Counter
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.HistogramVec, prometheus.Counter, prometheus.Counter, prometheus.Counter) {
	sent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Number of outbound messages by channel and status",
		},
		[]string{"channel", "status"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_latency_seconds",
			Help:    "Latency from send attempt to confirmation or failure",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	fb := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sms_fallbacks_total",
			Help: "Number of push notifications that fell back to SMS",
		},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Number of invitation batches executed",
		},
	)
	credits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_spent_total",
			Help: "Number of message credits debited from the ledger",
		},
	)
	return sent, lat, fb, batches, credits
}

func init() {
	messagesSent, deliveryLatency, smsFallbacks, batchesRun, creditsSpent = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(messagesSent, deliveryLatency, smsFallbacks, batchesRun, creditsSpent)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	messagesSent, deliveryLatency, smsFallbacks, batchesRun, creditsSpent = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
