package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/crewcall/crewcall/core/metrics"
)

// PromSink records delivery events in Prometheus metrics.
type PromSink struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPromSink registers delivery metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using StartPromServer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_events_total",
		Help: "Total number of delivery events",
	}, []string{"channel", "delivered", "fallback"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_confirm_latency_seconds",
		Help:    "Time between send attempt and delivery outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	if err := reg.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			events = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			latency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}

	return &PromSink{events: events, latency: latency}, nil
}

// RecordDelivery increments the counters for each delivery event.
func (s *PromSink) RecordDelivery(events []coremetrics.DeliveryEvent) error {
	for _, e := range events {
		s.events.WithLabelValues(string(e.Channel), strconv.FormatBool(e.Delivered), strconv.FormatBool(e.Fallback)).Inc()
		if e.Latency > 0 {
			s.latency.WithLabelValues(string(e.Channel)).Observe(e.Latency.Seconds())
		}
	}
	return nil
}

// StartPromServer exposes /metrics on the given port. It returns the server
// so the caller can shut it down.
func StartPromServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
