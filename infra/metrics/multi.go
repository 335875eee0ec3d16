package metrics

import coremetrics "github.com/crewcall/crewcall/core/metrics"

// MultiSink fanouts delivery events to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDelivery forwards the events to all sinks, returning the first error encountered.
func (m *MultiSink) RecordDelivery(events []coremetrics.DeliveryEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordDelivery(events); err != nil {
			return err
		}
	}
	return nil
}
