// Package metrics defines the sink interface used to record delivery
// observability events. Implementations live under infra/metrics.
package metrics

import (
	"time"

	"github.com/crewcall/crewcall/core/model"
)

// DeliveryEvent represents a per-contact delivery outcome to be recorded.
type DeliveryEvent struct {
	CampaignID string
	JobID      string
	ContactID  string
	Channel    model.Channel
	Delivered  bool
	Fallback   bool
	Latency    time.Duration
	Time       time.Time
}

// MetricsSink records delivery events for observability purposes.
type MetricsSink interface {
	RecordDelivery(events []DeliveryEvent) error
}

// NopSink discards all events.
type NopSink struct{}

// RecordDelivery implements MetricsSink.
func (NopSink) RecordDelivery([]DeliveryEvent) error { return nil }
