package dispatch

import "time"

// Config defines dispatch-related settings.
type Config struct {
	// BatchSize caps how many invitations one batch may send.
	BatchSize int `json:"batch_size"`
	// BatchDelaySeconds is the pause between batches, protecting the SMS
	// gateway from bursts.
	BatchDelaySeconds int `json:"batch_delay_seconds"`
	// FallbackDelaySeconds is the observation window before an unconfirmed
	// push falls back to SMS.
	FallbackDelaySeconds int `json:"fallback_delay_seconds"`
	// DistanceThresholdMeters overrides the ranking locality threshold.
	DistanceThresholdMeters float64 `json:"distance_threshold_meters"`
}

// SetDefaults applies the fixed design constants where unset.
func (c *Config) SetDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchDelaySeconds <= 0 {
		c.BatchDelaySeconds = 120
	}
	if c.FallbackDelaySeconds <= 0 {
		c.FallbackDelaySeconds = 30
	}
}

// BatchDelay returns the inter-batch pause as a duration.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySeconds) * time.Second
}

// FallbackDelay returns the push observation window as a duration.
func (c Config) FallbackDelay() time.Duration {
	return time.Duration(c.FallbackDelaySeconds) * time.Second
}
