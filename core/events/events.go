// Package events defines the event types published on the internal bus
// during dispatch, delivery and reply handling.
package events

import (
	"time"

	"github.com/crewcall/crewcall/core/model"
)

// CampaignEvent is published when a dispatch call creates a campaign.
type CampaignEvent struct {
	Campaign   model.Campaign
	Candidates int
}

// DeliveryEvent is published for each outbound attempt outcome.
type DeliveryEvent struct {
	CampaignID string
	ContactID  string
	Channel    model.Channel
	Delivered  bool
	Fallback   bool // true when this send is an SMS fallback after an unconfirmed push
	Err        error
	Latency    time.Duration
}

// ReplyEvent is published when an inbound reply mutates an availability row.
type ReplyEvent struct {
	JobID     string
	ContactID string
	Status    model.AvailabilityStatus
}
