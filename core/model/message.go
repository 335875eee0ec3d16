package model

import "time"

// Channel identifies how a message was (or will be) delivered.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "inapp" // portal users view invitations in-app
)

// MessageStatus is the lifecycle state of an outbound message.
type MessageStatus string

const (
	MessageQueued MessageStatus = "queued"
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

// Message is a single outbound invitation or acknowledgement.
type Message struct {
	ID         string
	CampaignID string
	ContactID  string
	JobID      string
	Channel    Channel
	Body       string
	Status     MessageStatus
	SID        string // gateway-assigned identifier, when available
	CreatedAt  time.Time
}

// Campaign groups the messages produced by one dispatch call.
type Campaign struct {
	ID         string
	JobID      string
	OwnerID    string
	TemplateID string
	SentAt     time.Time
}

// PushDeliveryStatus tracks a push attempt. Terminal states are delivered,
// failed and sms_fallback.
type PushDeliveryStatus string

const (
	PushSent        PushDeliveryStatus = "sent"
	PushDelivered   PushDeliveryStatus = "delivered"
	PushFailed      PushDeliveryStatus = "failed"
	PushSMSFallback PushDeliveryStatus = "sms_fallback"
)

// PushDelivery records one push notification attempt to one device.
type PushDelivery struct {
	ID                string
	ContactID         string
	JobID             string
	CampaignID        string
	DeviceToken       string
	Platform          string
	NotificationID    string
	Status            PushDeliveryStatus
	DeliveredAt       *time.Time
	SMSFallbackSentAt *time.Time
	CreatedAt         time.Time
}
