package dispatch

import (
	"context"
	"time"

	"github.com/crewcall/crewcall/core/model"
)

// TaskKind discriminates deferred continuation tasks.
type TaskKind string

const (
	// TaskBatch continues a campaign with its next invitation batch.
	TaskBatch TaskKind = "batch"
	// TaskFallback re-checks unconfirmed push deliveries for a campaign and
	// routes them to SMS.
	TaskFallback TaskKind = "fallback"
)

// TaskPayload carries the state a continuation needs to resume.
type TaskPayload struct {
	JobID      string   `json:"job_id,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	OwnerID    string   `json:"owner_id,omitempty"`
	Remaining  []string `json:"remaining,omitempty"` // ranked contact ids not yet invited
}

// Task is a durable deferred continuation. Tasks are stored rows, not
// in-process timers, so pending batches survive a restart; deleting the row
// cancels the continuation.
type Task struct {
	ID         string
	Kind       TaskKind
	CampaignID string
	DueAt      time.Time
	Payload    TaskPayload
}

// Summary is what a dispatch call returns to its caller: counts only, never
// a partial mid-batch error.
type Summary struct {
	CampaignID    string `json:"campaign_id"`
	Queued        int    `json:"queued"`
	Push          int    `json:"push_attempts"`
	PushDelivered int    `json:"push_delivered"`
	SMS           int    `json:"sms"`
	InApp         int    `json:"in_app"`
	Failed        int    `json:"failed"`
	Remaining     int    `json:"remaining"`
}

// Store is the persistence contract the dispatch engine needs. The SQLite
// implementation lives in infra/sqlite.
type Store interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
	GetTemplate(ctx context.Context, id string) (model.Template, error)
	ListContacts(ctx context.Context, ids []string) ([]model.Contact, error)
	DeviceTokens(ctx context.Context, contactID string) ([]model.DeviceToken, error)

	CreateCampaign(ctx context.Context, c model.Campaign) error
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	CampaignSummary(ctx context.Context, campaignID string) (Summary, error)

	EnsureAvailability(ctx context.Context, jobID, contactID string) (bool, error)
	ConfirmedCount(ctx context.Context, jobID string) (int, error)

	CreateMessage(ctx context.Context, m model.Message) error
	CreatePushDelivery(ctx context.Context, d model.PushDelivery) error
	MarkDelivered(ctx context.Context, notificationID string) (bool, error)
	MarkFailed(ctx context.Context, notificationID string) error
	MarkSMSFallback(ctx context.Context, deliveryID string) (bool, error)
	PendingDeliveries(ctx context.Context, campaignID string) ([]model.PushDelivery, error)
	ConfirmedDeliveryCount(ctx context.Context, campaignID, contactID string) (int, error)
	DeliveryByNotification(ctx context.Context, notificationID string) (model.PushDelivery, error)

	EnqueueTask(ctx context.Context, t Task) error
	DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteCampaignTasks(ctx context.Context, campaignID string) (int, error)
}
