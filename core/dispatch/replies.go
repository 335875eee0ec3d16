package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crewcall/crewcall/core/events"
	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/logger"
	"github.com/crewcall/crewcall/core/model"
	"github.com/crewcall/crewcall/internal/eventbus"
)

// ReplyStore is the persistence contract for inbound reply handling.
type ReplyStore interface {
	ContactByPhone(ctx context.Context, e164 string) (model.Contact, error)
	LatestOpenAvailability(ctx context.Context, contactID string) (model.Availability, error)
	SetAvailability(ctx context.Context, jobID, contactID string, status model.AvailabilityStatus, shiftPreference string) error
	SetOptOut(ctx context.Context, contactID string, optedOut bool) error
	GetJob(ctx context.Context, id string) (model.Job, error)
}

// ReplyHandler processes inbound SMS replies. A reply is attributed to the
// contact's most recent unanswered invitation. Acknowledgement texts are a
// courtesy and never debit the ledger.
type ReplyHandler struct {
	store ReplyStore
	sms   gateway.SMSGateway
	bus   eventbus.EventBus
	log   logger.Logger
}

// NewReplyHandler creates a reply handler.
func NewReplyHandler(store ReplyStore, sms gateway.SMSGateway, bus eventbus.EventBus, log logger.Logger) (*ReplyHandler, error) {
	if store == nil || sms == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewReplyHandler")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &ReplyHandler{store: store, sms: sms, bus: bus, log: log}, nil
}

// HandleInbound processes one inbound SMS identified by the sender's E.164
// number. Unknown senders and unparseable bodies are dropped, not errors.
func (h *ReplyHandler) HandleInbound(ctx context.Context, fromE164, body string) error {
	contact, err := h.store.ContactByPhone(ctx, fromE164)
	if errors.Is(err, ErrNotFound) {
		h.log.Debugf("inbound sms from unknown number %s ignored", fromE164)
		return nil
	}
	if err != nil {
		return err
	}

	if strings.EqualFold(strings.TrimSpace(body), "stop") {
		if err := h.store.SetOptOut(ctx, contact.ID, true); err != nil {
			return err
		}
		h.log.Infof("contact %s opted out", contact.ID)
		return nil
	}

	status, pref, ok := model.ParseReply(body)
	if !ok {
		h.log.Debugf("unparseable reply from %s: %q", contact.ID, body)
		return nil
	}
	avail, err := h.store.LatestOpenAvailability(ctx, contact.ID)
	if errors.Is(err, ErrNotFound) {
		h.log.Debugf("reply from %s with no open invitation ignored", contact.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := h.store.SetAvailability(ctx, avail.JobID, contact.ID, status, pref); err != nil {
		return err
	}
	h.log.Infof("contact %s replied %s for job %s", contact.ID, status, avail.JobID)
	if h.bus != nil {
		h.bus.Publish(events.ReplyEvent{JobID: avail.JobID, ContactID: contact.ID, Status: status})
	}

	h.acknowledge(ctx, fromE164, contact, avail.JobID, status)
	return nil
}

// acknowledge sends the courtesy confirmation text. Failures are logged only.
func (h *ReplyHandler) acknowledge(ctx context.Context, to string, contact model.Contact, jobID string, status model.AvailabilityStatus) {
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.log.Warnf("job %s for ack: %v", jobID, err)
		return
	}
	var body string
	switch status {
	case model.AvailabilityConfirmed:
		body = fmt.Sprintf("Thanks %s, you're confirmed for %s. We'll be in touch with details.", contact.FirstName, job.Title)
	case model.AvailabilityDeclined:
		body = fmt.Sprintf("Thanks %s, we've noted you're unavailable for %s.", contact.FirstName, job.Title)
	case model.AvailabilityMaybe:
		body = fmt.Sprintf("Thanks %s, we've marked you as tentative for %s. Reply YES when you know more.", contact.FirstName, job.Title)
	default:
		return
	}
	if _, err := h.sms.Send(ctx, to, body); err != nil {
		h.log.Warnf("ack sms to %s failed: %v", contact.ID, err)
	}
}
