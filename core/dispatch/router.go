package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewcall/crewcall/core/events"
	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/core/logger"
	coremetrics "github.com/crewcall/crewcall/core/metrics"
	"github.com/crewcall/crewcall/core/model"
	"github.com/crewcall/crewcall/internal/eventbus"
)

// Router attempts push delivery first and falls back to SMS when delivery is
// not confirmed within the observation window. Contacts without a device
// token are routed to SMS immediately; contacts with portal login are never
// sent an SMS and receive the message in-app instead.
type Router struct {
	store     Store
	sms       gateway.SMSGateway
	providers *gateway.ProviderRegistry
	ledger    ledger.Ledger
	sink      coremetrics.MetricsSink
	bus       eventbus.EventBus
	log       logger.Logger
	now       func() time.Time
}

// NewRouter creates a delivery router.
func NewRouter(store Store, sms gateway.SMSGateway, providers *gateway.ProviderRegistry, led ledger.Ledger, sink coremetrics.MetricsSink, bus eventbus.EventBus, log logger.Logger) (*Router, error) {
	if store == nil || sms == nil || led == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewRouter")
	}
	if providers == nil {
		providers = gateway.NewProviderRegistry()
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Router{
		store:     store,
		sms:       sms,
		providers: providers,
		ledger:    led,
		sink:      sink,
		bus:       bus,
		log:       log,
		now:       time.Now,
	}, nil
}

// Outcome reports what happened to each contact of one delivery batch.
type Outcome struct {
	Delivered   []string // push confirmed synchronously
	SMSSent     []string
	InApp       []string
	Failed      []string
	PendingPush int // push attempts still awaiting confirmation
}

type deliverResult int

const (
	resultFailed deliverResult = iota
	resultDelivered
	resultSMS
	resultInApp
	resultPending
)

// Deliver sends the invitation to every contact in the batch concurrently.
// Per-contact failures are recorded and never abort the batch.
func (r *Router) Deliver(ctx context.Context, campaign model.Campaign, job model.Job, body string, contacts []model.Contact) Outcome {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out Outcome
		evs []coremetrics.DeliveryEvent
	)
	record := func(c model.Contact, res deliverResult, channel model.Channel, latency time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		switch res {
		case resultDelivered:
			out.Delivered = append(out.Delivered, c.ID)
		case resultSMS:
			out.SMSSent = append(out.SMSSent, c.ID)
		case resultInApp:
			out.InApp = append(out.InApp, c.ID)
		case resultPending:
			out.PendingPush++
		default:
			out.Failed = append(out.Failed, c.ID)
		}
		evs = append(evs, coremetrics.DeliveryEvent{
			CampaignID: campaign.ID,
			JobID:      job.ID,
			ContactID:  c.ID,
			Channel:    channel,
			Delivered:  res == resultDelivered || res == resultSMS || res == resultInApp,
			Latency:    latency,
			Time:       r.now(),
		})
	}
	for _, c := range contacts {
		wg.Add(1)
		go func(c model.Contact) {
			defer wg.Done()
			start := r.now()
			res, channel := r.deliverOne(ctx, campaign, job, body, c)
			record(c, res, channel, r.now().Sub(start))
		}(c)
	}
	wg.Wait()
	if err := r.sink.RecordDelivery(evs); err != nil {
		r.log.Errorf("metrics error: %v", err)
	}
	return out
}

// deliverOne routes a single contact: push when tokens exist, otherwise SMS
// (or in-app for portal users).
func (r *Router) deliverOne(ctx context.Context, campaign model.Campaign, job model.Job, body string, c model.Contact) (deliverResult, model.Channel) {
	tokens, err := r.store.DeviceTokens(ctx, c.ID)
	if err != nil {
		r.log.Errorf("device tokens for %s: %v", c.ID, err)
		r.recordMessage(ctx, campaign, job, c, model.ChannelPush, body, model.MessageFailed, "")
		return resultFailed, model.ChannelPush
	}
	if len(tokens) == 0 {
		return r.sendDirect(ctx, campaign, job, body, c, false)
	}

	start := r.now()
	attempted := 0
	delivered := false
	for _, tok := range tokens {
		provider, ok := r.providers.Lookup(tok.Platform)
		if !ok {
			r.log.Warnf("no push provider registered for platform %s", tok.Platform)
			continue
		}
		d := model.PushDelivery{
			ID:             uuid.NewString(),
			ContactID:      c.ID,
			JobID:          job.ID,
			CampaignID:     campaign.ID,
			DeviceToken:    tok.Token,
			Platform:       tok.Platform,
			NotificationID: uuid.NewString(),
			Status:         model.PushSent,
		}
		if err := r.store.CreatePushDelivery(ctx, d); err != nil {
			r.log.Errorf("record push delivery for %s: %v", c.ID, err)
			continue
		}
		note := gateway.Notification{
			ID:    d.NotificationID,
			Title: job.Title,
			Body:  body,
			Data:  map[string]string{"job_id": job.ID, "campaign_id": campaign.ID},
		}
		confirmed, err := provider.Send(ctx, tok.Token, note)
		if errors.Is(err, gateway.ErrInvalidToken) {
			r.log.Warnf("device token for contact %s rejected, flagging for removal", c.ID)
			_ = r.store.MarkFailed(ctx, d.NotificationID)
			continue
		}
		if err != nil {
			r.log.Warnf("push to %s failed: %v", c.ID, err)
			_ = r.store.MarkFailed(ctx, d.NotificationID)
			continue
		}
		attempted++
		if confirmed {
			if first, err := r.store.MarkDelivered(ctx, d.NotificationID); err == nil && first {
				r.billPushDelivery(ctx, campaign, c.ID, d.NotificationID)
				delivered = true
			}
		}
	}
	if attempted == 0 {
		// No provider accepted anything for this contact; route straight to
		// SMS instead of waiting for a fallback window that can never fire.
		return r.sendDirect(ctx, campaign, job, body, c, false)
	}
	r.recordMessage(ctx, campaign, job, c, model.ChannelPush, body, model.MessageSent, "")
	lat := r.now().Sub(start)
	if delivered {
		deliveryLatency.WithLabelValues(string(model.ChannelPush)).Observe(lat.Seconds())
		r.publish(events.DeliveryEvent{CampaignID: campaign.ID, ContactID: c.ID, Channel: model.ChannelPush, Delivered: true, Latency: lat})
		return resultDelivered, model.ChannelPush
	}
	r.publish(events.DeliveryEvent{CampaignID: campaign.ID, ContactID: c.ID, Channel: model.ChannelPush, Delivered: false, Latency: lat})
	return resultPending, model.ChannelPush
}

// sendDirect delivers over SMS, or in-app for portal users. fallback marks
// the send as a post-window SMS fallback.
func (r *Router) sendDirect(ctx context.Context, campaign model.Campaign, job model.Job, body string, c model.Contact, fallback bool) (deliverResult, model.Channel) {
	if c.HasLogin {
		// Portal users read invitations in-app: no telephony call, no debit.
		r.recordMessage(ctx, campaign, job, c, model.ChannelInApp, body, model.MessageSent, "")
		r.publish(events.DeliveryEvent{CampaignID: campaign.ID, ContactID: c.ID, Channel: model.ChannelInApp, Delivered: true, Fallback: fallback})
		return resultInApp, model.ChannelInApp
	}
	to, err := c.E164()
	if err != nil {
		r.log.Warnf("sms to %s skipped: %v", c.ID, err)
		r.recordMessage(ctx, campaign, job, c, model.ChannelSMS, body, model.MessageFailed, "")
		return resultFailed, model.ChannelSMS
	}
	start := r.now()
	sid, err := r.sms.Send(ctx, to, body)
	lat := r.now().Sub(start)
	if err != nil {
		r.log.Warnf("sms to %s failed: %v", c.ID, err)
		r.recordMessage(ctx, campaign, job, c, model.ChannelSMS, body, model.MessageFailed, "")
		r.publish(events.DeliveryEvent{CampaignID: campaign.ID, ContactID: c.ID, Channel: model.ChannelSMS, Delivered: false, Fallback: fallback, Err: err, Latency: lat})
		return resultFailed, model.ChannelSMS
	}
	msgID := r.recordMessage(ctx, campaign, job, c, model.ChannelSMS, body, model.MessageSent, sid)
	reason := "sms_sent"
	if fallback {
		reason = "sms_fallback"
	}
	r.debit(ctx, campaign.OwnerID, reason, msgID)
	deliveryLatency.WithLabelValues(string(model.ChannelSMS)).Observe(lat.Seconds())
	r.publish(events.DeliveryEvent{CampaignID: campaign.ID, ContactID: c.ID, Channel: model.ChannelSMS, Delivered: true, Fallback: fallback, Latency: lat})
	return resultSMS, model.ChannelSMS
}

// HandleAck processes an asynchronous delivery confirmation for a push
// notification. The first confirmation for a contact in a campaign debits
// one credit; anything after that is a no-op.
func (r *Router) HandleAck(ctx context.Context, notificationID string) error {
	first, err := r.store.MarkDelivered(ctx, notificationID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	d, err := r.store.DeliveryByNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	campaign, err := r.store.GetCampaign(ctx, d.CampaignID)
	if err != nil {
		return err
	}
	r.billPushDelivery(ctx, campaign, d.ContactID, notificationID)
	r.publish(events.DeliveryEvent{CampaignID: d.CampaignID, ContactID: d.ContactID, Channel: model.ChannelPush, Delivered: true})
	return nil
}

// RunFallbackCheck flips deliveries still unconfirmed for the campaign to
// sms_fallback and routes those contacts through the SMS gateway. It returns
// the number of fallback SMS sends.
func (r *Router) RunFallbackCheck(ctx context.Context, campaignID string) (int, error) {
	pending, err := r.store.PendingDeliveries(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	campaign, err := r.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	job, err := r.store.GetJob(ctx, campaign.JobID)
	if err != nil {
		return 0, err
	}
	tpl, err := r.store.GetTemplate(ctx, campaign.TemplateID)
	if err != nil {
		return 0, err
	}
	body := renderTemplate(tpl, job)

	byContact := make(map[string][]model.PushDelivery)
	var order []string
	for _, d := range pending {
		if _, ok := byContact[d.ContactID]; !ok {
			order = append(order, d.ContactID)
		}
		byContact[d.ContactID] = append(byContact[d.ContactID], d)
	}
	contacts, err := r.store.ListContacts(ctx, order)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]model.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	sent := 0
	for _, id := range order {
		flipped := false
		for _, d := range byContact[id] {
			ok, err := r.store.MarkSMSFallback(ctx, d.ID)
			if err != nil {
				r.log.Errorf("mark fallback %s: %v", d.ID, err)
				continue
			}
			if ok {
				flipped = true
			}
		}
		if !flipped {
			// Every delivery confirmed inside the window; never send the SMS too.
			continue
		}
		if n, err := r.store.ConfirmedDeliveryCount(ctx, campaignID, id); err == nil && n > 0 {
			// Another device of the same contact confirmed.
			continue
		}
		c, ok := byID[id]
		if !ok {
			continue
		}
		smsFallbacks.Inc()
		if res, _ := r.sendDirect(ctx, campaign, job, body, c, true); res == resultSMS || res == resultInApp {
			sent++
		}
	}
	return sent, nil
}

// billPushDelivery debits one credit for the contact's first confirmed
// delivery in the campaign.
func (r *Router) billPushDelivery(ctx context.Context, campaign model.Campaign, contactID, notificationID string) {
	n, err := r.store.ConfirmedDeliveryCount(ctx, campaign.ID, contactID)
	if err != nil {
		r.log.Errorf("confirmed count for %s: %v", contactID, err)
		return
	}
	if n != 1 {
		return
	}
	r.debit(ctx, campaign.OwnerID, "push_delivered", notificationID)
}

func (r *Router) debit(ctx context.Context, ownerID, reason, messageID string) {
	if _, err := r.ledger.Consume(ctx, ownerID, 1, reason, messageID); err != nil {
		r.log.Errorf("ledger debit (%s) for %s failed: %v", reason, ownerID, err)
		return
	}
	creditsSpent.Inc()
}

// recordMessage persists the message row and bumps the channel counters.
// It returns the message id.
func (r *Router) recordMessage(ctx context.Context, campaign model.Campaign, job model.Job, c model.Contact, channel model.Channel, body string, status model.MessageStatus, sid string) string {
	m := model.Message{
		ID:         uuid.NewString(),
		CampaignID: campaign.ID,
		ContactID:  c.ID,
		JobID:      job.ID,
		Channel:    channel,
		Body:       body,
		Status:     status,
		SID:        sid,
	}
	if err := r.store.CreateMessage(ctx, m); err != nil {
		r.log.Errorf("record message for %s: %v", c.ID, err)
	}
	messagesSent.WithLabelValues(string(channel), string(status)).Inc()
	return m.ID
}

func (r *Router) publish(e eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
