package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dispatchcore "github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/model"
)

// ErrNotFound is returned when a directory lookup misses.
var ErrNotFound = dispatchcore.ErrNotFound

// Store persists the dispatch engine state: directory records, availability,
// campaigns, messages, push deliveries and the pending task queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store on the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for callers that share the connection.
func (s *Store) DB() *sql.DB { return s.db }

// --- directory ---

// SaveContact inserts or replaces a contact and its blackout ranges.
func (s *Store) SaveContact(ctx context.Context, c model.Contact) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	skills, err := json.Marshal(c.Skills)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO contacts (id, first_name, last_name, country_code, phone, address, tags, skills, opted_out, has_login)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FirstName, c.LastName, c.CountryCode, c.Phone, c.Address, string(tags), string(skills),
		boolToInt(c.OptedOut), boolToInt(c.HasLogin))
	if err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_blackouts WHERE contact_id = ?`, c.ID); err != nil {
		return err
	}
	for _, b := range c.Blackouts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contact_blackouts (contact_id, start_at, end_at) VALUES (?, ?, ?)`,
			c.ID, b.Start.Unix(), b.End.Unix()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetContact returns one contact by id.
func (s *Store) GetContact(ctx context.Context, id string) (model.Contact, error) {
	cs, err := s.ListContacts(ctx, []string{id})
	if err != nil {
		return model.Contact{}, err
	}
	if len(cs) == 0 {
		return model.Contact{}, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return cs[0], nil
}

// ContactByPhone resolves a contact from an E.164 number by comparing the
// digit-only concatenation of country code and local number.
func (s *Store) ContactByPhone(ctx context.Context, e164 string) (model.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contacts`)
	if err != nil {
		return model.Contact{}, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return model.Contact{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return model.Contact{}, err
	}
	contacts, err := s.ListContacts(ctx, ids)
	if err != nil {
		return model.Contact{}, err
	}
	for _, c := range contacts {
		if num, err := c.E164(); err == nil && num == e164 {
			return c, nil
		}
	}
	return model.Contact{}, fmt.Errorf("phone %s: %w", e164, ErrNotFound)
}

// ListContacts returns the contacts for the given ids, preserving input
// order. Unknown ids are skipped.
func (s *Store) ListContacts(ctx context.Context, ids []string) ([]model.Contact, error) {
	out := make([]model.Contact, 0, len(ids))
	for _, id := range ids {
		var (
			c            model.Contact
			tags, skills string
			opted, login int
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT id, first_name, last_name, country_code, phone, address, tags, skills, opted_out, has_login
             FROM contacts WHERE id = ?`, id).
			Scan(&c.ID, &c.FirstName, &c.LastName, &c.CountryCode, &c.Phone, &c.Address, &tags, &skills, &opted, &login)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(skills), &c.Skills); err != nil {
			return nil, err
		}
		c.OptedOut = opted != 0
		c.HasLogin = login != 0
		blk, err := s.blackouts(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Blackouts = blk
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) blackouts(ctx context.Context, contactID string) ([]model.DateRange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_at, end_at FROM contact_blackouts WHERE contact_id = ? ORDER BY start_at`, contactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.DateRange
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		out = append(out, model.DateRange{Start: time.Unix(start, 0), End: time.Unix(end, 0)})
	}
	return out, rows.Err()
}

// SetOptOut flips the contact's opt-out flag.
func (s *Store) SetOptOut(ctx context.Context, contactID string, optedOut bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET opted_out = ? WHERE id = ?`, boolToInt(optedOut), contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s: %w", contactID, ErrNotFound)
	}
	return nil
}

// SaveJob inserts or replaces a job.
func (s *Store) SaveJob(ctx context.Context, j model.Job) error {
	skills, err := json.Marshal(j.RequiredSkills)
	if err != nil {
		return err
	}
	quotas, err := json.Marshal(j.SkillQuotas)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, owner_id, title, location, notes, start_at, end_at, required_skills, skill_quotas, required_headcount)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Title, j.Location, j.Notes, j.Window.Start.Unix(), j.Window.End.Unix(),
		string(skills), string(quotas), j.RequiredHeadcount)
	return err
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	var (
		j              model.Job
		skills, quotas string
		start, end     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, location, notes, start_at, end_at, required_skills, skill_quotas, required_headcount
         FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.OwnerID, &j.Title, &j.Location, &j.Notes, &start, &end, &skills, &quotas, &j.RequiredHeadcount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, err
	}
	j.Window = model.DateRange{Start: time.Unix(start, 0), End: time.Unix(end, 0)}
	if err := json.Unmarshal([]byte(skills), &j.RequiredSkills); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(quotas), &j.SkillQuotas); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

// SaveTemplate inserts or replaces a template.
func (s *Store) SaveTemplate(ctx context.Context, t model.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO templates (id, name, body) VALUES (?, ?, ?)`, t.ID, t.Name, t.Body)
	return err
}

// GetTemplate returns one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	var t model.Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, body FROM templates WHERE id = ?`, id).Scan(&t.ID, &t.Name, &t.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return t, err
}

// SaveDeviceToken registers a push destination for a contact.
func (s *Store) SaveDeviceToken(ctx context.Context, t model.DeviceToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO device_tokens (contact_id, platform, token, created_at) VALUES (?, ?, ?, ?)`,
		t.ContactID, t.Platform, t.Token, s.now().Unix())
	return err
}

// DeleteDeviceToken removes a push destination.
func (s *Store) DeleteDeviceToken(ctx context.Context, contactID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE contact_id = ? AND token = ?`, contactID, token)
	return err
}

// DeviceTokens lists the registered push destinations for a contact.
func (s *Store) DeviceTokens(ctx context.Context, contactID string) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id, platform, token, created_at FROM device_tokens WHERE contact_id = ? ORDER BY created_at`,
		contactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.DeviceToken
	for rows.Next() {
		var (
			t  model.DeviceToken
			cr int64
		)
		if err := rows.Scan(&t.ContactID, &t.Platform, &t.Token, &cr); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(cr, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- availability ---

// EnsureAvailability inserts a no_reply availability row for (job, contact)
// unless one already exists. The conditional insert is the guard that keeps a
// re-dispatch from clobbering a contact who already replied.
func (s *Store) EnsureAvailability(ctx context.Context, jobID, contactID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO availability (job_id, contact_id, status, updated_at)
         VALUES (?, ?, 'no_reply', ?)
         ON CONFLICT (job_id, contact_id) DO NOTHING`,
		jobID, contactID, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("ensure availability: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetAvailability updates the reply state for (job, contact).
func (s *Store) SetAvailability(ctx context.Context, jobID, contactID string, status model.AvailabilityStatus, shiftPreference string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE availability SET status = ?, shift_preference = ?, updated_at = ?
         WHERE job_id = ? AND contact_id = ?`,
		string(status), shiftPreference, s.now().Unix(), jobID, contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("availability (%s, %s): %w", jobID, contactID, ErrNotFound)
	}
	return nil
}

// LatestOpenAvailability returns the most recently touched no_reply row for a
// contact, used to attribute an inbound reply to a job.
func (s *Store) LatestOpenAvailability(ctx context.Context, contactID string) (model.Availability, error) {
	var (
		a  model.Availability
		st string
		up int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, contact_id, status, shift_preference, updated_at FROM availability
         WHERE contact_id = ? AND status = 'no_reply'
         ORDER BY updated_at DESC, id DESC LIMIT 1`, contactID).
		Scan(&a.ID, &a.JobID, &a.ContactID, &st, &a.ShiftPreference, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Availability{}, fmt.Errorf("open availability for %s: %w", contactID, ErrNotFound)
	}
	if err != nil {
		return model.Availability{}, err
	}
	a.Status = model.AvailabilityStatus(st)
	a.UpdatedAt = time.Unix(up, 0)
	return a, nil
}

// ConfirmedCount returns how many contacts confirmed for the job.
func (s *Store) ConfirmedCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM availability WHERE job_id = ? AND status = 'confirmed'`, jobID).Scan(&n)
	return n, err
}

// HasConfirmedOverlap reports whether the contact is confirmed on another job
// whose window overlaps the given one.
func (s *Store) HasConfirmedOverlap(ctx context.Context, contactID string, w model.DateRange) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM availability a
         JOIN jobs j ON j.id = a.job_id
         WHERE a.contact_id = ? AND a.status = 'confirmed'
           AND j.start_at < ? AND ? < j.end_at`,
		contactID, w.End.Unix(), w.Start.Unix()).Scan(&n)
	return n > 0, err
}

// --- campaigns, messages, deliveries ---

// CreateCampaign persists a new campaign.
func (s *Store) CreateCampaign(ctx context.Context, c model.Campaign) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, job_id, owner_id, template_id, sent_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.OwnerID, c.TemplateID, c.SentAt.Unix())
	return err
}

// GetCampaign returns one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	var (
		c  model.Campaign
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, owner_id, template_id, sent_at FROM campaigns WHERE id = ?`, id).
		Scan(&c.ID, &c.JobID, &c.OwnerID, &c.TemplateID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Campaign{}, err
	}
	c.SentAt = time.Unix(at, 0)
	return c, nil
}

// CreateMessage persists an outbound message record.
func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, campaign_id, contact_id, job_id, channel, body, status, sid, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CampaignID, m.ContactID, m.JobID, string(m.Channel), m.Body, string(m.Status), m.SID,
		s.now().Unix())
	return err
}

// CreatePushDelivery persists a push attempt record in sent state.
func (s *Store) CreatePushDelivery(ctx context.Context, d model.PushDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_deliveries (id, contact_id, job_id, campaign_id, device_token, platform, notification_id, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ContactID, d.JobID, d.CampaignID, d.DeviceToken, d.Platform, d.NotificationID, string(d.Status),
		s.now().Unix())
	return err
}

// MarkDelivered promotes a sent delivery to delivered. It reports false when
// the delivery was already terminal, which keeps a late ack from resurrecting
// a fallback.
func (s *Store) MarkDelivered(ctx context.Context, notificationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE push_deliveries SET status = 'delivered', delivered_at = ?
         WHERE notification_id = ? AND status = 'sent'`,
		s.now().Unix(), notificationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed records a failed push attempt.
func (s *Store) MarkFailed(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_deliveries SET status = 'failed' WHERE notification_id = ? AND status = 'sent'`,
		notificationID)
	return err
}

// MarkSMSFallback flips a still-unconfirmed delivery to sms_fallback. The
// conditional update is the fallback-exclusivity guard: a delivery confirmed
// in the meantime is left alone and the method reports false.
func (s *Store) MarkSMSFallback(ctx context.Context, deliveryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE push_deliveries SET status = 'sms_fallback', sms_fallback_sent_at = ?
         WHERE id = ? AND status = 'sent'`,
		s.now().Unix(), deliveryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingDeliveries lists the deliveries still awaiting confirmation for a campaign.
func (s *Store) PendingDeliveries(ctx context.Context, campaignID string) ([]model.PushDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, contact_id, job_id, campaign_id, device_token, platform, notification_id, status, created_at
         FROM push_deliveries WHERE campaign_id = ? AND status = 'sent' ORDER BY created_at, id`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.PushDelivery
	for rows.Next() {
		var (
			d  model.PushDelivery
			st string
			cr int64
		)
		if err := rows.Scan(&d.ID, &d.ContactID, &d.JobID, &d.CampaignID, &d.DeviceToken, &d.Platform, &d.NotificationID, &st, &cr); err != nil {
			return nil, err
		}
		d.Status = model.PushDeliveryStatus(st)
		d.CreatedAt = time.Unix(cr, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConfirmedDeliveryCount returns how many push deliveries are confirmed for
// the contact in the campaign. The per-contact billing guard keys off this.
func (s *Store) ConfirmedDeliveryCount(ctx context.Context, campaignID, contactID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM push_deliveries
         WHERE campaign_id = ? AND contact_id = ? AND status = 'delivered'`,
		campaignID, contactID).Scan(&n)
	return n, err
}

// DeliveryByNotification resolves a delivery from its notification id.
func (s *Store) DeliveryByNotification(ctx context.Context, notificationID string) (model.PushDelivery, error) {
	var (
		d  model.PushDelivery
		st string
		cr int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, contact_id, job_id, campaign_id, device_token, platform, notification_id, status, created_at
         FROM push_deliveries WHERE notification_id = ?`, notificationID).
		Scan(&d.ID, &d.ContactID, &d.JobID, &d.CampaignID, &d.DeviceToken, &d.Platform, &d.NotificationID, &st, &cr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PushDelivery{}, fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return model.PushDelivery{}, err
	}
	d.Status = model.PushDeliveryStatus(st)
	d.CreatedAt = time.Unix(cr, 0)
	return d, nil
}

// CampaignSummary aggregates message and delivery counts for a campaign.
func (s *Store) CampaignSummary(ctx context.Context, campaignID string) (dispatchcore.Summary, error) {
	sum := dispatchcore.Summary{CampaignID: campaignID}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, status, COUNT(*) FROM messages WHERE campaign_id = ? GROUP BY channel, status`,
		campaignID)
	if err != nil {
		return sum, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			channel, status string
			n               int
		)
		if err := rows.Scan(&channel, &status, &n); err != nil {
			return sum, err
		}
		if status == string(model.MessageFailed) {
			sum.Failed += n
			continue
		}
		switch model.Channel(channel) {
		case model.ChannelSMS:
			sum.SMS += n
		case model.ChannelInApp:
			sum.InApp += n
		}
		sum.Queued += n
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(status = 'delivered'), 0) FROM push_deliveries WHERE campaign_id = ?`,
		campaignID).Scan(&sum.Push, &sum.PushDelivered)
	return sum, err
}

// --- task queue ---

// EnqueueTask stores a deferred continuation. Removing the row cancels it.
func (s *Store) EnqueueTask(ctx context.Context, t dispatchcore.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_tasks (id, kind, campaign_id, due_at, payload, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.CampaignID, t.DueAt.Unix(), string(payload), s.now().Unix())
	return err
}

// DueTasks returns tasks whose due time has passed, oldest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]dispatchcore.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, campaign_id, due_at, payload FROM dispatch_tasks
         WHERE due_at <= ? ORDER BY due_at, created_at LIMIT ?`,
		now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []dispatchcore.Task
	for rows.Next() {
		var (
			t       dispatchcore.Task
			kind    string
			due     int64
			payload string
		)
		if err := rows.Scan(&t.ID, &kind, &t.CampaignID, &due, &payload); err != nil {
			return nil, err
		}
		t.Kind = dispatchcore.TaskKind(kind)
		t.DueAt = time.Unix(due, 0)
		if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes a task, either after execution or to cancel it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_tasks WHERE id = ?`, id)
	return err
}

// DeleteCampaignTasks drops every pending continuation for the campaign and
// returns how many were removed. This is how a campaign is cancelled.
func (s *Store) DeleteCampaignTasks(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_tasks WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
