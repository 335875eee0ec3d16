package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewcall/crewcall/core/events"
	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/core/logger"
	"github.com/crewcall/crewcall/core/model"
	"github.com/crewcall/crewcall/core/ranking"
	"github.com/crewcall/crewcall/internal/eventbus"
)

// Ranker orders contacts best-first for a job.
type Ranker interface {
	Rank(ctx context.Context, contacts []model.Contact, job model.Job) []ranking.Candidate
}

// Scheduler runs campaigns in credit-gated batches. The first batch executes
// synchronously inside Dispatch; continuations are durable task rows picked
// up by Run, so a pending campaign survives a process restart.
type Scheduler struct {
	store  Store
	ledger ledger.Ledger
	router *Router
	ranker Ranker
	bus    eventbus.EventBus
	cfg    Config
	log    logger.Logger
	now    func() time.Time

	jobLocks sync.Map // job id -> *sync.Mutex
}

// NewScheduler creates a batch scheduler.
func NewScheduler(store Store, led ledger.Ledger, router *Router, ranker Ranker, bus eventbus.EventBus, cfg Config, log logger.Logger) (*Scheduler, error) {
	if store == nil || led == nil || router == nil || ranker == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewScheduler")
	}
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Scheduler{
		store:  store,
		ledger: led,
		router: router,
		ranker: ranker,
		bus:    bus,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}, nil
}

// Dispatch ranks the given contacts for the job, creates a campaign and runs
// its first batch. Later batches are scheduled as durable tasks. The summary
// reflects the state after the first batch.
func (s *Scheduler) Dispatch(ctx context.Context, jobID, templateID string, contactIDs []string) (Summary, error) {
	mu := s.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return Summary{}, ErrJobNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if errors.Is(err, ErrNotFound) {
		return Summary{}, ErrTemplateNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	contacts, err := s.store.ListContacts(ctx, contactIDs)
	if err != nil {
		return Summary{}, err
	}

	ranked := s.ranker.Rank(ctx, contacts, job)
	queue := make([]model.Contact, 0, len(ranked))
	for _, c := range ranked {
		queue = append(queue, c.Contact)
	}

	campaign := model.Campaign{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		TemplateID: tpl.ID,
		SentAt:     s.now(),
	}
	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		return Summary{}, err
	}
	s.publish(events.CampaignEvent{Campaign: campaign, Candidates: len(queue)})
	s.log.Infof("campaign %s dispatching job %s to %d candidates", campaign.ID, job.ID, len(queue))

	rest, err := s.runBatch(ctx, campaign, job, renderTemplate(tpl, job), queue)
	if err != nil {
		return Summary{}, err
	}
	sum, err := s.store.CampaignSummary(ctx, campaign.ID)
	if err != nil {
		return Summary{}, err
	}
	sum.Remaining = len(rest)
	return sum, nil
}

// runBatch sends the next slice of the queue, bounded by the batch size and
// the owner's remaining credits, and schedules the continuation tasks. It
// returns the contacts still queued.
func (s *Scheduler) runBatch(ctx context.Context, campaign model.Campaign, job model.Job, body string, queue []model.Contact) ([]model.Contact, error) {
	if len(queue) == 0 {
		return nil, nil
	}
	avail, err := s.ledger.Available(ctx, campaign.OwnerID)
	if err != nil {
		return queue, err
	}
	if avail <= 0 {
		s.log.Warnf("campaign %s stopped: owner %s has no credits", campaign.ID, campaign.OwnerID)
		return nil, nil
	}
	if job.RequiredHeadcount > 0 {
		confirmed, err := s.store.ConfirmedCount(ctx, job.ID)
		if err != nil {
			return queue, err
		}
		if confirmed >= job.RequiredHeadcount {
			s.log.Infof("campaign %s stopped: job %s filled (%d confirmed)", campaign.ID, job.ID, confirmed)
			return nil, nil
		}
	}

	n := s.cfg.BatchSize
	if avail < n {
		n = avail
	}
	if len(queue) < n {
		n = len(queue)
	}
	batch, rest := queue[:n], queue[n:]
	for _, c := range batch {
		if _, err := s.store.EnsureAvailability(ctx, job.ID, c.ID); err != nil {
			s.log.Errorf("availability row for %s: %v", c.ID, err)
		}
	}

	out := s.router.Deliver(ctx, campaign, job, body, batch)
	batchesRun.Inc()
	s.log.Infof("campaign %s batch: %d delivered, %d sms, %d in-app, %d failed, %d pending push",
		campaign.ID, len(out.Delivered), len(out.SMSSent), len(out.InApp), len(out.Failed), out.PendingPush)

	if out.PendingPush > 0 {
		if err := s.enqueue(ctx, TaskFallback, campaign, job, nil, s.now().Add(s.cfg.FallbackDelay())); err != nil {
			s.log.Errorf("schedule fallback check for %s: %v", campaign.ID, err)
		}
	}
	if len(rest) > 0 {
		ids := make([]string, len(rest))
		for i, c := range rest {
			ids[i] = c.ID
		}
		if err := s.enqueue(ctx, TaskBatch, campaign, job, ids, s.now().Add(s.cfg.BatchDelay())); err != nil {
			return rest, fmt.Errorf("schedule next batch: %w", err)
		}
	}
	return rest, nil
}

func (s *Scheduler) enqueue(ctx context.Context, kind TaskKind, campaign model.Campaign, job model.Job, remaining []string, due time.Time) error {
	return s.store.EnqueueTask(ctx, Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		CampaignID: campaign.ID,
		DueAt:      due,
		Payload: TaskPayload{
			JobID:      job.ID,
			TemplateID: campaign.TemplateID,
			OwnerID:    campaign.OwnerID,
			Remaining:  remaining,
		},
	})
}

// Run polls the task queue until the context is cancelled. Due tasks are
// deleted before execution, so a crash mid-task drops the continuation rather
// than replaying sends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	tasks, err := s.store.DueTasks(ctx, s.now(), 16)
	if err != nil {
		s.log.Errorf("poll task queue: %v", err)
		return
	}
	for _, t := range tasks {
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			s.log.Errorf("claim task %s: %v", t.ID, err)
			continue
		}
		if err := s.executeTask(ctx, t); err != nil {
			s.log.Errorf("task %s (%s) for campaign %s: %v", t.ID, t.Kind, t.CampaignID, err)
		}
	}
}

func (s *Scheduler) executeTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskFallback:
		sent, err := s.router.RunFallbackCheck(ctx, t.CampaignID)
		if err != nil {
			return err
		}
		if sent > 0 {
			s.log.Infof("campaign %s: %d unconfirmed push deliveries fell back to sms", t.CampaignID, sent)
		}
		return nil
	case TaskBatch:
		campaign, err := s.store.GetCampaign(ctx, t.CampaignID)
		if err != nil {
			return err
		}
		job, err := s.store.GetJob(ctx, t.Payload.JobID)
		if err != nil {
			return err
		}
		tpl, err := s.store.GetTemplate(ctx, t.Payload.TemplateID)
		if err != nil {
			return err
		}
		queue, err := s.store.ListContacts(ctx, t.Payload.Remaining)
		if err != nil {
			return err
		}
		mu := s.jobLock(job.ID)
		mu.Lock()
		defer mu.Unlock()
		_, err = s.runBatch(ctx, campaign, job, renderTemplate(tpl, job), queue)
		return err
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// CancelCampaign drops the campaign's pending continuations. Messages already
// sent are unaffected. It returns how many tasks were removed.
func (s *Scheduler) CancelCampaign(ctx context.Context, campaignID string) (int, error) {
	return s.store.DeleteCampaignTasks(ctx, campaignID)
}

func (s *Scheduler) jobLock(jobID string) *sync.Mutex {
	mu, _ := s.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Scheduler) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// renderTemplate substitutes the job placeholders in a message template.
// Unknown placeholders are left as-is.
func renderTemplate(t model.Template, j model.Job) string {
	r := strings.NewReplacer(
		"{job}", j.Title,
		"{location}", j.Location,
		"{start}", j.Window.Start.Format("Mon Jan 2 15:04"),
		"{end}", j.Window.End.Format("Mon Jan 2 15:04"),
		"{notes}", j.Notes,
	)
	return r.Replace(t.Body)
}
