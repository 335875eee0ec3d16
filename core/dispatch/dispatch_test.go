package dispatch_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/ledger"
	"github.com/crewcall/crewcall/core/model"
	"github.com/crewcall/crewcall/core/ranking"
	"github.com/crewcall/crewcall/infra/sqlite"
)

type smsSend struct {
	To   string
	Body string
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []smsSend
	err  error
}

func (f *fakeSMS) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, smsSend{To: to, Body: body})
	return "SM" + to, nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePush struct {
	mu        sync.Mutex
	delivered bool
	err       error
	sent      []gateway.Notification
}

func (f *fakePush) Send(_ context.Context, _ string, note gateway.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.sent = append(f.sent, note)
	return f.delivered, nil
}

type env struct {
	store  *sqlite.Store
	ledger *sqlite.LedgerStore
	sms    *fakeSMS
	push   *fakePush
	router *dispatch.Router
	sched  *dispatch.Scheduler
}

func newEnv(t *testing.T, cfg dispatch.Config) *env {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		store:  sqlite.NewStore(db),
		ledger: sqlite.NewLedgerStore(db, nil),
		sms:    &fakeSMS{},
		push:   &fakePush{},
	}
	reg := gateway.NewProviderRegistry()
	reg.Register("webpush", e.push)

	e.router, err = dispatch.NewRouter(e.store, e.sms, reg, e.ledger, nil, nil, nil)
	require.NoError(t, err)
	ranker := ranking.NewEngine(nil, e.store, nil, nil)
	e.sched, err = dispatch.NewScheduler(e.store, e.ledger, e.router, ranker, nil, cfg, nil)
	require.NoError(t, err)
	return e
}

func (e *env) seed(t *testing.T, credits int, contacts ...model.Contact) {
	t.Helper()
	ctx := context.Background()
	if credits > 0 {
		_, err := e.ledger.Grant(ctx, "acct", ledger.SourceSubscription, credits, "", nil)
		require.NoError(t, err)
	}
	start := time.Date(2026, 9, 12, 8, 0, 0, 0, time.UTC)
	require.NoError(t, e.store.SaveJob(ctx, model.Job{
		ID:      "j1",
		OwnerID: "acct",
		Title:   "Stage build",
		Window:  model.DateRange{Start: start, End: start.Add(8 * time.Hour)},
	}))
	require.NoError(t, e.store.SaveTemplate(ctx, model.Template{
		ID: "tpl1", Name: "invite", Body: "Work {job}? Reply YES or NO.",
	}))
	for _, c := range contacts {
		require.NoError(t, e.store.SaveContact(ctx, c))
	}
}

func smsContact(id string) model.Contact {
	return model.Contact{ID: id, FirstName: id, CountryCode: "1", Phone: "555" + id}
}

func registerPushToken(t *testing.T, e *env, id string) {
	t.Helper()
	tok := model.DeviceToken{ContactID: id, Platform: "webpush", Token: "tok-" + id, CreatedAt: time.Now()}
	require.NoError(t, e.store.SaveDeviceToken(context.Background(), tok))
}

func TestDispatchSendsSMSAndDebits(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.seed(t, 10, smsContact("1"), smsContact("2"), smsContact("3"))

	sum, err := e.sched.Dispatch(context.Background(), "j1", "tpl1", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, sum.SMS)
	require.Equal(t, 0, sum.Remaining)
	require.Equal(t, 0, sum.Failed)

	require.Equal(t, 3, e.sms.count())
	require.Equal(t, "Work Stage build? Reply YES or NO.", e.sms.sent[0].Body)

	avail, err := e.ledger.Available(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, 7, avail)
}

func TestDispatchEnqueuesNextBatch(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	contacts := make([]model.Contact, 0, 7)
	ids := make([]string, 0, 7)
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		contacts = append(contacts, smsContact(id))
		ids = append(ids, id)
	}
	e.seed(t, 100, contacts...)

	sum, err := e.sched.Dispatch(context.Background(), "j1", "tpl1", ids)
	require.NoError(t, err)
	require.Equal(t, 5, sum.SMS)
	require.Equal(t, 2, sum.Remaining)

	tasks, err := e.store.DueTasks(context.Background(), time.Now().Add(3*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, dispatch.TaskBatch, tasks[0].Kind)
	require.Len(t, tasks[0].Payload.Remaining, 2)
}

func TestDispatchIsCreditGated(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.seed(t, 2, smsContact("1"), smsContact("2"), smsContact("3"), smsContact("4"), smsContact("5"))

	sum, err := e.sched.Dispatch(context.Background(), "j1", "tpl1", []string{"1", "2", "3", "4", "5"})
	require.NoError(t, err)
	require.Equal(t, 2, sum.SMS)
	require.Equal(t, 3, sum.Remaining)

	avail, err := e.ledger.Available(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, 0, avail)
}

func TestDispatchUnknownJobAndTemplate(t *testing.T) {
	e := newEnv(t, dispatch.Config{})
	e.seed(t, 5, smsContact("1"))

	_, err := e.sched.Dispatch(context.Background(), "ghost", "tpl1", []string{"1"})
	require.ErrorIs(t, err, dispatch.ErrJobNotFound)
	_, err = e.sched.Dispatch(context.Background(), "j1", "ghost", []string{"1"})
	require.ErrorIs(t, err, dispatch.ErrTemplateNotFound)
}

func TestDispatchStopsWhenHeadcountReached(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.seed(t, 10, smsContact("1"), smsContact("2"))
	ctx := context.Background()

	job, err := e.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	job.RequiredHeadcount = 1
	require.NoError(t, e.store.SaveJob(ctx, job))

	_, err = e.store.EnsureAvailability(ctx, "j1", "1")
	require.NoError(t, err)
	require.NoError(t, e.store.SetAvailability(ctx, "j1", "1", model.AvailabilityConfirmed, ""))

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"2"})
	require.NoError(t, err)
	require.Equal(t, 0, sum.Queued)
	require.Equal(t, 0, e.sms.count())
}

func TestPushDeliveredSynchronouslyDebitsOnce(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.push.delivered = true
	e.seed(t, 10, smsContact("1"))
	registerPushToken(t, e, "1")
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Push)
	require.Equal(t, 1, sum.PushDelivered)
	require.Equal(t, 0, sum.SMS)
	require.Equal(t, 0, e.sms.count())

	avail, err := e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)
}

func TestUnconfirmedPushFallsBackToSMS(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5, FallbackDelaySeconds: 1})
	e.seed(t, 10, smsContact("1"))
	registerPushToken(t, e, "1")
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Push)
	require.Equal(t, 0, sum.PushDelivered)

	// The push went out unconfirmed: no debit yet, fallback task pending.
	avail, err := e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 10, avail)
	tasks, err := e.store.DueTasks(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, dispatch.TaskFallback, tasks[0].Kind)

	sent, err := e.router.RunFallbackCheck(ctx, sum.CampaignID)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 1, e.sms.count())

	avail, err = e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)

	// A late ack after the fallback must not resurrect the delivery or
	// double-bill.
	pending, err := e.store.PendingDeliveries(ctx, sum.CampaignID)
	require.NoError(t, err)
	require.Empty(t, pending)
	d, err := e.store.DeliveryByNotification(ctx, e.push.sent[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.PushSMSFallback, d.Status)
	require.NoError(t, e.router.HandleAck(ctx, e.push.sent[0].ID))
	avail, err = e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)
}

func TestAckBeforeFallbackSuppressesSMS(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.seed(t, 10, smsContact("1"))
	registerPushToken(t, e, "1")
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1"})
	require.NoError(t, err)

	require.NoError(t, e.router.HandleAck(ctx, e.push.sent[0].ID))
	avail, err := e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)

	sent, err := e.router.RunFallbackCheck(ctx, sum.CampaignID)
	require.NoError(t, err)
	require.Equal(t, 0, sent)
	require.Equal(t, 0, e.sms.count())

	// Replayed acks are no-ops.
	require.NoError(t, e.router.HandleAck(ctx, e.push.sent[0].ID))
	avail, err = e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)
}

func TestInvalidTokenRoutesStraightToSMS(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	e.push.err = gateway.ErrInvalidToken
	e.seed(t, 10, smsContact("1"))
	registerPushToken(t, e, "1")
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.SMS)
	require.Equal(t, 1, e.sms.count())

	avail, err := e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 9, avail)
}

func TestPortalUsersGetInAppAndAreNeverBilled(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	c := smsContact("1")
	c.HasLogin = true
	e.seed(t, 10, c)
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.InApp)
	require.Equal(t, 0, sum.SMS)
	require.Equal(t, 0, e.sms.count())

	avail, err := e.ledger.Available(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 10, avail)
}

func TestOptedOutContactsAreNeverContacted(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 5})
	c := smsContact("1")
	c.OptedOut = true
	e.seed(t, 10, c, smsContact("2"))

	sum, err := e.sched.Dispatch(context.Background(), "j1", "tpl1", []string{"1", "2"})
	require.NoError(t, err)
	require.Equal(t, 1, sum.SMS)
	require.Equal(t, 1, e.sms.count())
	require.Equal(t, "+15552", e.sms.sent[0].To)
}

func TestCancelCampaignDropsPendingTasks(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 1})
	e.seed(t, 10, smsContact("1"), smsContact("2"), smsContact("3"))
	ctx := context.Background()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Remaining)

	n, err := e.sched.CancelCampaign(ctx, sum.CampaignID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err := e.store.DueTasks(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestSchedulerRunExecutesContinuations(t *testing.T) {
	e := newEnv(t, dispatch.Config{BatchSize: 2, BatchDelaySeconds: 1})
	e.seed(t, 10, smsContact("1"), smsContact("2"), smsContact("3"))
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	sum, err := e.sched.Dispatch(ctx, "j1", "tpl1", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, 2, sum.SMS)
	require.Equal(t, 1, sum.Remaining)

	go e.sched.Run(ctx)
	require.Eventually(t, func() bool { return e.sms.count() == 3 }, 3500*time.Millisecond, 100*time.Millisecond)
}

func TestTaskPayloadRoundTrips(t *testing.T) {
	p := dispatch.TaskPayload{JobID: "j1", TemplateID: "tpl1", OwnerID: "acct", Remaining: []string{"a", "b"}}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var got dispatch.TaskPayload
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, p, got)
}
