package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dispatchcore "github.com/crewcall/crewcall/core/dispatch"
	"github.com/crewcall/crewcall/core/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(openTestDB(t))
}

func testContact(id string) model.Contact {
	return model.Contact{
		ID:          id,
		FirstName:   "Ana",
		LastName:    "Reyes",
		CountryCode: "1",
		Phone:       "555-0100",
		Address:     "12 Dock Rd, Portside",
		Tags:        []string{"portside"},
		Skills:      []string{"forklift"},
	}
}

func testJob(id, owner string) model.Job {
	start := time.Date(2026, 9, 12, 8, 0, 0, 0, time.UTC)
	return model.Job{
		ID:       id,
		OwnerID:  owner,
		Title:    "Warehouse shift",
		Location: "Portside",
		Window:   model.DateRange{Start: start, End: start.Add(8 * time.Hour)},
	}
}

func TestContactRoundTripAndPhoneLookup(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	c := testContact("c1")
	c.Blackouts = []model.DateRange{{
		Start: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, st.SaveContact(ctx, c))

	got, err := st.GetContact(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, c.Skills, got.Skills)
	require.Len(t, got.Blackouts, 1)

	byPhone, err := st.ContactByPhone(ctx, "+15550100")
	require.NoError(t, err)
	require.Equal(t, "c1", byPhone.ID)

	_, err = st.ContactByPhone(ctx, "+19990000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetOptOut(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveContact(ctx, testContact("c1")))
	require.NoError(t, st.SetOptOut(ctx, "c1", true))
	got, err := st.GetContact(ctx, "c1")
	require.NoError(t, err)
	require.True(t, got.OptedOut)
	require.ErrorIs(t, st.SetOptOut(ctx, "ghost", true), ErrNotFound)
}

func TestEnsureAvailabilityDoesNotClobberReplies(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveContact(ctx, testContact("c1")))
	require.NoError(t, st.SaveJob(ctx, testJob("j1", "acct")))

	inserted, err := st.EnsureAvailability(ctx, "j1", "c1")
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, st.SetAvailability(ctx, "j1", "c1", model.AvailabilityConfirmed, "morning"))

	// A re-dispatch of the same contact must leave the confirmed row alone.
	inserted, err = st.EnsureAvailability(ctx, "j1", "c1")
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := st.ConfirmedCount(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHasConfirmedOverlap(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveContact(ctx, testContact("c1")))
	job := testJob("j1", "acct")
	require.NoError(t, st.SaveJob(ctx, job))
	_, err := st.EnsureAvailability(ctx, "j1", "c1")
	require.NoError(t, err)
	require.NoError(t, st.SetAvailability(ctx, "j1", "c1", model.AvailabilityConfirmed, ""))

	overlapping := model.DateRange{Start: job.Window.Start.Add(4 * time.Hour), End: job.Window.End.Add(4 * time.Hour)}
	ok, err := st.HasConfirmedOverlap(ctx, "c1", overlapping)
	require.NoError(t, err)
	require.True(t, ok)

	// Back-to-back windows do not conflict.
	adjacent := model.DateRange{Start: job.Window.End, End: job.Window.End.Add(4 * time.Hour)}
	ok, err = st.HasConfirmedOverlap(ctx, "c1", adjacent)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeliveryStateTransitionsAreExclusive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	d := model.PushDelivery{
		ID: "d1", ContactID: "c1", JobID: "j1", CampaignID: "cmp1",
		DeviceToken: "tok", Platform: "webpush", NotificationID: "n1", Status: model.PushSent,
	}
	require.NoError(t, st.CreatePushDelivery(ctx, d))

	first, err := st.MarkDelivered(ctx, "n1")
	require.NoError(t, err)
	require.True(t, first)

	// A second ack and a later fallback pass are both no-ops.
	again, err := st.MarkDelivered(ctx, "n1")
	require.NoError(t, err)
	require.False(t, again)
	flipped, err := st.MarkSMSFallback(ctx, "d1")
	require.NoError(t, err)
	require.False(t, flipped)

	n, err := st.ConfirmedDeliveryCount(ctx, "cmp1", "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// And the mirror case: once flipped to fallback, a late ack is refused.
	d2 := d
	d2.ID, d2.NotificationID = "d2", "n2"
	require.NoError(t, st.CreatePushDelivery(ctx, d2))
	flipped, err = st.MarkSMSFallback(ctx, "d2")
	require.NoError(t, err)
	require.True(t, flipped)
	late, err := st.MarkDelivered(ctx, "n2")
	require.NoError(t, err)
	require.False(t, late)
}

func TestPendingDeliveriesAndLookup(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b"} {
		d := model.PushDelivery{
			ID: "d" + id, ContactID: "c" + id, JobID: "j1", CampaignID: "cmp1",
			DeviceToken: "tok", Platform: "mqtt", NotificationID: "n" + id, Status: model.PushSent,
		}
		_ = i
		require.NoError(t, st.CreatePushDelivery(ctx, d))
	}
	_, err := st.MarkDelivered(ctx, "na")
	require.NoError(t, err)

	pending, err := st.PendingDeliveries(ctx, "cmp1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "db", pending[0].ID)

	got, err := st.DeliveryByNotification(ctx, "nb")
	require.NoError(t, err)
	require.Equal(t, "cb", got.ContactID)
	_, err = st.DeliveryByNotification(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTaskQueue(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	due := dispatchcore.Task{
		ID: "t1", Kind: dispatchcore.TaskBatch, CampaignID: "cmp1",
		DueAt:   now.Add(-time.Second),
		Payload: dispatchcore.TaskPayload{JobID: "j1", TemplateID: "tpl1", OwnerID: "acct", Remaining: []string{"c1", "c2"}},
	}
	future := dispatchcore.Task{
		ID: "t2", Kind: dispatchcore.TaskFallback, CampaignID: "cmp1",
		DueAt: now.Add(time.Hour),
	}
	require.NoError(t, st.EnqueueTask(ctx, due))
	require.NoError(t, st.EnqueueTask(ctx, future))

	tasks, err := st.DueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
	require.Equal(t, []string{"c1", "c2"}, tasks[0].Payload.Remaining)

	require.NoError(t, st.DeleteTask(ctx, "t1"))
	n, err := st.DeleteCampaignTasks(ctx, "cmp1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, err = st.DueTasks(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestCampaignSummaryCounts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveJob(ctx, testJob("j1", "acct")))
	require.NoError(t, st.CreateCampaign(ctx, model.Campaign{ID: "cmp1", JobID: "j1", OwnerID: "acct", TemplateID: "tpl1", SentAt: time.Now()}))

	msgs := []model.Message{
		{ID: "m1", CampaignID: "cmp1", ContactID: "c1", JobID: "j1", Channel: model.ChannelPush, Status: model.MessageSent},
		{ID: "m2", CampaignID: "cmp1", ContactID: "c2", JobID: "j1", Channel: model.ChannelSMS, Status: model.MessageSent},
		{ID: "m3", CampaignID: "cmp1", ContactID: "c3", JobID: "j1", Channel: model.ChannelInApp, Status: model.MessageSent},
		{ID: "m4", CampaignID: "cmp1", ContactID: "c4", JobID: "j1", Channel: model.ChannelSMS, Status: model.MessageFailed},
	}
	for _, m := range msgs {
		require.NoError(t, st.CreateMessage(ctx, m))
	}
	require.NoError(t, st.CreatePushDelivery(ctx, model.PushDelivery{
		ID: "d1", ContactID: "c1", JobID: "j1", CampaignID: "cmp1",
		DeviceToken: "tok", Platform: "webpush", NotificationID: "n1", Status: model.PushSent,
	}))
	_, err := st.MarkDelivered(ctx, "n1")
	require.NoError(t, err)

	sum, err := st.CampaignSummary(ctx, "cmp1")
	require.NoError(t, err)
	require.Equal(t, 3, sum.Queued)
	require.Equal(t, 1, sum.SMS)
	require.Equal(t, 1, sum.InApp)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.Push)
	require.Equal(t, 1, sum.PushDelivered)
}
