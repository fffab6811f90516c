package reminder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/notify"
	"agrisync/internal/store"
)

var planting = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	sent []domain.NotificationRequest
	fail func(domain.NotificationRequest) error
}

func (f *fakeDispatcher) Send(_ context.Context, req domain.NotificationRequest) error {
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeDispatcher) Strategy() string { return "fake" }

func newTestEngine(t *testing.T, d notify.Dispatcher, now time.Time) (*Engine, *store.SQLite, *clock.Fake) {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLite(db)
	clk := clock.NewFake(now)
	return NewEngine(repo, d, clk, DefaultTemplates()), repo, clk
}

func wheat(harvest time.Time) domain.CropSchedule {
	return domain.CropSchedule{ID: "crop-1", UserID: "farmer-1", CropName: "Wheat", PlantingDate: planting, HarvestDate: harvest}
}

func TestDefaultTemplates(t *testing.T) {
	set := DefaultTemplates()
	offsets := []int{}
	for _, tpl := range set.Maintenance {
		offsets = append(offsets, tpl.OffsetDays)
	}
	assert.Equal(t, []int{7, 15, 30, 45, 60}, offsets)
	assert.Equal(t, -7, set.Harvest.OffsetDays)
	assert.Equal(t, notify.CategoryFarmingReminders, set.Harvest.Category)
}

func TestParseTemplatesRejectsUnknownCategory(t *testing.T) {
	_, err := ParseTemplates([]byte(`
maintenance:
  - title: Spray
    message: spray {{crop}}
    offset_days: 3
    category: marketing
harvest:
  title: Harvest
  offset_days: -7
  category: farming-reminders
`))
	assert.ErrorIs(t, err, notify.ErrUnknownCategory)
}

func TestLoadTemplatesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
maintenance:
  - title: Mulch {{crop}}
    message: Mulch the {{crop}} beds
    type: mulching
    offset_days: 10
    category: task-reminders
harvest:
  title: Harvest soon
  message: "{{crop}} harvest next week"
  type: harvest
  offset_days: -7
  category: farming-reminders
`), 0o644))

	set, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, set.Maintenance, 1)

	e, _, _ := newTestEngine(t, &fakeDispatcher{}, planting)
	e.templates = set
	rs, err := e.Build(wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "Mulch Wheat", rs[0].Title)
	assert.Equal(t, "Mulch the Wheat beds", rs[0].Message)
	assert.Equal(t, "Wheat harvest next week", rs[1].Message)

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	e, repo, _ := newTestEngine(t, &fakeDispatcher{}, planting)
	harvest := time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

	rs, err := e.Generate(context.Background(), wheat(harvest))
	require.NoError(t, err)
	require.Len(t, rs, 6)

	assert.Equal(t, planting.AddDate(0, 0, 7), rs[0].ScheduledDate)
	assert.Equal(t, planting.AddDate(0, 0, 60), rs[4].ScheduledDate)
	last := rs[5]
	assert.Equal(t, "harvest", last.Type)
	assert.Equal(t, harvest.AddDate(0, 0, -7), last.ScheduledDate)
	for _, r := range rs {
		assert.Equal(t, "crop-1", r.RelatedItemID)
		assert.Equal(t, "farmer-1", r.UserID)
		assert.True(t, r.IsActive)
		assert.False(t, r.IsSent)
		assert.Contains(t, r.Message, "Wheat")
	}

	stored, err := repo.ListReminders(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestGenerateShortCycleSkipsLateMaintenance(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeDispatcher{}, planting)
	rs, err := e.Build(wheat(planting.AddDate(0, 0, 20)))
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, "harvest", rs[2].Type)
}

func TestGenerateValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeDispatcher{}, planting)

	cs := wheat(planting.AddDate(0, 2, 0))
	cs.CropName = "  "
	_, err := e.Generate(context.Background(), cs)
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = e.Generate(context.Background(), wheat(planting))
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = e.Generate(context.Background(), wheat(time.Time{}))
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestCheckDueNoLostReminders(t *testing.T) {
	d := &fakeDispatcher{fail: func(domain.NotificationRequest) error { return errors.New("push service down") }}
	now := planting.AddDate(0, 0, 15)
	e, repo, _ := newTestEngine(t, d, now)
	_, err := e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)

	res, err := e.CheckDue(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, CheckResult{Due: 2, Sent: 0, Failed: 2}, res)

	all, err := repo.ListReminders(context.Background(), "farmer-1")
	require.NoError(t, err)
	for _, r := range all {
		assert.False(t, r.IsSent, r.Title)
	}

	d.fail = nil
	res, err = e.CheckDue(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, CheckResult{Due: 2, Sent: 2}, res)
	require.Len(t, d.sent, 2)
	assert.Equal(t, "First irrigation check", d.sent[0].Title)
	assert.Equal(t, notify.CategoryTaskReminders, d.sent[0].Category)

	res, err = e.CheckDue(context.Background(), "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, CheckResult{}, res)
}

func TestCheckDuePartialFailure(t *testing.T) {
	d := &fakeDispatcher{fail: func(r domain.NotificationRequest) error {
		if r.Title == "Weeding" {
			return errors.New("rejected")
		}
		return nil
	}}
	e, repo, _ := newTestEngine(t, d, planting.AddDate(0, 0, 20))
	_, err := e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)

	res, err := e.CheckDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, CheckResult{Due: 2, Sent: 1, Failed: 1}, res)

	due, err := repo.ListDueReminders(context.Background(), "", planting.AddDate(0, 0, 20))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Weeding", due[0].Title)
}

func TestCheckDueOtherUser(t *testing.T) {
	d := &fakeDispatcher{}
	e, _, _ := newTestEngine(t, d, planting.AddDate(0, 0, 20))
	_, err := e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)

	res, err := e.CheckDue(context.Background(), "farmer-2")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Empty(t, d.sent)
}

func TestCleanup(t *testing.T) {
	d := &fakeDispatcher{}
	e, repo, clk := newTestEngine(t, d, planting.AddDate(0, 0, 15))
	_, err := e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)
	_, err = e.CheckDue(context.Background(), "")
	require.NoError(t, err)

	n, err := e.Cleanup(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(31 * 24 * time.Hour)
	n, err = e.Cleanup(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := repo.ListReminders(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, left, 4)
}

func TestFallbackTickSurfacesDueReminders(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := store.NewSQLite(db)
	clk := clock.NewFake(planting)

	inbox := notify.NewInbox(0)
	fb := notify.NewFallback(inbox, clk, time.Minute)
	m := notify.NewManager(nil, fb, nil)
	require.Equal(t, "fallback", m.Initialize(context.Background()))

	e := NewEngine(repo, m, clk, DefaultTemplates())
	e.WatchFallback(m)
	_, err = e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)

	fb.Tick(context.Background())
	assert.Empty(t, inbox.List())

	clk.Advance(7*day + time.Minute)
	fb.Tick(context.Background())

	alerts := inbox.List()
	require.Len(t, alerts, 1)
	assert.Equal(t, "First irrigation check", alerts[0].Title)
	assert.Equal(t, notify.CategoryTaskReminders, alerts[0].Category)

	due, err := repo.ListDueReminders(context.Background(), "", clk.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	// Nothing new is due on the next tick.
	clk.Advance(time.Minute)
	fb.Tick(context.Background())
	assert.Len(t, inbox.List(), 1)
}

func TestFallbackTickIdleWithNativeStrategy(t *testing.T) {
	d := &fakeDispatcher{}
	e, _, clk := newTestEngine(t, d, planting)
	fb := notify.NewFallback(notify.NewInbox(0), clk, time.Minute)
	m := notify.NewManager(func(context.Context) (notify.Dispatcher, error) { return d, nil }, fb, nil)
	require.Equal(t, "fake", m.Initialize(context.Background()))
	e.dispatcher = m
	e.WatchFallback(m)

	_, err := e.Generate(context.Background(), wheat(planting.AddDate(0, 3, 0)))
	require.NoError(t, err)
	clk.Advance(20 * day)
	fb.Tick(context.Background())
	assert.Empty(t, d.sent)

	res, err := e.CheckDue(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, d.sent, 2)
}
