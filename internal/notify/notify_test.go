package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	telegoapi "github.com/mymmrac/telego/telegoapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/store"
)

var testNow = time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

type MockBot struct {
	mock.Mock
}

func (m *MockBot) GetMe(ctx context.Context) (*telego.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.User), args.Error(1)
}

func (m *MockBot) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.Message), args.Error(1)
}

// captureDispatcher records requests and fails while fail is set.
type captureDispatcher struct {
	mu   sync.Mutex
	sent []domain.NotificationRequest
	fail error
}

func (c *captureDispatcher) Send(_ context.Context, req domain.NotificationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.sent = append(c.sent, req)
	return nil
}

func (c *captureDispatcher) Strategy() string { return "capture" }

func newMarks(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLite(db)
}

func req(category string) domain.NotificationRequest {
	return domain.NotificationRequest{Title: "Irrigate <field 2>", Body: "Soil moisture low", Category: category}
}

func TestLookupChannel(t *testing.T) {
	ch, err := LookupChannel(CategoryWeatherAlerts)
	require.NoError(t, err)
	assert.Equal(t, PriorityHighest, ch.Priority)

	ch, err = LookupChannel(CategoryFarmingReminders)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, ch.Priority)

	_, err = LookupChannel("promotions")
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Len(t, Channels(), 3)
}

func TestTelegramSend(t *testing.T) {
	bot := &MockBot{}
	bot.On("GetMe", mock.Anything).Return(&telego.User{Username: "agri_bot"}, nil)
	bot.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *telego.SendMessageParams) bool {
		return p.ChatID.ID == 42 &&
			p.ParseMode == telego.ModeHTML &&
			p.DisableNotification &&
			p.Text == "<b>Irrigate &lt;field 2&gt;</b>\nSoil moisture low"
	})).Return(&telego.Message{}, nil)

	tg, err := DetectTelegram(context.Background(), bot, 42)
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), req(CategoryTaskReminders)))
	bot.AssertExpectations(t)
}

func TestTelegramWeatherAlertsNotSilent(t *testing.T) {
	bot := &MockBot{}
	bot.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *telego.SendMessageParams) bool {
		return !p.DisableNotification
	})).Return(&telego.Message{}, nil)

	tg := &Telegram{bot: bot, chatID: 1}
	require.NoError(t, tg.Send(context.Background(), req(CategoryWeatherAlerts)))
	bot.AssertExpectations(t)
}

func TestTelegramForbidden(t *testing.T) {
	blocked := &telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot was blocked by the user"}
	bot := &MockBot{}
	bot.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("telego: sendMessage: api: %w", blocked))

	tg := &Telegram{bot: bot, chatID: 1}
	err := tg.Send(context.Background(), req(CategoryTaskReminders))
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestTelegramOtherErrorsAreNotForbidden(t *testing.T) {
	cases := []error{
		errors.New(`telego: sendMessage: internal execution: Post "https://api.telegram.org/bot403/sendMessage": dial tcp 10.0.4.3:443: i/o timeout`),
		fmt.Errorf("telego: sendMessage: api: %w", &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests: retry after 403"}),
		fmt.Errorf("telego: sendMessage: api: %w", &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat 4031 not found"}),
	}
	for _, sendErr := range cases {
		bot := &MockBot{}
		bot.On("SendMessage", mock.Anything, mock.Anything).Return(nil, sendErr)

		tg := &Telegram{bot: bot, chatID: 1}
		err := tg.Send(context.Background(), req(CategoryTaskReminders))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPermissionDenied, sendErr.Error())
	}
}

func TestDetectTelegramFailures(t *testing.T) {
	bot := &MockBot{}
	bot.On("GetMe", mock.Anything).Return(nil, errors.New("api: 401 \"Unauthorized\""))

	_, err := DetectTelegram(context.Background(), bot, 7)
	assert.ErrorIs(t, err, ErrNativeUnavailable)

	_, err = DetectTelegram(context.Background(), bot, 0)
	assert.ErrorIs(t, err, ErrNativeUnavailable)

	_, err = TelegramDetector("", 7)(context.Background())
	assert.ErrorIs(t, err, ErrNativeUnavailable)
}

func TestFallbackSendSurfacesImmediately(t *testing.T) {
	inbox := NewInbox(0)
	fb := NewFallback(inbox, clock.NewFake(testNow), 0)

	require.NoError(t, fb.Send(context.Background(), req(CategoryTaskReminders)))
	alerts := inbox.List()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Irrigate <field 2>", alerts[0].Title)
	assert.Equal(t, testNow, alerts[0].SurfacedAt)
	assert.Equal(t, 0, fb.Pending())

	assert.ErrorIs(t, fb.Send(context.Background(), req("nope")), ErrUnknownCategory)
}

func TestFallbackFlushDueOnly(t *testing.T) {
	inbox := NewInbox(0)
	fb := NewFallback(inbox, clock.NewFake(testNow), 0)

	fb.Schedule(domain.NotificationRequest{Title: "later", Category: CategoryFarmingReminders}, testNow.Add(2*time.Minute))
	fb.Schedule(domain.NotificationRequest{Title: "now", Category: CategoryFarmingReminders}, testNow)
	fb.Schedule(domain.NotificationRequest{Title: "earlier", Category: CategoryFarmingReminders}, testNow.Add(-time.Minute))

	assert.Equal(t, 2, fb.Flush(context.Background(), testNow))
	assert.Equal(t, 1, fb.Pending())

	titles := []string{}
	for _, a := range inbox.List() {
		titles = append(titles, a.Title)
	}
	assert.Equal(t, []string{"earlier", "now"}, titles)

	// Already surfaced alerts are never surfaced twice.
	assert.Equal(t, 0, fb.Flush(context.Background(), testNow))
	assert.Equal(t, 1, fb.Flush(context.Background(), testNow.Add(3*time.Minute)))
	assert.Len(t, inbox.List(), 3)

	assert.Equal(t, 2, fb.Prune(testNow.Add(time.Minute)))
	assert.Equal(t, 1, fb.Prune(testNow.Add(time.Hour)))
}

func TestFallbackRun(t *testing.T) {
	inbox := NewInbox(0)
	clk := clock.NewFake(testNow)
	fb := NewFallback(inbox, clk, 5*time.Millisecond)
	fb.Schedule(domain.NotificationRequest{Title: "due", Category: CategoryTaskReminders}, testNow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fb.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(inbox.List()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestFallbackTickRunsHooksBeforeFlush(t *testing.T) {
	inbox := NewInbox(0)
	clk := clock.NewFake(testNow)
	fb := NewFallback(inbox, clk, 0)

	var seen []time.Time
	fb.OnTick(func(_ context.Context, now time.Time) {
		seen = append(seen, now)
		fb.Schedule(domain.NotificationRequest{Title: "from hook", Category: CategoryTaskReminders}, now)
	})

	assert.Equal(t, 1, fb.Tick(context.Background()))
	clk.Advance(time.Minute)
	assert.Equal(t, 1, fb.Tick(context.Background()))

	assert.Equal(t, []time.Time{testNow, testNow.Add(time.Minute)}, seen)
	assert.Len(t, inbox.List(), 2)
	assert.Equal(t, 0, fb.Pending())
}

func TestInboxLimit(t *testing.T) {
	inbox := NewInbox(2)
	for _, title := range []string{"a", "b", "c"} {
		inbox.Alert(context.Background(), Alert{Title: title})
	}
	alerts := inbox.List()
	require.Len(t, alerts, 2)
	assert.Equal(t, "b", alerts[0].Title)
	assert.Equal(t, "c", alerts[1].Title)
}

func TestManagerSelectsNative(t *testing.T) {
	native := &captureDispatcher{}
	fb := NewFallback(NewInbox(0), clock.NewFake(testNow), 0)
	m := NewManager(func(context.Context) (Dispatcher, error) { return native, nil }, fb, nil)

	assert.Equal(t, "fallback", m.Strategy())
	assert.Equal(t, "capture", m.Initialize(context.Background()))

	require.NoError(t, m.Send(context.Background(), req(CategoryTaskReminders)))
	assert.Len(t, native.sent, 1)
	assert.Empty(t, fb.sink.(*Inbox).List())
}

func TestManagerDetectionFailure(t *testing.T) {
	fb := NewFallback(NewInbox(0), clock.NewFake(testNow), 0)
	m := NewManager(func(context.Context) (Dispatcher, error) { return nil, ErrNativeUnavailable }, fb, nil)

	assert.Equal(t, "fallback", m.Initialize(context.Background()))
	require.NoError(t, m.Send(context.Background(), req(CategoryTaskReminders)))
	assert.Len(t, fb.sink.(*Inbox).List(), 1)
}

func TestManagerPermissionDeniedSwitchesForGood(t *testing.T) {
	native := &captureDispatcher{fail: ErrPermissionDenied}
	inbox := NewInbox(0)
	fb := NewFallback(inbox, clock.NewFake(testNow), 0)
	m := NewManager(func(context.Context) (Dispatcher, error) { return native, nil }, fb, nil)
	m.Initialize(context.Background())

	require.NoError(t, m.Send(context.Background(), req(CategoryTaskReminders)))
	assert.Equal(t, "fallback", m.Strategy())
	assert.Len(t, inbox.List(), 1)

	// Recovery of the native channel does not switch back.
	native.fail = nil
	require.NoError(t, m.Send(context.Background(), req(CategoryTaskReminders)))
	assert.Empty(t, native.sent)
	assert.Len(t, inbox.List(), 2)
}

func TestManagerTransientNativeError(t *testing.T) {
	native := &captureDispatcher{fail: errors.New("timeout")}
	fb := NewFallback(NewInbox(0), clock.NewFake(testNow), 0)
	m := NewManager(func(context.Context) (Dispatcher, error) { return native, nil }, fb, nil)
	m.Initialize(context.Background())

	assert.Error(t, m.Send(context.Background(), req(CategoryTaskReminders)))
	assert.Equal(t, "capture", m.Strategy())
	assert.ErrorIs(t, m.Send(context.Background(), req("unknown")), ErrUnknownCategory)
}

func caution(id string, sev domain.Severity, issued, validUntil time.Time) domain.CautionRecord {
	return domain.CautionRecord{
		ID: id, Hazard: "heavy-rain", Region: "Konkan", Message: "Heavy rain " + id,
		Severity: sev, IssuedAt: issued, ValidUntil: validUntil,
	}
}

func TestSelectBatch(t *testing.T) {
	until := testNow.Add(24 * time.Hour)
	cautions := []domain.CautionRecord{
		caution("high-late", domain.SeverityHigh, testNow, until),
		caution("medium", domain.SeverityMedium, testNow.Add(-3*time.Hour), until),
		caution("crit-expired", domain.SeverityCritical, testNow.Add(-time.Hour), testNow.Add(-time.Second)),
		caution("high-early", domain.SeverityHigh, testNow.Add(-2*time.Hour), until),
		caution("crit", domain.SeverityCritical, testNow, until),
		caution("high-mid", domain.SeverityHigh, testNow.Add(-time.Hour), until),
	}

	batch := SelectBatch(cautions, testNow, domain.SeverityHigh, 3)
	ids := []string{}
	for _, c := range batch {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"crit", "high-early", "high-mid"}, ids)
}

func TestAdvisoryRateLimit(t *testing.T) {
	d := &captureDispatcher{}
	marks := newMarks(t)
	clk := clock.NewFake(testNow)
	a := NewAdvisoryNotifier(d, marks, clk, AdvisoryConfig{})

	until := testNow.Add(48 * time.Hour)
	cautions := []domain.CautionRecord{
		caution("c1", domain.SeverityCritical, testNow, until),
		caution("c2", domain.SeverityHigh, testNow, until),
		caution("c3", domain.SeverityHigh, testNow, until),
		caution("c4", domain.SeverityHigh, testNow, until),
	}

	n, err := a.NotifyCautions(context.Background(), cautions)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, d.sent, 3)
	assert.Equal(t, CategoryWeatherAlerts, d.sent[0].Category)
	assert.Equal(t, "c1", d.sent[0].Payload["caution_id"])
	assert.Equal(t, "Critical heavy rain alert for Konkan", d.sent[0].Title)

	clk.Advance(5 * time.Hour)
	n, err = a.NotifyCautions(context.Background(), cautions)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 0, n)
	assert.Len(t, d.sent, 3)

	clk.Advance(time.Hour)
	n, err = a.NotifyCautions(context.Background(), cautions)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAdvisoryMinSeverity(t *testing.T) {
	until := testNow.Add(time.Hour)
	cautions := []domain.CautionRecord{
		caution("low", domain.SeverityLow, testNow, until),
		caution("medium", domain.SeverityMedium, testNow, until),
	}

	d := &captureDispatcher{}
	n, err := NewAdvisoryNotifier(d, newMarks(t), clock.NewFake(testNow), AdvisoryConfig{}).
		NotifyCautions(context.Background(), cautions)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	floor := domain.SeverityLow
	d = &captureDispatcher{}
	n, err = NewAdvisoryNotifier(d, newMarks(t), clock.NewFake(testNow), AdvisoryConfig{MinSeverity: &floor}).
		NotifyCautions(context.Background(), cautions)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, d.sent, 2)
	assert.Equal(t, "medium", d.sent[0].Payload["caution_id"])
}

func TestAdvisoryEmptyBatchKeepsWindowOpen(t *testing.T) {
	d := &captureDispatcher{}
	marks := newMarks(t)
	clk := clock.NewFake(testNow)
	a := NewAdvisoryNotifier(d, marks, clk, AdvisoryConfig{})

	expired := caution("old", domain.SeverityCritical, testNow.Add(-2*time.Hour), testNow.Add(-time.Second))
	low := caution("low", domain.SeverityMedium, testNow, testNow.Add(time.Hour))
	n, err := a.NotifyCautions(context.Background(), []domain.CautionRecord{expired, low})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = marks.Get(context.Background(), lastSentKey(CategoryWeatherAlerts))
	assert.ErrorIs(t, err, store.ErrNotFound)

	fresh := caution("new", domain.SeverityHigh, testNow, testNow.Add(time.Hour))
	n, err = a.NotifyCautions(context.Background(), []domain.CautionRecord{fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdvisoryFailedSendsKeepWindowOpen(t *testing.T) {
	d := &captureDispatcher{fail: errors.New("offline")}
	marks := newMarks(t)
	a := NewAdvisoryNotifier(d, marks, clock.NewFake(testNow), AdvisoryConfig{MaxPerBatch: 1, Window: time.Hour})

	c := caution("c", domain.SeverityHigh, testNow, testNow.Add(time.Hour))
	_, err := a.NotifyCautions(context.Background(), []domain.CautionRecord{c})
	assert.Error(t, err)

	d.fail = nil
	n, err := a.NotifyCautions(context.Background(), []domain.CautionRecord{c})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
