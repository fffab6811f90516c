package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/notify"
	"agrisync/internal/store"
)

var ErrInvalidSchedule = errors.New("invalid crop schedule")

const day = 24 * time.Hour

type CheckResult struct {
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Engine derives reminders from crop schedules and dispatches the due ones.
type Engine struct {
	repo       store.ReminderRepository
	dispatcher notify.Dispatcher
	clock      clock.Clock
	templates  TemplateSet

	// checkMu keeps a manual check from racing the scheduled one.
	checkMu sync.Mutex
}

func NewEngine(repo store.ReminderRepository, d notify.Dispatcher, clk clock.Clock, templates TemplateSet) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{repo: repo, dispatcher: d, clock: clk, templates: templates}
}

// Build returns the reminders for a crop schedule without persisting them.
func (e *Engine) Build(cs domain.CropSchedule) ([]domain.Reminder, error) {
	crop := strings.TrimSpace(cs.CropName)
	if crop == "" {
		return nil, fmt.Errorf("%w: crop name is required", ErrInvalidSchedule)
	}
	if cs.PlantingDate.IsZero() || cs.HarvestDate.IsZero() {
		return nil, fmt.Errorf("%w: planting and harvest dates are required", ErrInvalidSchedule)
	}
	if !cs.HarvestDate.After(cs.PlantingDate) {
		return nil, fmt.Errorf("%w: harvest must be after planting", ErrInvalidSchedule)
	}

	now := e.clock.Now()
	related := cs.ID
	if related == "" {
		related = uuid.NewString()
	}
	mk := func(t Template, at time.Time) domain.Reminder {
		title, msg := t.render(crop)
		return domain.Reminder{
			ID:            uuid.NewString(),
			UserID:        cs.UserID,
			Title:         title,
			Message:       msg,
			Type:          t.Type,
			Category:      t.Category,
			ScheduledDate: at,
			IsActive:      true,
			RelatedItemID: related,
			CreatedAt:     now,
		}
	}

	var out []domain.Reminder
	for _, t := range e.templates.Maintenance {
		at := cs.PlantingDate.Add(time.Duration(t.OffsetDays) * day)
		// Maintenance after harvest makes no sense for this crop cycle.
		if !at.Before(cs.HarvestDate) {
			continue
		}
		out = append(out, mk(t, at))
	}
	out = append(out, mk(e.templates.Harvest, cs.HarvestDate.Add(time.Duration(e.templates.Harvest.OffsetDays)*day)))
	return out, nil
}

// Generate builds and persists the reminders for a crop schedule.
func (e *Engine) Generate(ctx context.Context, cs domain.CropSchedule) ([]domain.Reminder, error) {
	rs, err := e.Build(cs)
	if err != nil {
		return nil, err
	}
	if err := e.repo.CreateReminders(ctx, rs); err != nil {
		return nil, fmt.Errorf("save reminders: %w", err)
	}
	log.Info().
		Str("crop", cs.CropName).
		Str("user_id", cs.UserID).
		Int("count", len(rs)).
		Msg("reminders generated")
	return rs, nil
}

// CheckDue dispatches every due reminder of userID (all users when empty).
// A reminder is marked sent only after its dispatch succeeded; failures stay
// pending for the next check.
func (e *Engine) CheckDue(ctx context.Context, userID string) (CheckResult, error) {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	now := e.clock.Now()
	due, err := e.repo.ListDueReminders(ctx, userID, now)
	if err != nil {
		return CheckResult{}, fmt.Errorf("list due reminders: %w", err)
	}

	res := CheckResult{Due: len(due)}
	for _, rm := range due {
		req := domain.NotificationRequest{
			Title:    rm.Title,
			Body:     rm.Message,
			Category: rm.Category,
			Payload: map[string]string{
				"reminder_id": rm.ID,
				"type":        rm.Type,
				"related_id":  rm.RelatedItemID,
			},
		}
		if err := e.dispatcher.Send(ctx, req); err != nil {
			res.Failed++
			log.Warn().Err(err).Str("reminder", rm.ID).Msg("reminder dispatch failed, will retry")
			continue
		}
		if err := e.repo.MarkReminderSent(ctx, rm.ID, now); err != nil {
			// Sent but not recorded: it may be delivered again next check.
			res.Failed++
			log.Error().Err(err).Str("reminder", rm.ID).Msg("failed to mark reminder sent")
			continue
		}
		res.Sent++
	}
	if res.Due > 0 {
		log.Info().
			Int("due", res.Due).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Msg("reminder check finished")
	}
	return res, nil
}

// WatchFallback checks for due reminders on every fallback tick while m
// delivers through the fallback, so they surface within one tick interval.
// With the native strategy active the hook does nothing and the scheduled
// reminder-check task stays in charge.
func (e *Engine) WatchFallback(m *notify.Manager) {
	fb := m.Fallback()
	fb.OnTick(func(ctx context.Context, _ time.Time) {
		if m.Strategy() != fb.Strategy() {
			return
		}
		if _, err := e.CheckDue(ctx, ""); err != nil {
			log.Warn().Err(err).Msg("fallback reminder check failed")
		}
	})
}

func (e *Engine) List(ctx context.Context, userID string) ([]domain.Reminder, error) {
	return e.repo.ListReminders(ctx, userID)
}

// Cleanup deletes reminders sent more than retention ago.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := e.repo.PurgeSentReminders(ctx, e.clock.Now().Add(-retention))
	if err != nil {
		return n, fmt.Errorf("purge reminders: %w", err)
	}
	return n, nil
}
