package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
)

const DefaultRetention = 30 * 24 * time.Hour

type ReminderPurger interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

type AlertPruner interface {
	Prune(before time.Time) int
}

// Cleanup drops sent reminders and surfaced fallback alerts older than
// Retention.
type Cleanup struct {
	Reminders ReminderPurger
	Alerts    AlertPruner
	Clock     clock.Clock
	Retention time.Duration
}

func (h Cleanup) Handle(ctx context.Context) error {
	retention := h.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	clk := h.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	purged, err := h.Reminders.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	pruned := 0
	if h.Alerts != nil {
		pruned = h.Alerts.Prune(clk.Now().Add(-retention))
	}
	log.Info().
		Int("reminders", purged).
		Int("alerts", pruned).
		Dur("retention", retention).
		Msg("cleanup finished")
	return nil
}
