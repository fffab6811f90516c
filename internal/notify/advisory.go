package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/store"
)

const (
	DefaultAdvisoryWindow   = 6 * time.Hour
	DefaultAdvisoryMaxBatch = 3
)

type AdvisoryConfig struct {
	// Window is the minimum gap between two batches.
	Window      time.Duration
	MaxPerBatch int
	// MinSeverity is the lowest severity alerted on; nil means high.
	MinSeverity *domain.Severity
}

// AdvisoryNotifier turns dataset cautions into weather-alerts notifications,
// at most one batch per window. The last-sent mark lives in the cache store
// so the limit holds across restarts.
type AdvisoryNotifier struct {
	dispatcher Dispatcher
	marks      store.CacheStore
	clock      clock.Clock
	cfg        AdvisoryConfig
	minSev     domain.Severity

	mu sync.Mutex
}

func NewAdvisoryNotifier(d Dispatcher, marks store.CacheStore, clk clock.Clock, cfg AdvisoryConfig) *AdvisoryNotifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultAdvisoryWindow
	}
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = DefaultAdvisoryMaxBatch
	}
	minSev := domain.SeverityHigh
	if cfg.MinSeverity != nil {
		minSev = *cfg.MinSeverity
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &AdvisoryNotifier{dispatcher: d, marks: marks, clock: clk, cfg: cfg, minSev: minSev}
}

func lastSentKey(category string) string { return "notify:last-sent:" + category }

// SelectBatch picks up to limit unexpired cautions at or above minSev,
// most severe first and earliest issued among equals.
func SelectBatch(cautions []domain.CautionRecord, now time.Time, minSev domain.Severity, limit int) []domain.CautionRecord {
	var out []domain.CautionRecord
	for _, c := range cautions {
		if c.Severity < minSev || c.Expired(now) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// NotifyCautions sends one batch unless the window is still closed, in which
// case it returns ErrRateLimited. A call with nothing to send leaves the
// window open.
func (a *AdvisoryNotifier) NotifyCautions(ctx context.Context, cautions []domain.CautionRecord) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	key := lastSentKey(CategoryWeatherAlerts)

	last, err := a.marks.Get(ctx, key)
	switch {
	case err == nil:
		if now.Sub(last.UpdatedAt) < a.cfg.Window {
			return 0, fmt.Errorf("%w: last batch at %s", ErrRateLimited, last.UpdatedAt.Format(time.RFC3339))
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		// Without the mark the window cannot be enforced, so nothing is sent.
		return 0, fmt.Errorf("read last-sent mark: %w", err)
	}

	batch := SelectBatch(cautions, now, a.minSev, a.cfg.MaxPerBatch)
	if len(batch) == 0 {
		return 0, nil
	}

	sent := 0
	var firstErr error
	for _, c := range batch {
		if err := a.dispatcher.Send(ctx, cautionRequest(c)); err != nil {
			log.Warn().Err(err).Str("caution", c.ID).Msg("failed to send weather alert")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, firstErr
	}

	if err := a.marks.Put(ctx, key, []byte(now.UTC().Format(time.RFC3339)), now); err != nil {
		return sent, fmt.Errorf("write last-sent mark: %w", err)
	}
	return sent, nil
}

func cautionRequest(c domain.CautionRecord) domain.NotificationRequest {
	title := fmt.Sprintf("%s %s alert", titleCase(c.Severity.String()), strings.ReplaceAll(c.Hazard, "-", " "))
	if c.Region != "" {
		title += " for " + c.Region
	}
	return domain.NotificationRequest{
		Title:    title,
		Body:     c.Message,
		Category: CategoryWeatherAlerts,
		Payload: map[string]string{
			"caution_id":  c.ID,
			"hazard":      c.Hazard,
			"region":      c.Region,
			"severity":    c.Severity.String(),
			"valid_until": c.ValidUntil.UTC().Format(time.RFC3339),
		},
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
