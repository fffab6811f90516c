package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
)

const DefaultFallbackInterval = time.Minute

type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Category    string            `json:"category"`
	Payload     map[string]string `json:"payload,omitempty"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	SurfacedAt  time.Time         `json:"surfacedAt"`
}

// AlertSink surfaces an alert inside the running process.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// Inbox keeps the most recent alerts in memory and logs each one.
type Inbox struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 200
	}
	return &Inbox{limit: limit}
}

func (in *Inbox) Alert(_ context.Context, a Alert) {
	log.Info().
		Str("category", a.Category).
		Str("title", a.Title).
		Msg("alert")

	in.mu.Lock()
	defer in.mu.Unlock()
	in.alerts = append(in.alerts, a)
	if len(in.alerts) > in.limit {
		in.alerts = in.alerts[len(in.alerts)-in.limit:]
	}
}

// List returns alerts oldest first.
func (in *Inbox) List() []Alert {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Alert, len(in.alerts))
	copy(out, in.alerts)
	return out
}

type pendingAlert struct {
	alert Alert
	sent  bool
}

// Fallback delivers notifications in-process: pending alerts are held in
// memory and surfaced to the sink once due, either immediately on Send or by
// the Run ticker. Nothing reaches the user while the process is not running,
// and undelivered alerts do not survive a restart.
type Fallback struct {
	sink     AlertSink
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAlert
	hooks   []TickFunc
}

// TickFunc runs on every fallback tick, before due alerts are flushed.
type TickFunc func(ctx context.Context, now time.Time)

func NewFallback(sink AlertSink, clk clock.Clock, interval time.Duration) *Fallback {
	if sink == nil {
		sink = NewInbox(0)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultFallbackInterval
	}
	return &Fallback{
		sink:     sink,
		clock:    clk,
		interval: interval,
		pending:  make(map[string]*pendingAlert),
	}
}

func (f *Fallback) Strategy() string { return "fallback" }

// Send never fails for a known category: the alert is queued and surfaced
// right away.
func (f *Fallback) Send(ctx context.Context, req domain.NotificationRequest) error {
	if _, err := LookupChannel(req.Category); err != nil {
		return err
	}
	now := f.clock.Now()
	f.Schedule(req, now)
	f.Flush(ctx, now)
	return nil
}

// Schedule queues req to be surfaced at the first flush at or after at.
func (f *Fallback) Schedule(req domain.NotificationRequest, at time.Time) string {
	a := Alert{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Body:        req.Body,
		Category:    req.Category,
		Payload:     req.Payload,
		ScheduledAt: at,
	}
	f.mu.Lock()
	f.pending[a.ID] = &pendingAlert{alert: a}
	f.mu.Unlock()
	return a.ID
}

// Flush surfaces every unsent alert due at now and marks it sent.
func (f *Fallback) Flush(ctx context.Context, now time.Time) int {
	f.mu.Lock()
	var due []Alert
	for _, p := range f.pending {
		if p.sent || p.alert.ScheduledAt.After(now) {
			continue
		}
		p.sent = true
		p.alert.SurfacedAt = now
		due = append(due, p.alert)
	}
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	for _, a := range due {
		f.sink.Alert(ctx, a)
	}
	return len(due)
}

// Pending counts alerts not yet surfaced.
func (f *Fallback) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pending {
		if !p.sent {
			n++
		}
	}
	return n
}

// Prune forgets surfaced alerts older than before.
func (f *Fallback) Prune(before time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, p := range f.pending {
		if p.sent && p.alert.SurfacedAt.Before(before) {
			delete(f.pending, id)
			n++
		}
	}
	return n
}

// OnTick registers fn to run on every tick. Hooks may call Send or Schedule.
func (f *Fallback) OnTick(fn TickFunc) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// Tick runs the hooks, then surfaces every alert due now.
func (f *Fallback) Tick(ctx context.Context) int {
	now := f.clock.Now()
	f.mu.Lock()
	hooks := append([]TickFunc(nil), f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, now)
	}
	return f.Flush(ctx, now)
}

// Run ticks until ctx is done.
func (f *Fallback) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.Tick(ctx); n > 0 {
				log.Debug().Int("count", n).Msg("fallback alerts surfaced")
			}
		}
	}
}
