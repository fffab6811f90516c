package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"agrisync/internal/domain"
	"agrisync/internal/metrics"
)

// Detector probes the native channel and returns it when usable.
type Detector func(ctx context.Context) (Dispatcher, error)

// Manager is the Dispatcher the rest of the service talks to. It picks the
// native or fallback strategy once at Initialize and only ever moves from
// native to fallback afterwards.
type Manager struct {
	detect   Detector
	fallback *Fallback
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	active Dispatcher
}

func NewManager(detect Detector, fallback *Fallback, m *metrics.Metrics) *Manager {
	return &Manager{
		detect:   detect,
		fallback: fallback,
		metrics:  m,
		active:   fallback,
	}
}

// Initialize runs capability detection and returns the selected strategy.
func (m *Manager) Initialize(ctx context.Context) string {
	if m.detect == nil {
		log.Info().Msg("no native notification channel configured, using fallback")
		return m.Strategy()
	}
	native, err := m.detect(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("native notifications unavailable, using fallback")
		return m.Strategy()
	}

	m.mu.Lock()
	m.active = native
	m.mu.Unlock()
	log.Info().Str("strategy", native.Strategy()).Msg("notification strategy selected")
	return native.Strategy()
}

func (m *Manager) Strategy() string {
	return m.current().Strategy()
}

func (m *Manager) Fallback() *Fallback { return m.fallback }

func (m *Manager) current() Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Send delivers through the active strategy. A permission denial from the
// native channel switches to the fallback for good and re-sends there.
func (m *Manager) Send(ctx context.Context, req domain.NotificationRequest) error {
	if _, err := LookupChannel(req.Category); err != nil {
		return err
	}

	d := m.current()
	err := d.Send(ctx, req)
	m.record(req.Category, d.Strategy(), err)
	if err == nil || !errors.Is(err, ErrPermissionDenied) || d == Dispatcher(m.fallback) {
		return err
	}

	m.mu.Lock()
	m.active = m.fallback
	m.mu.Unlock()
	log.Warn().Err(err).Msg("native notifications revoked, switching to fallback")

	err = m.fallback.Send(ctx, req)
	m.record(req.Category, m.fallback.Strategy(), err)
	return err
}

func (m *Manager) record(category, strategy string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.metrics.Notification(category, strategy, status)
}
