package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agrisync/internal/clock"
	"agrisync/internal/domain"
	"agrisync/internal/metrics"
	"agrisync/internal/store"
)

const (
	DefaultTTL = 6 * time.Hour

	datasetKey = "dataset:latest"
)

var (
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrFresh is returned by RefreshIfStale when the cache needs no refresh.
	ErrFresh = errors.New("cached dataset is fresh")
	// ErrClosed is returned by refreshes started after Shutdown.
	ErrClosed = errors.New("acquisition service closed")
)

// Notifier receives the cautions of every newly acquired dataset.
type Notifier interface {
	NotifyCautions(ctx context.Context, cautions []domain.CautionRecord) (int, error)
}

type Config struct {
	TTL time.Duration
	// BackgroundTimeout bounds refreshes started by GetLatestData.
	BackgroundTimeout time.Duration
	Metrics           *metrics.Metrics
}

// Service is the single owner of the cached dataset. At most one refresh
// runs at a time; a concurrent caller gets ErrRefreshInProgress.
type Service struct {
	fetcher  Fetcher
	parser   Parser
	cache    store.CacheStore
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	ttl      time.Duration
	bgTime   time.Duration

	inFlight atomic.Bool

	// mu orders wg.Add against Shutdown's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(f Fetcher, p Parser, cache store.CacheStore, n Notifier, clk clock.Clock, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = DefaultFetchTimeout
	}
	if p == nil {
		p = NewHeuristicParser()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		fetcher:  f,
		parser:   p,
		cache:    cache,
		notifier: n,
		clock:    clk,
		metrics:  cfg.Metrics,
		ttl:      cfg.TTL,
		bgTime:   cfg.BackgroundTimeout,
	}
}

func (s *Service) TTL() time.Duration { return s.ttl }

// IsFresh reports whether ds is younger than the TTL at now.
func (s *Service) IsFresh(ds *domain.CachedDataset, now time.Time) bool {
	return ds != nil && now.Sub(ds.FetchedAt) < s.ttl
}

// Refresh fetches and parses the bulletin and overwrites the cache. When the
// fetch fails it returns the cached dataset, which may be nil, together with
// the wrapped cause.
func (s *Service) Refresh(ctx context.Context) (*domain.CachedDataset, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer s.inFlight.Store(false)
	if !s.begin() {
		return nil, ErrClosed
	}
	defer s.wg.Done()
	s.metrics.RefreshInFlight(true)
	defer s.metrics.RefreshInFlight(false)

	started := s.clock.Now()
	doc, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.metrics.Fetch("error")
		log.Warn().Err(err).Msg("bulletin fetch failed, falling back to cache")
		return s.cached(ctx), fmt.Errorf("fetch bulletin: %w", err)
	}

	now := s.clock.Now()
	ext, err := s.parser.Parse(doc.Body, now)
	if err != nil {
		if errors.Is(err, ErrNoSignal) {
			log.Info().Str("url", doc.URL).Msg("bulletin carried no signal, using baseline")
		} else {
			log.Warn().Err(err).Str("url", doc.URL).Msg("bulletin parse failed, using baseline")
		}
		ext = Extraction{Label: ext.Label, Regions: ext.Regions}
	}
	if len(ext.Forecasts) == 0 && len(ext.Cautions) == 0 {
		ext.Forecasts = []domain.ForecastRecord{BaselineForecast(now)}
	}

	ds := &domain.CachedDataset{
		Forecasts:     ext.Forecasts,
		Cautions:      ext.Cautions,
		BulletinLabel: ext.Label,
		FetchedAt:     now,
		Regions:       ext.Regions,
	}
	if ds.Cautions == nil {
		ds.Cautions = []domain.CautionRecord{}
	}
	if ds.Regions == nil {
		ds.Regions = []string{}
	}

	// The write must land even if the caller gave up meanwhile.
	if err := s.save(context.WithoutCancel(ctx), ds); err != nil {
		log.Error().Err(err).Msg("failed to persist dataset")
	}
	s.metrics.Fetch("success")
	s.metrics.DatasetAge(0)

	log.Info().
		Str("label", ds.BulletinLabel).
		Int("forecasts", len(ds.Forecasts)).
		Int("cautions", len(ds.Cautions)).
		Dur("took", s.clock.Now().Sub(started)).
		Msg("bulletin refreshed")

	if s.notifier != nil && len(ds.Cautions) > 0 {
		if n, err := s.notifier.NotifyCautions(ctx, ds.Cautions); err != nil {
			log.Info().Err(err).Msg("caution alerts not sent")
		} else if n > 0 {
			log.Info().Int("sent", n).Msg("caution alerts dispatched")
		}
	}
	return ds, nil
}

// ForceRefresh ignores freshness and refreshes synchronously.
func (s *Service) ForceRefresh(ctx context.Context) (*domain.CachedDataset, error) {
	return s.Refresh(ctx)
}

// RefreshIfStale refreshes only when the cache is missing or stale.
func (s *Service) RefreshIfStale(ctx context.Context) (*domain.CachedDataset, error) {
	if ds := s.cached(ctx); s.IsFresh(ds, s.clock.Now()) {
		return ds, ErrFresh
	}
	return s.Refresh(ctx)
}

// GetLatestData never waits on the network when any cache exists: a stale
// dataset is returned as-is while a refresh runs in the background. Only an
// empty cache forces a synchronous refresh.
func (s *Service) GetLatestData(ctx context.Context) (*domain.CachedDataset, error) {
	ds := s.cached(ctx)
	if ds != nil {
		if !s.IsFresh(ds, s.clock.Now()) {
			s.refreshInBackground()
		}
		return ds, nil
	}
	return s.Refresh(ctx)
}

// Cached returns the stored dataset without touching the network.
func (s *Service) Cached(ctx context.Context) *domain.CachedDataset {
	return s.cached(ctx)
}

// Refreshing reports whether a refresh is running.
func (s *Service) Refreshing() bool { return s.inFlight.Load() }

// Wait blocks until running refreshes, synchronous or background, have
// finished.
func (s *Service) Wait() { s.wg.Wait() }

// Shutdown rejects new refreshes with ErrClosed and waits for the running
// one to write its result.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) refreshInBackground() {
	if s.inFlight.Load() || !s.begin() {
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.bgTime)
		defer cancel()
		if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInProgress) {
			log.Warn().Err(err).Msg("background refresh failed")
		}
	}()
}

// cached treats every storage or decoding problem as "no cache".
func (s *Service) cached(ctx context.Context) *domain.CachedDataset {
	if s.cache == nil {
		return nil
	}
	e, err := s.cache.Get(ctx, datasetKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("cache read failed")
		}
		return nil
	}
	var ds domain.CachedDataset
	if err := json.Unmarshal(e.Value, &ds); err != nil {
		log.Warn().Err(err).Msg("cached dataset is corrupt")
		return nil
	}
	s.metrics.DatasetAge(s.clock.Now().Sub(ds.FetchedAt))
	return &ds
}

func (s *Service) save(ctx context.Context, ds *domain.CachedDataset) error {
	if s.cache == nil {
		return nil
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	return s.cache.Put(ctx, datasetKey, data, ds.FetchedAt)
}
