package refresh

import (
	"context"
	"errors"

	"agrisync/internal/acquisition"
	"agrisync/internal/domain"
	"agrisync/internal/scheduler"
)

type Source interface {
	RefreshIfStale(ctx context.Context) (*domain.CachedDataset, error)
}

// Refresh is the data-refresh action. A fresh cache or a refresh already
// started elsewhere counts as a skipped run; a failed fetch fails the run so
// the scheduler retries it.
type Refresh struct {
	Source Source
}

func (h Refresh) Handle(ctx context.Context) error {
	_, err := h.Source.RefreshIfStale(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, acquisition.ErrFresh), errors.Is(err, acquisition.ErrRefreshInProgress):
		return scheduler.ErrSkipped
	default:
		return err
	}
}
