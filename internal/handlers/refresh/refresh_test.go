package refresh

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"agrisync/internal/acquisition"
	"agrisync/internal/domain"
	"agrisync/internal/scheduler"
)

type sourceFunc func(ctx context.Context) (*domain.CachedDataset, error)

func (f sourceFunc) RefreshIfStale(ctx context.Context) (*domain.CachedDataset, error) { return f(ctx) }

func TestRefreshHandle(t *testing.T) {
	fetchErr := errors.New("fetch bulletin: HTTP 503")
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"refreshed", nil, nil},
		{"fresh cache", acquisition.ErrFresh, scheduler.ErrSkipped},
		{"already running", acquisition.ErrRefreshInProgress, scheduler.ErrSkipped},
		{"fetch failed", fetchErr, fetchErr},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Refresh{Source: sourceFunc(func(context.Context) (*domain.CachedDataset, error) {
				return &domain.CachedDataset{}, tc.err
			})}
			err := h.Handle(context.Background())
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
