package app

import (
	"context"
	"errors"
	"fmt"

	"promodispatch/internal/config"
	"promodispatch/internal/dispatch"
	"promodispatch/internal/ledger"
	"promodispatch/internal/outbox"
	"promodispatch/internal/storage"
	logx "promodispatch/pkg/logx"
)

// Inspect reads one message and its ledger history straight from storage.
// It does not start any component, so it works while the daemon is down.
func Inspect(ctx context.Context, cfg *config.Config, id string, log logx.Logger) (dispatch.StatusView, []ledger.Outcome, error) {
	store, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		return dispatch.StatusView{}, nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	m, err := store.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return dispatch.StatusView{}, nil, fmt.Errorf("%w: %s", outbox.ErrNotFound, id)
	}
	if err != nil {
		return dispatch.StatusView{}, nil, err
	}
	hist, err := ledger.New(store).History(ctx, id)
	if err != nil {
		return dispatch.StatusView{}, nil, err
	}
	return dispatch.NewStatusView(m), hist, nil
}
