package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

type WatchStore interface {
	ListExpiringWatches(ctx context.Context, before time.Time, limit int) ([]model.CalendarConnection, error)
}

// Watcher starts a fresh channel, replacing the current one. *calendar.Manager implements it.
type Watcher interface {
	StartWatch(ctx context.Context, connectionID string) (model.WatchState, error)
}

type RenewerConfig struct {
	Interval time.Duration
	// Horizon renews channels that expire within it.
	Horizon   time.Duration
	BatchSize int
}

// Renewer keeps provider watch channels alive before they lapse.
type Renewer struct {
	store   WatchStore
	watcher Watcher
	logger  *slog.Logger
	cfg     RenewerConfig
	now     func() time.Time
}

func NewRenewer(store WatchStore, watcher Watcher, logger *slog.Logger, cfg RenewerConfig) *Renewer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Renewer{store: store, watcher: watcher, logger: logger, cfg: cfg, now: time.Now}
}

func (r *Renewer) Run(ctx context.Context) {
	r.logger.Info("watch renewer started", "interval", r.cfg.Interval, "horizon", r.cfg.Horizon)
	every(ctx, r.cfg.Interval, func(ctx context.Context) { r.RenewOnce(ctx) })
}

// RenewOnce renews one batch and reports how many channels were replaced.
// A failed renewal is logged; the connection falls back to polling.
func (r *Renewer) RenewOnce(ctx context.Context) int {
	conns, err := r.store.ListExpiringWatches(ctx, r.now().Add(r.cfg.Horizon), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("list expiring watches failed", "err", err)
		return 0
	}
	renewed := 0
	for _, c := range conns {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.watcher.StartWatch(ctx, c.ID); err != nil {
			r.logger.Warn("watch renewal failed", "err", err, "connection_id", c.ID, "provider", c.Provider)
			continue
		}
		renewed++
	}
	if renewed > 0 {
		r.logger.Info("watch channels renewed", "count", renewed)
	}
	return renewed
}
