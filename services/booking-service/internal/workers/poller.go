package workers

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"golang.org/x/sync/errgroup"
)

type SyncStore interface {
	ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]model.CalendarConnection, error)
}

type PollerConfig struct {
	Interval time.Duration
	// Staleness is how long a connection may go without a pass.
	Staleness time.Duration
	BatchSize int
	// Parallel bounds concurrent enqueues; a Kafka dispatcher blocks on each write.
	Parallel int
}

// Poller requests passes for connections that webhooks have not kept fresh,
// covering lost notifications and connections without a watch channel.
type Poller struct {
	store      SyncStore
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	cfg        PollerConfig
	now        func() time.Time
}

func NewPoller(store SyncStore, dispatcher dispatch.Dispatcher, logger *slog.Logger, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Poller{store: store, dispatcher: dispatcher, logger: logger, cfg: cfg, now: time.Now}
}

func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("sync poller started", "interval", p.cfg.Interval, "staleness", p.cfg.Staleness)
	every(ctx, p.cfg.Interval, func(ctx context.Context) { p.PollOnce(ctx) })
}

// PollOnce enqueues every stale connection and reports how many were enqueued.
func (p *Poller) PollOnce(ctx context.Context) int {
	conns, err := p.store.ListDueForSync(ctx, p.now().Add(-p.cfg.Staleness), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("list connections due for sync failed", "err", err)
		return 0
	}

	var enqueued atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallel)
	for _, c := range conns {
		g.Go(func() error {
			if err := p.dispatcher.Enqueue(gctx, c.ID); err != nil {
				p.logger.Warn("enqueue poll sync failed", "err", err, "connection_id", c.ID)
				return nil
			}
			enqueued.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if n := enqueued.Load(); n > 0 {
		p.logger.Info("poll syncs enqueued", "count", n)
	}
	return int(enqueued.Load())
}
