// Package workers holds the periodic jobs of the calendar sync worker: watch
// channel renewal and the polling safety net. Both run on one instance at a
// time, elected through a Postgres advisory lock.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/db"
)

// Elector grants singleton leadership. Lead blocks until this instance leads
// or ctx ends; release gives leadership up.
type Elector interface {
	Lead(ctx context.Context) (release func(), err error)
}

// DefaultLockKey is the advisory lock id of the calendar worker leader.
const DefaultLockKey int64 = 4242101

// AdvisoryLock elects with pg_try_advisory_lock. The lock is session scoped,
// so the winning connection is held out of the pool until release.
type AdvisoryLock struct {
	pool   *db.Pool
	key    int64
	retry  time.Duration
	logger *slog.Logger
}

func NewAdvisoryLock(pool *db.Pool, key int64, retry time.Duration, logger *slog.Logger) *AdvisoryLock {
	if key == 0 {
		key = DefaultLockKey
	}
	if retry <= 0 {
		retry = 30 * time.Second
	}
	return &AdvisoryLock{pool: pool, key: key, retry: retry, logger: logger}
}

func (a *AdvisoryLock) Lead(ctx context.Context) (func(), error) {
	for {
		conn, err := a.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Error("leader election: acquire connection failed", "err", err)
		} else {
			var locked bool
			if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, a.key).Scan(&locked); err != nil {
				a.logger.Error("leader election: advisory lock query failed", "err", err)
			}
			if locked {
				a.logger.Info("leader election: advisory lock acquired", "lock_key", a.key)
				var once sync.Once
				return func() {
					once.Do(func() {
						_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, a.key)
						conn.Release()
					})
				}, nil
			}
			conn.Release()
			a.logger.Info("leader election: advisory lock held by another instance", "lock_key", a.key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.retry):
		}
	}
}

// Solo always leads. It is used when the worker runs without Postgres.
type Solo struct{}

func (Solo) Lead(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// RunAsLeader waits for leadership and then runs every job until ctx ends.
func RunAsLeader(ctx context.Context, e Elector, logger *slog.Logger, jobs ...func(context.Context)) {
	release, err := e.Lead(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("leader election failed", "err", err)
		}
		return
	}
	defer release()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(job)
	}
	wg.Wait()
}

// every runs fn now and then on each tick until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
