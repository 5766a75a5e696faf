// Package dispatch runs calendar sync passes off the request path. Passes for
// one connection never overlap; different connections sync in parallel.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calsync"
)

// Dispatcher accepts sync requests. Enqueue returns without waiting for the pass.
type Dispatcher interface {
	Enqueue(ctx context.Context, connectionID string) error
}

// Runner runs one pass. *calsync.Syncer implements it.
type Runner interface {
	Sync(ctx context.Context, connectionID string) (calsync.SyncResult, error)
}

type QueueConfig struct {
	MaxParallel int
	PassTimeout time.Duration
	// Locker guards a connection across instances; nil means this process is the only runner.
	Locker Locker
	// LockRetry is how often a trigger for a connection locked elsewhere tries
	// again. It gives up once PassTimeout has passed, when the lock has expired anyway.
	LockRetry time.Duration
}

type connState struct {
	pending bool
}

// Queue is the in-process dispatcher. A trigger arriving while a pass runs is
// folded into a single follow-up pass.
type Queue struct {
	ctx    context.Context
	runner Runner
	logger *slog.Logger
	cfg    QueueConfig
	sem    chan struct{}

	mu    sync.Mutex
	state map[string]*connState
	wg    sync.WaitGroup
}

var _ Dispatcher = (*Queue)(nil)

// NewQueue ties pass lifetimes to ctx, not to the request that enqueued them.
func NewQueue(ctx context.Context, runner Runner, logger *slog.Logger, cfg QueueConfig) *Queue {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 2 * time.Minute
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 5 * time.Second
	}
	return &Queue{
		ctx:    ctx,
		runner: runner,
		logger: logger,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxParallel),
		state:  map[string]*connState{},
	}
}

func (q *Queue) Enqueue(_ context.Context, connectionID string) error {
	if err := q.ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.state[connectionID]; ok {
		st.pending = true
		return nil
	}
	q.state[connectionID] = &connState{}
	q.wg.Add(1)
	go q.loop(connectionID)
	return nil
}

func (q *Queue) loop(connectionID string) {
	defer q.wg.Done()
	var lockedSince time.Time
	for {
		if q.runOnce(connectionID) {
			if lockedSince.IsZero() {
				lockedSince = time.Now()
			}
			if time.Since(lockedSince) < q.cfg.PassTimeout && q.pause(q.cfg.LockRetry) {
				continue
			}
			q.logger.Warn("gave up waiting for sync lock", "connection_id", connectionID)
		}
		lockedSince = time.Time{}

		q.mu.Lock()
		st := q.state[connectionID]
		if !st.pending || q.ctx.Err() != nil {
			delete(q.state, connectionID)
			q.mu.Unlock()
			return
		}
		st.pending = false
		q.mu.Unlock()
	}
}

// runOnce reports whether the pass was skipped because another runner holds the connection.
func (q *Queue) runOnce(connectionID string) (heldElsewhere bool) {
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return false
	}
	defer func() { <-q.sem }()

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.PassTimeout)
	defer cancel()

	if q.cfg.Locker != nil {
		release, ok, err := q.cfg.Locker.Acquire(ctx, connectionID, q.cfg.PassTimeout)
		if err != nil {
			q.logger.Warn("sync lock unavailable", "err", err, "connection_id", connectionID)
			return false
		}
		if !ok {
			q.logger.Debug("connection is syncing elsewhere, retrying later", "connection_id", connectionID)
			return true
		}
		defer release()
	}

	// Errors are logged by the runner; the next trigger or poll retries.
	_, _ = q.runner.Sync(ctx, connectionID)
	return false
}

func (q *Queue) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// Busy reports whether a pass for the connection is running or queued.
func (q *Queue) Busy(connectionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.state[connectionID]
	return ok
}

// Wait blocks until every started pass has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}
