// Package app wires the pieces shared by the booking API and the calendar
// sync worker from environment configuration.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/config"
	"github.com/md-rashed-zaman/bookingsync/libs/db"
	"github.com/md-rashed-zaman/bookingsync/libs/kafkax"
	"github.com/md-rashed-zaman/bookingsync/libs/runtime"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar/google"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar/outlook"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calsync"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage/memory"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/workers"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Store opens Postgres when DATABASE_URL is set and applies the schema.
// Without it the in-memory store is returned and pool is nil.
func Store(ctx context.Context, logger *slog.Logger) (storage.Store, *db.Pool, error) {
	dbURL := config.String("DATABASE_URL", "")
	if dbURL == "" {
		logger.Warn("DATABASE_URL not set, using the in-memory store")
		return memory.New(), nil, nil
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
	})
	if err != nil {
		return nil, nil, err
	}
	if config.Bool("DB_MIGRATE", true) {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return postgres.New(pool), pool, nil
}

// Redis returns a client when REDIS_ADDR is set, nil otherwise.
func Redis() *redis.Client {
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
}

// RedisReadyCheck pings rdb; a nil client is reported healthy.
func RedisReadyCheck(rdb *redis.Client) runtime.ReadyCheck {
	return runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(ctx).Err()
	}}
}

// CalendarManager registers every provider with OAuth credentials in the environment.
func CalendarManager(store storage.Store, logger *slog.Logger) *calendar.Manager {
	var regs []calendar.Registration
	if id := config.String("GOOGLE_CLIENT_ID", ""); id != "" {
		regs = append(regs, calendar.Registration{
			Provider: google.New(),
			OAuth:    google.OAuthConfig(id, config.String("GOOGLE_CLIENT_SECRET", ""), config.String("GOOGLE_REDIRECT_URL", "")),
		})
	}
	if id := config.String("OUTLOOK_CLIENT_ID", ""); id != "" {
		regs = append(regs, calendar.Registration{
			Provider: outlook.New(config.String("OUTLOOK_GRAPH_URL", "")),
			OAuth: outlook.OAuthConfig(id, config.String("OUTLOOK_CLIENT_SECRET", ""),
				config.String("OUTLOOK_REDIRECT_URL", ""), config.String("OUTLOOK_TENANT", "common")),
		})
	}
	if len(regs) == 0 {
		logger.Warn("no calendar provider configured, calendar sync disabled")
	}
	return calendar.NewManager(store, logger, calendar.ManagerConfig{
		WebhookBaseURL: config.String("WEBHOOK_BASE_URL", ""),
		WatchTTL:       config.Duration("WATCH_TTL", 7*24*time.Hour),
	}, regs...)
}

func Syncer(store storage.Store, mgr *calendar.Manager, bus eventbus.Publisher, logger *slog.Logger) *calsync.Syncer {
	return calsync.NewSyncer(store, mgr, bus, logger, calsync.Config{
		Lookback: config.Duration("SYNC_LOOKBACK", calsync.DefaultLookback),
	})
}

// LocalQueue runs passes in this process, guarded by a Redis lock when rdb is set.
func LocalQueue(ctx context.Context, runner dispatch.Runner, rdb *redis.Client, logger *slog.Logger) *dispatch.Queue {
	var locker dispatch.Locker = dispatch.NewMemoryLocker()
	if rdb != nil {
		locker = dispatch.NewRedisLocker(rdb, config.String("SYNC_LOCK_PREFIX", "calsync:lock"))
	}
	return dispatch.NewQueue(ctx, runner, logger, dispatch.QueueConfig{
		MaxParallel: config.Int("SYNC_MAX_PARALLEL", 8),
		PassTimeout: config.Duration("SYNC_PASS_TIMEOUT", 2*time.Minute),
		Locker:      locker,
		LockRetry:   config.Duration("SYNC_LOCK_RETRY", 5*time.Second),
	})
}

// SyncTopic is the Kafka topic carrying sync requests.
func SyncTopic() string {
	return config.String("KAFKA_SYNC_TOPIC", dispatch.TopicSyncRequested)
}

// KafkaDispatcher publishes sync requests; both results are nil when
// KAFKA_BROKERS is empty. The caller closes the writer on shutdown.
func KafkaDispatcher() (*dispatch.KafkaDispatcher, *kafka.Writer) {
	brokers := config.String("KAFKA_BROKERS", "")
	if brokers == "" {
		return nil, nil
	}
	w := kafkax.NewWriter(brokers, "")
	return dispatch.NewKafkaDispatcher(w, SyncTopic()), w
}

// Background starts the watch renewer and the poller under leader election.
// The advisory lock is used with Postgres; a single process always leads.
func Background(ctx context.Context, store storage.Store, pool *db.Pool, mgr *calendar.Manager, d dispatch.Dispatcher, logger *slog.Logger) {
	var elector workers.Elector = workers.Solo{}
	if pool != nil {
		elector = workers.NewAdvisoryLock(pool, int64(config.Int("WORKER_LOCK_KEY", int(workers.DefaultLockKey))), 30*time.Second, logger)
	}
	jobs := []func(context.Context){
		workers.NewPoller(store, d, logger, workers.PollerConfig{
			Interval:  config.Duration("POLL_INTERVAL", 5*time.Minute),
			Staleness: config.Duration("POLL_STALENESS", 15*time.Minute),
			Parallel:  config.Int("POLL_PARALLEL", 4),
		}).Run,
	}
	if mgr.CanWatch() {
		jobs = append(jobs, workers.NewRenewer(store, mgr, logger, workers.RenewerConfig{
			Interval: config.Duration("WATCH_RENEW_INTERVAL", time.Hour),
			Horizon:  config.Duration("WATCH_RENEW_HORIZON", 24*time.Hour),
		}).Run)
	}
	go workers.RunAsLeader(ctx, elector, logger, jobs...)
}
