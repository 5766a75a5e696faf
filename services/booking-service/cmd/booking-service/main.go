package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/auth"
	"github.com/md-rashed-zaman/bookingsync/libs/config"
	"github.com/md-rashed-zaman/bookingsync/libs/db"
	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
	"github.com/md-rashed-zaman/bookingsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookingsync/libs/otel"
	"github.com/md-rashed-zaman/bookingsync/libs/runtime"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/app"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	store, pool, err := app.Store(ctx, logger)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	brokers := config.String("KAFKA_BROKERS", "")
	if pool != nil {
		var writer outbox.MessageWriter
		if brokers != "" {
			w := kafkax.NewWriter(brokers, "")
			defer w.Close()
			writer = w
		}
		outboxPublisher := outbox.NewPublisher(pool, outbox.NewRepository(pool), writer, logger, outbox.PublisherConfig{
			PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go outboxPublisher.Run(ctx)
	}

	rdb := app.Redis()
	if rdb != nil {
		defer rdb.Close()
	}

	loc, err := time.LoadLocation(config.String("BUSINESS_TIMEZONE", "UTC"))
	if err != nil {
		logger.Error("invalid BUSINESS_TIMEZONE, using UTC", "err", err)
		loc = time.UTC
	}

	bus := eventbus.New(logger)
	calendars := app.CalendarManager(store, logger)
	syncer := app.Syncer(store, calendars, bus, logger)
	bookings := booking.New(store, bus, syncer, logger, booking.Config{
		Location:    loc,
		PushTimeout: config.Duration("CALENDAR_PUSH_TIMEOUT", 30*time.Second),
	})

	// With Kafka the calendar-sync-worker runs passes; otherwise this process does.
	var dispatcher dispatch.Dispatcher
	if kd, w := app.KafkaDispatcher(); kd != nil {
		defer w.Close()
		dispatcher = kd
	} else {
		queue := app.LocalQueue(ctx, syncer, rdb, logger)
		defer queue.Wait()
		dispatcher = queue
		app.Background(ctx, store, pool, calendars, dispatcher, logger)
	}

	var limiter httpx.Limiter = httpx.NewMemoryLimiter(config.Int("WEBHOOK_RATE_LIMIT", 120), time.Minute)
	if rdb != nil {
		limiter = httpx.NewRedisLimiter(rdb, config.Int("WEBHOOK_RATE_LIMIT", 120), time.Minute, "ratelimit:webhook")
	}

	jwtSecret := config.String("JWT_SECRET", "")
	if jwtSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-Business-Id from the gateway")
	}

	checks := []runtime.ReadyCheck{app.RedisReadyCheck(rdb)}
	if pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}
	if brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(handlers.Deps{
		Booking:         bookings,
		Calendars:       calendars,
		Store:           store,
		Dispatcher:      dispatcher,
		Bus:             bus,
		Logger:          logger,
		StreamHeartbeat: config.Duration("STREAM_HEARTBEAT", 25*time.Second),
	}).Routes(mux, auth.RequireBusiness(jwtSecret))
	webhook.New(store, dispatcher, logger).Routes(mux,
		httpx.RateLimit(limiter, logger, true),
		httpx.WithBodyLimit(1<<20),
	)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.WidgetCORSPolicy(config.List("WIDGET_ALLOWED_ORIGINS"))),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runtime.Serve(ctx, srv, logger, 10*time.Second)
	bookings.Wait()
}
