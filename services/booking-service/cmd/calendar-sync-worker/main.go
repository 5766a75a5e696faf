package main

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/config"
	"github.com/md-rashed-zaman/bookingsync/libs/grpcx"
	"github.com/md-rashed-zaman/bookingsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bookingsync/libs/otel"
	"github.com/md-rashed-zaman/bookingsync/libs/runtime"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/app"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	service := config.String("SERVICE_NAME", "calendar-sync-worker")
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

	if _, err := config.RequiredString("DATABASE_URL"); err != nil {
		panic(err)
	}
	brokers, err := config.RequiredString("KAFKA_BROKERS")
	if err != nil {
		panic(err)
	}

	store, pool, err := app.Store(ctx, logger)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	rdb := app.Redis()
	if rdb != nil {
		defer rdb.Close()
	}

	// Live subscribers are attached to the API process; this bus only keeps
	// the reconciler's publish path uniform.
	bus := eventbus.New(logger)
	calendars := app.CalendarManager(store, logger)
	syncer := app.Syncer(store, calendars, bus, logger)

	queue := app.LocalQueue(ctx, syncer, rdb, logger)
	defer queue.Wait()

	consumer := dispatch.NewConsumer(
		kafkax.NewReader(brokers, app.SyncTopic(), config.String("KAFKA_GROUP_ID", service)),
		queue,
		logger,
	)
	go consumer.Run(ctx)

	app.Background(ctx, store, pool, calendars, queue, logger)

	grpcSrv, health := grpcx.NewServer(logger)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	addr := ":" + config.String("GRPC_PORT", "9095")
	if err := grpcx.Serve(ctx, grpcSrv, addr, logger); err != nil {
		logger.Error("grpc server error", "err", err)
		stop()
	}
	logger.Info("calendar sync worker stopped")
}
