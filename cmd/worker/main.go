package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/stock-orders/internal/config"
	"github.com/ariefcatur/stock-orders/internal/fulfillment"
	kafkax "github.com/ariefcatur/stock-orders/internal/kafka"
	"github.com/ariefcatur/stock-orders/internal/obs"
	"github.com/ariefcatur/stock-orders/internal/orders"
	"github.com/ariefcatur/stock-orders/internal/postgres"
	"github.com/ariefcatur/stock-orders/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-worker"

	log := obs.NewLogger(name, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, name, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, name string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := obs.Setup(ctx, name, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	cache := redisx.NewCache(rdb)

	// Status updates need no locks and publish nothing.
	orderSvc := orders.NewService(&orders.PgStore{DB: db}, redisx.NewLocker(rdb), cache, nil, orders.ServiceConfig{
		Producer: name,
		LockTTL:  cfg.LockTTL,
	}, log.Named("orders"))
	handler := &fulfillment.Service{
		Orders:      orderSvc,
		Dedup:       cache,
		Log:         log.Named("fulfillment"),
		ServiceName: name,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.EventsTopic, cfg.WorkerConcurrency, log.Named("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.String("topic", cfg.EventsTopic),
			zap.Int("workers", cfg.WorkerConcurrency),
		)
		return cons.Start(gctx, handler.HandleOrderEvent)
	})
	err = g.Wait()
	log.Info("consumer stopped")
	return err
}
