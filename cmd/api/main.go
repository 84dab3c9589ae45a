package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/stock-orders/internal/config"
	"github.com/ariefcatur/stock-orders/internal/httpx"
	"github.com/ariefcatur/stock-orders/internal/inventory"
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

	log := obs.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := obs.Setup(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	locker := redisx.NewLocker(rdb)
	cache := redisx.NewCache(rdb)

	// Kafka publisher
	pub := kafkax.NewPublisher(&kafkax.BrokerDialer{
		Brokers:           cfg.KafkaBrokers,
		Topic:             cfg.EventsTopic,
		Partitions:        cfg.EventsPartitions,
		ReplicationFactor: cfg.EventsReplication,
	}, kafkax.PublisherConfig{
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
		Prefetch:       cfg.BrokerPrefetch,
	}, log.Named("publisher"))

	orderSvc := orders.NewService(&orders.PgStore{DB: db}, locker, cache, pub, orders.ServiceConfig{
		Producer:       cfg.ServiceName,
		LockTTL:        cfg.LockTTL,
		PublishTimeout: cfg.PublishTimeout,
	}, log.Named("orders"))
	productSvc := inventory.NewService(&orders.ProductRepo{DB: db}, cache, locker, inventory.Config{
		CacheTTL: cfg.ProductCacheTTL,
		LockTTL:  cfg.LockTTL,
	}, log.Named("inventory"))

	router := httpx.NewRouter(func() error {
		if st := pub.State(); st != kafkax.StateReady {
			return fmt.Errorf("broker %s", st)
		}
		return nil
	})
	(&httpx.OrdersHandler{Service: orderSvc}).Register(router)
	(&httpx.ProductsHandler{Service: productSvc}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		pub.Close() // tolak publish baru, lalu supervisor berhenti
		return err
	})

	err = g.Wait()
	pub.WaitClosed()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
