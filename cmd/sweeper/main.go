package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-bookstore-orders/internal/config"
	"github.com/ariefcatur/go-bookstore-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-bookstore-orders/internal/kafka"
	"github.com/ariefcatur/go-bookstore-orders/internal/logger"
	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/ariefcatur/go-bookstore-orders/internal/postgres"
	"github.com/ariefcatur/go-bookstore-orders/internal/redisx"
	"github.com/ariefcatur/go-bookstore-orders/internal/sweeper"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for OrderExpired events
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("producer"))
	prod.Start()

	engine := orders.NewEngine(postgres.NewTransactionScope(db),
		orders.Config{OrderTimeout: cfg.OrderTimeout, RestockOnRelease: cfg.RestockOnRelease},
		orders.WithLogger(log.Named("engine")),
		orders.WithPublisher(&kafkax.EventPublisher{Producer: prod, Service: cfg.ServiceName + "-sweeper"}),
	)
	sw := &sweeper.Sweeper{
		Orders:   engine,
		Redis:    rdb,
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		Log:      log.Named("sweeper"),
	}

	router := httpx.NewRouter(map[string]httpx.Check{
		"postgres": db.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("ops endpoint listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", zap.Error(err))
			cancel()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("expiry sweeper started",
			zap.Duration("interval", cfg.SweepInterval),
			zap.Duration("order_timeout", cfg.OrderTimeout),
			zap.Int("batch", cfg.SweepBatch),
		)
		_ = sw.Run(ctx)
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down...")

	cancel()
	<-done
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // flush remaining events
	prod.WaitClosed() // drain
}
