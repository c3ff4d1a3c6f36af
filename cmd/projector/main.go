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
	"github.com/ariefcatur/go-bookstore-orders/internal/redisx"
	"github.com/ariefcatur/go-bookstore-orders/internal/status"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	proj := &status.Projector{
		Redis:       rdb,
		ServiceName: cfg.ServiceName + "-projector",
		Log:         log.Named("projector"),
	}

	// Consumer
	topics := orders.LifecycleTopics()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, topics, cfg.ProjectorWorkers, log.Named("consumer"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("status projector started",
			zap.String("group", cfg.ProjectorGroup),
			zap.Strings("topics", topics),
			zap.Int("workers", cfg.ProjectorWorkers),
		)
		if err := cons.Start(ctx, proj.Handle); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	router := httpx.NewRouter(map[string]httpx.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer...")
	cancel()
	<-done

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
}
