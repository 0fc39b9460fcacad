package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/api"
	"github.com/SirClappington/wifipay/internal/config"
	"github.com/SirClappington/wifipay/internal/logging"
	"github.com/SirClappington/wifipay/internal/metrics"
	"github.com/SirClappington/wifipay/internal/queue"
	"github.com/SirClappington/wifipay/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.New(db)

	qopts := []queue.Option{queue.WithMetrics(metrics.New(prometheus.DefaultRegisterer))}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		qopts = append(qopts, queue.WithNotifier(queue.NewRedisWaker(rdb)))
	}
	q := queue.New(store, logger, qopts...)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(api.NewHandler(store, q, store, logger), prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("serve", zap.Error(err))
	}
}
