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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/wifipay/internal/config"
	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/logging"
	"github.com/SirClappington/wifipay/internal/metrics"
	"github.com/SirClappington/wifipay/internal/mpesa"
	"github.com/SirClappington/wifipay/internal/notify"
	"github.com/SirClappington/wifipay/internal/queue"
	"github.com/SirClappington/wifipay/internal/radius"
	"github.com/SirClappington/wifipay/internal/router"
	"github.com/SirClappington/wifipay/internal/storage"
	"github.com/SirClappington/wifipay/internal/worker"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.MigrateOnStart {
		if err := storage.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.New(db)

	m := metrics.New(prometheus.DefaultRegisterer)

	var waker worker.Waker = queue.SleepWaker{}
	qopts := []queue.Option{queue.WithMetrics(m)}
	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		rw := queue.NewRedisWaker(rdb)
		waker = rw
		qopts = append(qopts, queue.WithNotifier(rw))
	}
	q := queue.New(store, logger, qopts...)

	var sms worker.SmsClient = notify.LogSender{Logger: logger.Named("notify")}
	var email worker.EmailClient = notify.LogSender{Logger: logger.Named("notify")}
	if cfg.Notify.AMQPURL != "" {
		pub, err := notify.NewPublisher(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		sms, email = pub, pub
	}
	if cfg.Notify.SmsGatewayURL != "" {
		sms = notify.NewSmsGateway(cfg.Notify.SmsGatewayURL, cfg.Notify.SmsAPIKey, cfg.Notify.SmsSenderID)
	}

	gateways := mpesa.NewPool(cfg.Mpesa.BaseURL, cfg.Mpesa.Timeout)
	w := worker.New(cfg.Worker, worker.Deps{
		Jobs:  store,
		Store: store,
		Gateways: func(c domain.GatewayCredentials) worker.PaymentGateway {
			return gateways.For(c)
		},
		Router: router.NewClient(cfg.Router.Timeout, logger),
		Sessions: func(h *domain.Hotspot) worker.SessionController {
			return radius.NewClient(h.NASAddress, h.RadiusSecret,
				radius.WithPort(cfg.Radius.CoAPort),
				radius.WithTimeout(cfg.Radius.Timeout),
				radius.WithMetrics(m),
				radius.WithLogger(logger),
			)
		},
		SMS:       sms,
		Email:     email,
		Scheduler: q,
		Waker:     waker,
		Locker:    store,
		Metrics:   m,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	g.Go(func() error { return w.Run(ctx) })
	return g.Wait()
}
