// Package worker drains the job table: it leases due jobs, runs the handler
// for each type and records the outcome, and keeps the periodic sweeps
// (stuck jobs, expired users, stale transactions, lapsed trials) running on
// their own timers.
package worker

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/wifipay/internal/config"
	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/metrics"
	"github.com/SirClappington/wifipay/internal/mpesa"
	"github.com/SirClappington/wifipay/internal/radius"
	"github.com/SirClappington/wifipay/internal/router"
)

type JobStore interface {
	LeaseNext(ctx context.Context, now time.Time) (*domain.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Abandon(ctx context.Context, id, reason string) error
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
}

type Storage interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetPlan(ctx context.Context, id string) (*domain.Plan, error)
	GetHotspot(ctx context.Context, id string) (*domain.Hotspot, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	CompleteTransaction(ctx context.Context, id, desc string) (bool, error)
	FailTransaction(ctx context.Context, id, desc string) error
	MarkTransactionActivated(ctx context.Context, id string, at time.Time) error
	ListUnreconciledTransactions(ctx context.Context, tenantID string) ([]*domain.Transaction, error)
	SetReconciliationStatus(ctx context.Context, id string, status domain.ReconciliationStatus) error

	GetWifiUser(ctx context.Context, id string) (*domain.WifiUser, error)
	FindWifiUserByPhone(ctx context.Context, tenantID, phone string) (*domain.WifiUser, error)
	ApplyEntitlement(ctx context.Context, e *domain.Entitlement) (bool, error)
	SetUserStatus(ctx context.Context, id string, status domain.UserStatus) error

	ExpireUsers(ctx context.Context, now time.Time) ([]*domain.WifiUser, error)
	FailStaleTransactions(ctx context.Context, createdBefore time.Time) (int64, error)
	SuspendLapsedTrials(ctx context.Context, now time.Time) (int64, error)
}

type PaymentGateway interface {
	QueryTransactionStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

type RouterGateway interface {
	EnsureHotspotProfile(ctx context.Context, h *domain.Hotspot, name, rateLimit string) router.Result
	AddHotspotUser(ctx context.Context, h *domain.Hotspot, u router.HotspotUser) router.Result
	EnsurePPPProfile(ctx context.Context, h *domain.Hotspot, name, rateLimit string) router.Result
	AddPPPSecret(ctx context.Context, h *domain.Hotspot, s router.PPPSecret) router.Result
	AddIPBinding(ctx context.Context, h *domain.Hotspot, b router.IPBinding) router.Result

	RemoveHotspotUser(ctx context.Context, h *domain.Hotspot, name string) router.Result
	RemovePPPSecret(ctx context.Context, h *domain.Hotspot, name string) router.Result
	RemoveIPBinding(ctx context.Context, h *domain.Hotspot, mac string) router.Result
}

// SessionController changes or ends live sessions on a NAS.
type SessionController interface {
	SendCoA(ctx context.Context, sessionID, rateLimit string) (*radius.Response, error)
	DisconnectUser(ctx context.Context, sessionID, username string) (*radius.Response, error)
}

type SmsClient interface {
	SendSMS(ctx context.Context, phone, message string) error
}

type EmailClient interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Scheduler enqueues the follow-up jobs an activation produces.
type Scheduler interface {
	ScheduleUserExpiryCheckAt(ctx context.Context, tenantID, userID string, at time.Time) (*domain.Job, error)
	ScheduleSmsNotification(ctx context.Context, tenantID, phone, message string) (*domain.Job, error)
}

// Waker blocks an idle poller until new work may exist or block elapses.
type Waker interface {
	Wait(ctx context.Context, block time.Duration) error
}

// Locker provides a cluster-wide mutex so only one process runs a given sweep.
type Locker interface {
	TryLock(ctx context.Context, key int64) (unlock func(), ok bool, err error)
}

type Deps struct {
	Jobs      JobStore
	Store     Storage
	Gateways  func(domain.GatewayCredentials) PaymentGateway
	Router    RouterGateway
	Sessions  func(*domain.Hotspot) SessionController
	SMS       SmsClient
	Email     EmailClient
	Scheduler Scheduler
	Waker     Waker
	// Locker is optional; without it every process runs every sweep.
	Locker  Locker
	Metrics *metrics.Metrics
}

type Worker struct {
	Deps
	cfg    config.Worker
	logger *zap.Logger
	now    func() time.Time
	rand   func() float64
}

func New(cfg config.Worker, deps Deps, logger *zap.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Worker{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker"),
		now:    time.Now,
		rand:   rand.Float64,
	}
}

// Run polls until ctx is cancelled. The sweeps run alongside on cron timers.
func (w *Worker) Run(ctx context.Context) error {
	sweeps, err := w.newSweeps()
	if err != nil {
		return err
	}
	sweeps.Start()
	defer func() { <-sweeps.Stop().Done() }()

	w.logger.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Bool("sandbox_payments", w.cfg.SandboxPayments),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error { return w.poll(ctx, i) })
	}
	err = g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, id int) error {
	log := w.logger.With(zap.Int("poller", id))
	for ctx.Err() == nil {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			log.Error("poll failed", zap.Error(err))
		}
		if ran {
			continue
		}
		if err := w.Waker.Wait(ctx, w.cfg.PollInterval); err != nil && ctx.Err() == nil {
			log.Warn("wake-up wait failed, sleeping", zap.Error(err))
			sleep(ctx, w.cfg.PollInterval)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunOnce leases and processes at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.Jobs.LeaseNext(ctx, w.now())
	if errors.Is(err, domain.ErrNoJobReady) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// A leased job runs to the end even if the worker is shutting down; a
	// crash mid-job is repaired by the stuck sweep instead.
	w.process(context.WithoutCancel(ctx), j)
	return true, nil
}

func (w *Worker) process(ctx context.Context, j *domain.Job) {
	typ := string(j.Type)
	log := w.logger.With(
		zap.String("job_id", j.ID),
		zap.String("type", typ),
		zap.Int("attempt", j.Attempts),
	)
	w.Metrics.JobsLeased.WithLabelValues(typ).Inc()

	start := time.Now()
	err := w.dispatch(ctx, j, log)
	w.Metrics.JobDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	var storeErr error
	switch {
	case err == nil:
		storeErr = w.Jobs.MarkCompleted(ctx, j.ID)
		w.Metrics.JobsCompleted.WithLabelValues(typ).Inc()
		log.Debug("job completed")
	case IsPermanent(err):
		storeErr = w.Jobs.Abandon(ctx, j.ID, err.Error())
		w.Metrics.JobsFailed.WithLabelValues(typ).Inc()
		log.Warn("job abandoned", zap.Error(err))
	default:
		storeErr = w.Jobs.MarkFailed(ctx, j.ID, err.Error())
		w.Metrics.JobsRetried.WithLabelValues(typ).Inc()
		log.Info("job attempt failed", zap.Int("max_attempts", j.MaxAttempts), zap.Error(err))
	}
	if storeErr != nil {
		// ErrInvalidState here means the stuck sweep reclaimed the job mid-run.
		log.Error("recording job outcome failed", zap.Error(storeErr))
	}
}

func (w *Worker) dispatch(ctx context.Context, j *domain.Job, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()

	switch j.Type {
	case domain.PaymentStatusCheck:
		return w.handlePaymentCheck(ctx, j, log)
	case domain.UserExpiryCheck:
		return w.handleUserExpiry(ctx, j, log)
	case domain.Reconciliation:
		return w.handleReconciliation(ctx, j, log)
	case domain.SmsNotification:
		return w.handleSms(ctx, j, log)
	case domain.EmailNotification:
		return w.handleEmail(ctx, j, log)
	default:
		return Permanent(errors.Errorf("unknown job type %q", j.Type))
	}
}
