package worker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Advisory lock keys, one per sweep.
const (
	lockStuckSweep  int64 = 0x77700001
	lockExpirySweep int64 = 0x77700002
	lockTrialSweep  int64 = 0x77700003
)

type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

func (w *Worker) newSweeps() (*cron.Cron, error) {
	cl := cronLogger{w.logger.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	sweeps := []struct {
		name     string
		schedule string
		lock     int64
		run      func(context.Context) error
	}{
		{"stuck_jobs", w.cfg.StuckSweepSchedule, lockStuckSweep, w.SweepStuckJobs},
		{"expiry", w.cfg.ExpirySweepSchedule, lockExpirySweep, w.SweepExpired},
		{"trials", w.cfg.TrialSweepSchedule, lockTrialSweep, w.SweepTrials},
	}
	for _, s := range sweeps {
		if _, err := c.AddFunc(s.schedule, func() { w.runSweep(s.name, s.lock, s.run) }); err != nil {
			return nil, errors.Wrapf(err, "schedule %s sweep %q", s.name, s.schedule)
		}
		w.logger.Info("sweep scheduled", zap.String("sweep", s.name), zap.String("schedule", s.schedule))
	}
	return c, nil
}

func (w *Worker) runSweep(name string, lock int64, run func(context.Context) error) {
	ctx := context.Background()
	log := w.logger.With(zap.String("sweep", name))
	if w.Locker != nil {
		unlock, ok, err := w.Locker.TryLock(ctx, lock)
		if err != nil {
			log.Warn("sweep lock failed", zap.Error(err))
			return
		}
		if !ok {
			log.Debug("sweep held by another worker")
			return
		}
		defer unlock()
	}
	if err := run(ctx); err != nil {
		log.Error("sweep failed", zap.Error(err))
	}
}

// SweepStuckJobs returns jobs stuck in processing past the timeout to retry.
func (w *Worker) SweepStuckJobs(ctx context.Context) error {
	n, err := w.Jobs.ResetStuck(ctx, w.cfg.StuckJobTimeout)
	if err != nil {
		return errors.Wrap(err, "reset stuck jobs")
	}
	w.record("stuck_jobs", n)
	return nil
}

// SweepExpired expires users past their paid time, queuing an expiry check
// for each so their device access is revoked, and fails transactions that
// stayed pending too long.
func (w *Worker) SweepExpired(ctx context.Context) error {
	now := w.now()
	users, err := w.Store.ExpireUsers(ctx, now)
	if err != nil {
		return errors.Wrap(err, "expire users")
	}
	w.record("expired_users", int64(len(users)))
	for _, u := range users {
		if _, err := w.Scheduler.ScheduleUserExpiryCheckAt(ctx, u.TenantID, u.ID, now); err != nil {
			w.logger.Warn("scheduling revocation failed", zap.String("user_id", u.ID), zap.Error(err))
		}
	}

	txs, err := w.Store.FailStaleTransactions(ctx, now.Add(-w.cfg.StaleTxAfter))
	if err != nil {
		return errors.Wrap(err, "fail stale transactions")
	}
	w.record("stale_transactions", txs)
	return nil
}

func (w *Worker) SweepTrials(ctx context.Context) error {
	n, err := w.Store.SuspendLapsedTrials(ctx, w.now())
	if err != nil {
		return errors.Wrap(err, "suspend lapsed trials")
	}
	w.record("lapsed_trials", n)
	return nil
}

func (w *Worker) record(sweep string, n int64) {
	w.Metrics.SweepRows.WithLabelValues(sweep).Add(float64(n))
	if n > 0 {
		w.logger.Info("sweep changed rows", zap.String("sweep", sweep), zap.Int64("rows", n))
	}
}
