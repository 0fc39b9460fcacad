// Package queue is the producer side of the job system: typed helpers that
// turn business events into prioritized, possibly delayed job rows.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/metrics"
)

// DefaultPaymentCheckDelay gives the customer time to answer the STK prompt
// before the first status query.
const DefaultPaymentCheckDelay = 20 * time.Second

type Store interface {
	Enqueue(ctx context.Context, j *domain.Job) error
}

// Notifier wakes idle pollers after an immediately runnable job is stored.
type Notifier interface {
	Notify(ctx context.Context) error
}

type Queue struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Queue)

func WithNotifier(n Notifier) Option { return func(q *Queue) { q.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(store Store, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{store: store, logger: logger.Named("queue"), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) SchedulePaymentCheck(ctx context.Context, tenantID, transactionID, checkoutRequestID string, delay time.Duration) (*domain.Job, error) {
	return q.schedule(ctx, tenantID, domain.PaymentStatusCheck, domain.PaymentCheckPayload{
		TransactionID:     transactionID,
		CheckoutRequestID: checkoutRequestID,
	}, 10, 5, q.now().Add(delay))
}

func (q *Queue) ScheduleUserExpiryCheck(ctx context.Context, tenantID, userID string) (*domain.Job, error) {
	return q.ScheduleUserExpiryCheckAt(ctx, tenantID, userID, q.now())
}

// ScheduleUserExpiryCheckAt defers the check until at, normally the user's expiry time.
func (q *Queue) ScheduleUserExpiryCheckAt(ctx context.Context, tenantID, userID string, at time.Time) (*domain.Job, error) {
	return q.schedule(ctx, tenantID, domain.UserExpiryCheck, domain.UserExpiryPayload{UserID: userID}, 5, 3, at)
}

func (q *Queue) ScheduleReconciliation(ctx context.Context, tenantID string) (*domain.Job, error) {
	return q.schedule(ctx, tenantID, domain.Reconciliation, domain.ReconciliationPayload{}, 1, 1, q.now())
}

func (q *Queue) ScheduleSmsNotification(ctx context.Context, tenantID, phone, message string) (*domain.Job, error) {
	return q.schedule(ctx, tenantID, domain.SmsNotification, domain.SmsPayload{
		PhoneNumber: phone,
		Message:     message,
	}, 8, 3, q.now())
}

func (q *Queue) ScheduleEmailNotification(ctx context.Context, tenantID, to, subject, body string) (*domain.Job, error) {
	return q.schedule(ctx, tenantID, domain.EmailNotification, domain.EmailPayload{
		To:      to,
		Subject: subject,
		Body:    body,
	}, 6, 3, q.now())
}

func (q *Queue) schedule(ctx context.Context, tenantID string, typ domain.Type, payload any, priority, maxAttempts int, at time.Time) (*domain.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", typ)
	}
	j := &domain.Job{
		Type:         typ,
		Payload:      raw,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		ScheduledFor: at,
	}
	if tenantID != "" {
		j.TenantID = &tenantID
	}
	if err := q.store.Enqueue(ctx, j); err != nil {
		return nil, errors.Wrapf(err, "enqueue %s", typ)
	}
	if q.metrics != nil {
		q.metrics.JobsScheduled.WithLabelValues(string(typ)).Inc()
	}

	q.logger.Debug("job scheduled",
		zap.String("job_id", j.ID),
		zap.String("type", string(typ)),
		zap.Time("scheduled_for", j.ScheduledFor),
	)

	if q.notifier != nil && !j.ScheduledFor.After(q.now()) {
		// Delayed jobs are found by the regular poll; the wake-up only shortens idle waits.
		if err := q.notifier.Notify(ctx); err != nil {
			q.logger.Warn("wake-up notify failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return j, nil
}
