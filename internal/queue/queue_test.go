package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/metrics"
	"github.com/SirClappington/wifipay/internal/storage/memory"
)

type countingNotifier struct{ calls int }

func (n *countingNotifier) Notify(context.Context) error {
	n.calls++
	return nil
}

type failingStore struct{}

func (failingStore) Enqueue(context.Context, *domain.Job) error { return errors.New("db down") }

func newTestQueue(t *testing.T) (*Queue, *memory.Store, *countingNotifier, *metrics.Metrics, time.Time) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.New(memory.WithClock(clock))
	n := &countingNotifier{}
	m := metrics.New(nil)
	q := New(store, zaptest.NewLogger(t), WithNotifier(n), WithMetrics(m), WithClock(clock))
	return q, store, n, m, now
}

func TestSchedule_PolicyPerType(t *testing.T) {
	ctx := context.Background()
	q, store, _, _, now := newTestQueue(t)

	tests := []struct {
		name        string
		schedule    func() (*domain.Job, error)
		typ         domain.Type
		priority    int
		maxAttempts int
		delay       time.Duration
	}{
		{"payment check", func() (*domain.Job, error) {
			return q.SchedulePaymentCheck(ctx, "acme", "tx-1", "ws_CO_1", DefaultPaymentCheckDelay)
		}, domain.PaymentStatusCheck, 10, 5, 20 * time.Second},
		{"user expiry", func() (*domain.Job, error) {
			return q.ScheduleUserExpiryCheck(ctx, "acme", "user-1")
		}, domain.UserExpiryCheck, 5, 3, 0},
		{"reconciliation", func() (*domain.Job, error) {
			return q.ScheduleReconciliation(ctx, "acme")
		}, domain.Reconciliation, 1, 1, 0},
		{"sms", func() (*domain.Job, error) {
			return q.ScheduleSmsNotification(ctx, "acme", "254700000001", "Your code is 1234")
		}, domain.SmsNotification, 8, 3, 0},
		{"email", func() (*domain.Job, error) {
			return q.ScheduleEmailNotification(ctx, "acme", "ops@example.com", "Receipt", "Thanks")
		}, domain.EmailNotification, 6, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := tt.schedule()
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
			got, err := store.GetJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.Type != tt.typ || got.Priority != tt.priority || got.MaxAttempts != tt.maxAttempts {
				t.Fatalf("job = %+v", got)
			}
			if got.Status != domain.Pending || got.Attempts != 0 {
				t.Fatalf("new job must be pending with zero attempts, got %s/%d", got.Status, got.Attempts)
			}
			if d := got.ScheduledFor.Sub(now); d != tt.delay {
				t.Fatalf("scheduled %v after now, want %v", d, tt.delay)
			}
			if got.TenantID == nil || *got.TenantID != "acme" {
				t.Fatal("tenant not recorded")
			}
		})
	}
}

func TestSchedulePaymentCheck_Payload(t *testing.T) {
	ctx := context.Background()
	q, _, _, _, _ := newTestQueue(t)

	j, err := q.SchedulePaymentCheck(ctx, "", "tx-9", "ws_CO_9", time.Minute)
	if err != nil {
		t.Fatalf("SchedulePaymentCheck: %v", err)
	}
	if j.TenantID != nil {
		t.Fatal("empty tenant should be stored as null")
	}
	var p domain.PaymentCheckPayload
	if err := j.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.TransactionID != "tx-9" || p.CheckoutRequestID != "ws_CO_9" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestSchedule_NotifiesOnlyForImmediateJobs(t *testing.T) {
	ctx := context.Background()
	q, _, n, m, _ := newTestQueue(t)

	if _, err := q.SchedulePaymentCheck(ctx, "acme", "tx-1", "ws_CO_1", DefaultPaymentCheckDelay); err != nil {
		t.Fatal(err)
	}
	if n.calls != 0 {
		t.Fatalf("delayed job notified %d times", n.calls)
	}
	if _, err := q.ScheduleSmsNotification(ctx, "acme", "254700000001", "hi"); err != nil {
		t.Fatal(err)
	}
	if n.calls != 1 {
		t.Fatalf("immediate job notified %d times, want 1", n.calls)
	}
	if got := testutil.ToFloat64(m.JobsScheduled.WithLabelValues(string(domain.SmsNotification))); got != 1 {
		t.Fatalf("scheduled counter = %v", got)
	}
}

func TestSchedule_StoreError(t *testing.T) {
	q := New(failingStore{}, zaptest.NewLogger(t))
	if _, err := q.ScheduleReconciliation(context.Background(), "acme"); err == nil {
		t.Fatal("expected enqueue error")
	}
}
