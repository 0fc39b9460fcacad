package domain

import (
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Retry      Status = "retry"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Type is the closed set of job kinds the worker knows how to run.
type Type string

const (
	PaymentStatusCheck Type = "payment_status_check"
	UserExpiryCheck    Type = "user_expiry_check"
	Reconciliation     Type = "reconciliation"
	SmsNotification    Type = "sms_notification"
	EmailNotification  Type = "email_notification"
)

func (t Type) Valid() bool {
	switch t {
	case PaymentStatusCheck, UserExpiryCheck, Reconciliation, SmsNotification, EmailNotification:
		return true
	}
	return false
}

var (
	ErrNotFound   = errors.New("not found")
	ErrNoJobReady = errors.New("no job ready")
	// ErrInvalidState is returned when a status transition is attempted on a
	// job that is not currently leased.
	ErrInvalidState = errors.New("invalid job state transition")
)

// RetryBase is the first backoff step; each further failure doubles it.
const RetryBase = 10 * time.Second

type Job struct {
	ID           string          `json:"id"`
	TenantID     *string         `json:"tenant_id,omitempty"`
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    *string         `json:"last_error,omitempty"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Ready reports whether the job may be leased at now.
func (j *Job) Ready(now time.Time) bool {
	return (j.Status == Pending || j.Status == Retry) && !j.ScheduledFor.After(now)
}

// Lease flips the job to processing and counts the attempt.
func (j *Job) Lease(now time.Time) {
	j.Status = Processing
	j.StartedAt = &now
	j.Attempts++
}

func (j *Job) Complete(now time.Time) {
	j.Status = Completed
	j.CompletedAt = &now
}

// Fail applies the retry policy: while attempts remain the job goes to RETRY
// with exponential backoff, otherwise it is FAILED and scheduledFor is left as is.
func (j *Job) Fail(now time.Time, reason string) {
	j.LastError = &reason
	if j.Attempts < j.MaxAttempts {
		j.Status = Retry
		j.ScheduledFor = now.Add(RetryDelay(j.Attempts))
		return
	}
	j.Status = Failed
	j.CompletedAt = &now
}

// Abandon fails the job without consulting the retry policy.
func (j *Job) Abandon(now time.Time, reason string) {
	j.LastError = &reason
	j.Status = Failed
	j.CompletedAt = &now
}

// RetryDelay returns the backoff after the given number of attempts (counted
// at lease time, so the first failure has attempts == 1): 10s, 20s, 40s, ...
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(float64(RetryBase) * math.Pow(2, float64(attempts-1)))
}

// Payload shapes, one per Type.

type PaymentCheckPayload struct {
	TransactionID     string `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
}

type UserExpiryPayload struct {
	UserID string `json:"user_id"`
}

type ReconciliationPayload struct{}

type SmsPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return errors.Errorf("job %s has empty payload", j.ID)
	}
	return errors.Wrapf(json.Unmarshal(j.Payload, v), "decode %s payload", j.Type)
}
