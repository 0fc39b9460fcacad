package domain

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestJobFail_BacksOffUntilExhausted(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := &Job{ID: "j1", Type: PaymentStatusCheck, Status: Pending, MaxAttempts: 4, ScheduledFor: now}

	var prev time.Duration
	for i := 1; i <= 3; i++ {
		j.Lease(now)
		j.Fail(now, "gateway timeout")
		if j.Status != Retry {
			t.Fatalf("attempt %d: status = %s, want retry", i, j.Status)
		}
		delta := j.ScheduledFor.Sub(now)
		if delta <= prev {
			t.Fatalf("attempt %d: delay %v did not grow past %v", i, delta, prev)
		}
		prev = delta
	}

	last := j.ScheduledFor
	j.Lease(now)
	j.Fail(now, "gateway timeout")
	if j.Status != Failed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if !j.ScheduledFor.Equal(last) {
		t.Fatalf("scheduled_for moved on terminal failure: %v -> %v", last, j.ScheduledFor)
	}
	if j.CompletedAt == nil || j.LastError == nil || *j.LastError != "gateway timeout" {
		t.Fatal("terminal failure must record completed_at and last_error")
	}
}

func TestJobReady(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending due", Job{Status: Pending, ScheduledFor: now}, true},
		{"retry due", Job{Status: Retry, ScheduledFor: now.Add(-time.Second)}, true},
		{"pending future", Job{Status: Pending, ScheduledFor: now.Add(time.Second)}, false},
		{"processing", Job{Status: Processing, ScheduledFor: now}, false},
		{"completed", Job{Status: Completed, ScheduledFor: now}, false},
	}
	for _, tt := range tests {
		if got := tt.job.Ready(now); got != tt.want {
			t.Errorf("%s: Ready = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	j := &Job{ID: "j1", Type: SmsNotification, Payload: []byte(`{"phone_number":"254700000001","message":"hi"}`)}
	var p SmsPayload
	if err := j.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.PhoneNumber != "254700000001" || p.Message != "hi" {
		t.Fatalf("unexpected payload %+v", p)
	}

	empty := &Job{ID: "j2", Type: SmsNotification}
	if err := empty.DecodePayload(&p); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
