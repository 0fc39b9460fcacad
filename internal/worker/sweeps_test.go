package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SirClappington/wifipay/internal/domain"
)

func TestSweepStuckJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j := h.schedulePaymentCheck()
	if _, err := h.store.LeaseNext(ctx, h.now); err != nil {
		t.Fatal(err)
	}

	h.advance(14 * time.Minute)
	if err := h.w.SweepStuckJobs(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.job(j.ID); got.Status != domain.Processing {
		t.Fatalf("job reset before timeout: %s", got.Status)
	}

	h.advance(2 * time.Minute)
	if err := h.w.SweepStuckJobs(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.job(j.ID)
	if got.Status != domain.Retry || got.LastError == nil || !strings.Contains(*got.LastError, "15m") {
		t.Fatalf("job = %s / %v", got.Status, got.LastError)
	}
	if n := testutil.ToFloat64(h.metrics.SweepRows.WithLabelValues("stuck_jobs")); n != 1 {
		t.Fatalf("stuck_jobs rows = %v", n)
	}

	// Reclaimed jobs are leased and finished normally.
	h.runOnce()
	if got := h.job(j.ID); got.Status != domain.Completed || got.Attempts != 2 {
		t.Fatalf("job = %s after %d attempts", got.Status, got.Attempts)
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past, future := testStart.Add(10*time.Minute), testStart.Add(2*time.Hour)
	hs, name := "hs-1", "wf0001aaaa"
	h.store.PutWifiUser(domain.WifiUser{
		ID: "u-old", TenantID: "acme", Status: domain.UserActive, ExpiryTime: &past,
		CurrentHotspotID: &hs, Username: &name, AccountType: domain.AccountHotspot,
	})
	h.store.PutWifiUser(domain.WifiUser{ID: "u-new", TenantID: "acme", Status: domain.UserActive, ExpiryTime: &future})

	h.advance(31 * time.Minute)
	if err := h.w.SweepExpired(ctx); err != nil {
		t.Fatal(err)
	}

	old, _ := h.store.GetWifiUser(ctx, "u-old")
	fresh, _ := h.store.GetWifiUser(ctx, "u-new")
	if old.Status != domain.UserExpired || fresh.Status != domain.UserActive {
		t.Fatalf("statuses = %s, %s", old.Status, fresh.Status)
	}
	// The expired user gets a revocation job that is due now.
	pending, _ := h.store.ListPending(ctx, nil)
	var revokes []string
	for _, j := range pending {
		var p domain.UserExpiryPayload
		if j.Type == domain.UserExpiryCheck && j.DecodePayload(&p) == nil && !j.ScheduledFor.After(h.now) {
			revokes = append(revokes, p.UserID)
		}
	}
	if len(revokes) != 1 || revokes[0] != "u-old" {
		t.Fatalf("revocation jobs = %v", revokes)
	}
	h.runOnce()
	if len(h.router.calls) != 1 || h.router.calls[0] != "remove_hotspot_user:"+name || len(h.sessions.disconnects) != 1 {
		t.Fatalf("revocation: router %v, disconnects %v", h.router.calls, h.sessions.disconnects)
	}

	// tx-1 was created at testStart, more than 30 minutes ago.
	if h.tx().Status != domain.TxFailed {
		t.Fatalf("stale transaction = %s", h.tx().Status)
	}
	if n := testutil.ToFloat64(h.metrics.SweepRows.WithLabelValues("stale_transactions")); n != 1 {
		t.Fatalf("stale_transactions rows = %v", n)
	}
}

func TestSweepTrials(t *testing.T) {
	h := newHarness(t)
	ended, running := testStart.Add(-time.Hour), testStart.Add(time.Hour)
	h.store.PutTenant(domain.Tenant{ID: "lapsed", Status: domain.TenantTrial, TrialEndsAt: &ended})
	h.store.PutTenant(domain.Tenant{ID: "trialing", Status: domain.TenantTrial, TrialEndsAt: &running})

	if err := h.w.SweepTrials(context.Background()); err != nil {
		t.Fatal(err)
	}
	lapsed, _ := h.store.GetTenant(context.Background(), "lapsed")
	trialing, _ := h.store.GetTenant(context.Background(), "trialing")
	if lapsed.Status != domain.TenantSuspended || trialing.Status != domain.TenantTrial {
		t.Fatalf("statuses = %s, %s", lapsed.Status, trialing.Status)
	}
}

func TestRunSweep_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	unlock, ok, err := h.store.TryLock(context.Background(), lockTrialSweep)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}

	var runs int
	run := func(context.Context) error { runs++; return nil }
	h.w.runSweep("trials", lockTrialSweep, run)
	if runs != 0 {
		t.Fatal("sweep ran while another holder had the lock")
	}

	unlock()
	h.w.runSweep("trials", lockTrialSweep, run)
	h.w.runSweep("trials", lockTrialSweep, run)
	if runs != 2 {
		t.Fatalf("sweep ran %d times after unlock, want 2", runs)
	}
}
