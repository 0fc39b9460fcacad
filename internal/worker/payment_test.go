package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/mpesa"
	"github.com/SirClappington/wifipay/internal/router"
	"github.com/SirClappington/wifipay/internal/storage/memory"
)

func TestPaymentCheck_SuccessActivatesNewUser(t *testing.T) {
	h := newHarness(t)
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("job status = %s, last error %v", got.Status, got.LastError)
	}
	tx := h.tx()
	if tx.Status != domain.TxCompleted || tx.ReconciliationStatus != domain.ReconMatched {
		t.Fatalf("transaction = %s / %s", tx.Status, tx.ReconciliationStatus)
	}
	if tx.CreditedAt == nil || tx.ActivatedAt == nil {
		t.Fatal("transaction not marked credited and activated")
	}

	u := h.user()
	if u.Status != domain.UserActive || u.ExpiryTime == nil || !u.ExpiryTime.Equal(testStart.Add(24*time.Hour)) {
		t.Fatalf("user = %s expiring %v", u.Status, u.ExpiryTime)
	}
	if !u.HasCredentials() || !strings.HasPrefix(*u.Username, "wf5678") {
		t.Fatalf("credentials = %v", u.Username)
	}
	if tx.WifiUserID == nil || *tx.WifiUserID != u.ID {
		t.Fatal("transaction not linked to user")
	}

	credits := h.store.Credits(u.ID)
	if len(credits) != 1 || !credits[0].Amount.Equal(decimal.NewFromInt(50)) || credits[0].SourceTransactionID != "tx-1" {
		t.Fatalf("credits = %+v", credits)
	}
	want := []string{"hotspot_profile:wifipay-daily:5M/5M", "hotspot_user:" + *u.Username + ":wifipay-daily"}
	if strings.Join(h.router.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("router calls = %v, want %v", h.router.calls, want)
	}
	if len(h.sessions.coa) != 0 {
		t.Fatalf("CoA sent for a new user: %v", h.sessions.coa)
	}

	// Follow-ups: an expiry check at the new expiry and the credentials SMS.
	pending, _ := h.store.ListPending(context.Background(), nil)
	var expiry, sms bool
	for _, p := range pending {
		switch p.Type {
		case domain.UserExpiryCheck:
			expiry = p.ScheduledFor.Equal(*u.ExpiryTime)
		case domain.SmsNotification:
			var body domain.SmsPayload
			_ = p.DecodePayload(&body)
			sms = body.PhoneNumber == u.PhoneNumber && strings.Contains(body.Message, *u.Password)
		}
	}
	if !expiry || !sms {
		t.Fatalf("follow-ups: expiry=%v sms=%v", expiry, sms)
	}
}

func TestPaymentCheck_DuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.schedulePaymentCheck()
	h.runOnce()
	u := h.user()

	h.advance(time.Minute)
	dup := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(dup.ID); got.Status != domain.Completed {
		t.Fatalf("duplicate job status = %s", got.Status)
	}
	if h.gw.calls != 1 {
		t.Fatalf("gateway queried %d times", h.gw.calls)
	}
	if n := len(h.store.Credits(u.ID)); n != 1 {
		t.Fatalf("%d wallet credits, want 1", n)
	}
	if again := h.user(); !again.ExpiryTime.Equal(*u.ExpiryTime) {
		t.Fatalf("expiry moved from %v to %v", u.ExpiryTime, again.ExpiryTime)
	}
	if len(h.router.calls) != 2 {
		t.Fatalf("router calls = %v", h.router.calls)
	}
}

func TestPaymentCheck_DeviceFailureRetriesOnlyDeviceStep(t *testing.T) {
	h := newHarness(t)
	h.router.result = router.Result{Error: "PUT /ip/hotspot/user: connection refused"}
	j := h.schedulePaymentCheck()
	h.runOnce()

	got := h.job(j.ID)
	if got.Status != domain.Retry {
		t.Fatalf("job status = %s", got.Status)
	}
	tx := h.tx()
	if tx.Status != domain.TxCompleted || tx.CreditedAt == nil || tx.ActivatedAt != nil {
		t.Fatalf("transaction after device failure: status=%s credited=%v activated=%v", tx.Status, tx.CreditedAt, tx.ActivatedAt)
	}
	first := *h.user().ExpiryTime

	h.router.result = router.Result{Success: true}
	h.advance(10 * time.Second)
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed || got.Attempts != 2 {
		t.Fatalf("job = %s after %d attempts", got.Status, got.Attempts)
	}
	if h.tx().ActivatedAt == nil {
		t.Fatal("transaction not activated on retry")
	}
	u := h.user()
	if !u.ExpiryTime.Equal(first) {
		t.Fatalf("expiry extended twice: %v then %v", first, u.ExpiryTime)
	}
	if n := len(h.store.Credits(u.ID)); n != 1 {
		t.Fatalf("%d wallet credits, want 1", n)
	}
	if h.gw.calls != 1 {
		t.Fatalf("gateway queried %d times", h.gw.calls)
	}
}

func TestPaymentCheck_DuplicateRouterEntryCountsAsProvisioned(t *testing.T) {
	h := newHarness(t)
	h.router.result = router.Result{Error: "PUT /ip/hotspot/user: 400 Bad Request: failure: already have user with this name for this server"}
	j := h.schedulePaymentCheck()
	h.runOnce()
	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPaymentCheck_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.gw.result = &mpesa.QueryResult{ResultCode: mpesa.ResultCancelled, ResultDesc: "Request cancelled by user"}
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed || got.Attempts != 1 {
		t.Fatalf("job = %s after %d attempts", got.Status, got.Attempts)
	}
	tx := h.tx()
	if tx.Status != domain.TxFailed || tx.StatusDescription == nil || *tx.StatusDescription != "Request cancelled by user" {
		t.Fatalf("transaction = %s / %v", tx.Status, tx.StatusDescription)
	}
	if _, err := h.store.FindWifiUserByPhone(context.Background(), "acme", "254712345678"); err == nil {
		t.Fatal("user created for a cancelled payment")
	}
}

func TestPaymentCheck_UnknownCodeBacksOffUntilExhausted(t *testing.T) {
	h := newHarness(t)
	h.gw.result = &mpesa.QueryResult{ResultCode: "1037", ResultDesc: "DS timeout user cannot be reached"}
	j := h.schedulePaymentCheck()

	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, d := range wantDelays {
		h.runOnce()
		got := h.job(j.ID)
		if got.Status != domain.Retry || got.Attempts != i+1 {
			t.Fatalf("attempt %d: status %s attempts %d", i+1, got.Status, got.Attempts)
		}
		if !got.ScheduledFor.Equal(h.now.Add(d)) {
			t.Fatalf("attempt %d: retry in %v, want %v", i+1, got.ScheduledFor.Sub(h.now), d)
		}
		if got.LastError == nil || !strings.Contains(*got.LastError, "1037") {
			t.Fatalf("attempt %d: last error %v", i+1, got.LastError)
		}
		h.advance(d)
	}
	h.runOnce()
	got := h.job(j.ID)
	if got.Status != domain.Failed || got.Attempts != 5 || got.CompletedAt == nil {
		t.Fatalf("final job = %s after %d attempts", got.Status, got.Attempts)
	}
	if h.tx().Status != domain.TxPending {
		t.Fatal("transaction should stay pending for the stale sweep")
	}
}

func TestPaymentCheck_GatewayErrorRetries(t *testing.T) {
	h := newHarness(t)
	h.gw.result, h.gw.err = nil, &mpesa.APIError{StatusCode: 500, Code: "500.001.1001", Message: "The transaction is being processed"}
	j := h.schedulePaymentCheck()
	h.runOnce()
	if got := h.job(j.ID); got.Status != domain.Retry {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPaymentCheck_CredentialsMissingWithoutSandbox(t *testing.T) {
	h := newHarness(t)
	h.store.PutTenant(domain.Tenant{ID: "acme", Status: domain.TenantTrial})
	j := h.schedulePaymentCheck()
	h.runOnce()

	got := h.job(j.ID)
	if got.Status != domain.Retry || got.LastError == nil || *got.LastError != "payment gateway credentials not configured" {
		t.Fatalf("job = %s / %v", got.Status, got.LastError)
	}
	if h.gw.calls != 0 {
		t.Fatal("gateway queried without credentials")
	}
}

func TestPaymentCheck_Sandbox(t *testing.T) {
	tests := []struct {
		name   string
		roll   float64
		status domain.TransactionStatus
	}{
		{"confirmed", 0.1, domain.TxCompleted},
		{"declined", 0.95, domain.TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.w.cfg.SandboxPayments = true
			h.w.rand = func() float64 { return tt.roll }
			h.store.PutTenant(domain.Tenant{ID: "acme", Status: domain.TenantTrial})
			j := h.schedulePaymentCheck()

			for attempt, wait := range []time.Duration{10 * time.Second, 20 * time.Second} {
				h.runOnce()
				got := h.job(j.ID)
				if got.Status != domain.Retry || *got.LastError != "awaiting confirmation" {
					t.Fatalf("attempt %d: %s / %v", attempt+1, got.Status, got.LastError)
				}
				h.advance(wait)
			}
			h.runOnce()

			if got := h.job(j.ID); got.Status != domain.Completed || got.Attempts != 3 {
				t.Fatalf("job = %s after %d attempts", got.Status, got.Attempts)
			}
			if got := h.tx().Status; got != tt.status {
				t.Fatalf("transaction = %s, want %s", got, tt.status)
			}
		})
	}
}

func TestPaymentCheck_RenewalExtendsFromCurrentExpiryAndSendsCoA(t *testing.T) {
	h := newHarness(t)
	expiry := testStart.Add(6 * time.Hour)
	name, pass, hs, plan := "wf5678aa", "secret", "hs-1", "daily"
	h.store.PutWifiUser(domain.WifiUser{
		ID: "u-1", TenantID: "acme", PhoneNumber: "254712345678", Status: domain.UserActive,
		ExpiryTime: &expiry, Username: &name, Password: &pass, CurrentHotspotID: &hs, CurrentPlanID: &plan,
		AccountType: domain.PPPoE,
	})
	h.store.PutTransaction(domain.Transaction{
		ID: "tx-1", TenantID: "acme", PlanID: "daily", HotspotID: &hs, UserPhone: "254712345678",
		Amount: decimal.NewFromInt(100), Status: domain.TxPending, ReconciliationStatus: domain.ReconPending,
		CreatedAt: testStart,
	})
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("status = %s / %v", got.Status, got.LastError)
	}
	u := h.user()
	if u.ID != "u-1" || !u.ExpiryTime.Equal(expiry.Add(24*time.Hour)) {
		t.Fatalf("user %s expires %v, want %v", u.ID, u.ExpiryTime, expiry.Add(24*time.Hour))
	}
	if *u.Username != name || *u.Password != pass {
		t.Fatal("existing credentials replaced")
	}
	if len(h.store.Credits(u.ID)) != 0 {
		t.Fatal("wallet credited without excess")
	}
	want := []string{"ppp_profile:wifipay-daily:5M/5M", "ppp_secret:" + name}
	if strings.Join(h.router.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("router calls = %v, want %v", h.router.calls, want)
	}
	if len(h.sessions.coa) != 1 || h.sessions.coa[0] != name+":5M/5M" {
		t.Fatalf("CoA = %v", h.sessions.coa)
	}
	pending, _ := h.store.ListPending(context.Background(), nil)
	for _, p := range pending {
		if p.Type == domain.SmsNotification {
			t.Fatal("credentials SMS sent for existing login")
		}
	}
}

func TestPaymentCheck_StaticUserWithoutMACIsAbandoned(t *testing.T) {
	h := newHarness(t)
	ip := "10.5.50.20"
	h.store.PutWifiUser(domain.WifiUser{
		ID: "u-1", TenantID: "acme", PhoneNumber: "254712345678", Status: domain.UserExpired,
		IPAddress: &ip, AccountType: domain.Static,
	})
	j := h.schedulePaymentCheck()
	h.runOnce()

	got := h.job(j.ID)
	if got.Status != domain.Failed || got.Attempts != 1 || !strings.Contains(*got.LastError, "MAC") {
		t.Fatalf("job = %s after %d attempts: %v", got.Status, got.Attempts, got.LastError)
	}
	if len(h.router.calls) != 0 {
		t.Fatalf("router called: %v", h.router.calls)
	}
	if h.tx().Status != domain.TxCompleted {
		t.Fatal("payment confirmation lost")
	}
}

func TestPaymentCheck_StaticUserGetsBinding(t *testing.T) {
	h := newHarness(t)
	ip, mac := "10.5.50.20", "AA:BB:CC:DD:EE:FF"
	h.store.PutWifiUser(domain.WifiUser{
		ID: "u-1", TenantID: "acme", PhoneNumber: "254712345678", Status: domain.UserExpired,
		IPAddress: &ip, MacAddress: &mac, AccountType: domain.Static,
	})
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("status = %s / %v", got.Status, got.LastError)
	}
	if len(h.router.calls) != 1 || h.router.calls[0] != "ip_binding:"+mac {
		t.Fatalf("router calls = %v", h.router.calls)
	}
}

func TestPaymentCheck_MissingTransactionIsAbandoned(t *testing.T) {
	h := newHarness(t)
	j, _ := h.q.SchedulePaymentCheck(context.Background(), "acme", "tx-missing", "ws_CO_9", 0)
	h.runOnce()
	if got := h.job(j.ID); got.Status != domain.Failed {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPaymentCheck_AlreadyFailedTransaction(t *testing.T) {
	h := newHarness(t)
	if err := h.store.FailTransaction(context.Background(), "tx-1", "expired"); err != nil {
		t.Fatal(err)
	}
	j := h.schedulePaymentCheck()
	h.runOnce()
	if got := h.job(j.ID); got.Status != domain.Completed || h.gw.calls != 0 {
		t.Fatalf("status = %s, gateway calls %d", got.Status, h.gw.calls)
	}
}

// raceStore lets another writer move the transaction out of pending just
// before the worker completes it.
type raceStore struct {
	*memory.Store
	first func(ctx context.Context, id string) error
}

func (s raceStore) CompleteTransaction(ctx context.Context, id, desc string) (bool, error) {
	if err := s.first(ctx, id); err != nil {
		return false, err
	}
	return s.Store.CompleteTransaction(ctx, id, desc)
}

func TestPaymentCheck_StaleSweepWinsCompletion(t *testing.T) {
	h := newHarness(t)
	h.w.Store = raceStore{Store: h.store, first: func(ctx context.Context, id string) error {
		return h.store.FailTransaction(ctx, id, "payment not confirmed in time")
	}}
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("job = %s / %v", got.Status, got.LastError)
	}
	tx := h.tx()
	if tx.Status != domain.TxFailed || tx.ReconciliationStatus != domain.ReconManualReview {
		t.Fatalf("transaction = %s / %s", tx.Status, tx.ReconciliationStatus)
	}
	if tx.CreditedAt != nil || tx.ActivatedAt != nil {
		t.Fatal("failed transaction was activated")
	}
	if _, err := h.store.FindWifiUserByPhone(context.Background(), "acme", "254712345678"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("user created for a failed transaction: %v", err)
	}
	if len(h.router.calls) != 0 {
		t.Fatalf("router calls = %v", h.router.calls)
	}
}

func TestPaymentCheck_OtherWorkerCompletedFirst(t *testing.T) {
	h := newHarness(t)
	h.w.Store = raceStore{Store: h.store, first: func(ctx context.Context, id string) error {
		_, err := h.store.CompleteTransaction(ctx, id, "confirmed elsewhere")
		return err
	}}
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("job = %s / %v", got.Status, got.LastError)
	}
	tx := h.tx()
	if tx.Status != domain.TxCompleted || tx.ActivatedAt == nil {
		t.Fatalf("transaction = %s, activated %v", tx.Status, tx.ActivatedAt)
	}
	if n := len(h.store.Credits(h.user().ID)); n != 1 {
		t.Fatalf("%d wallet credits, want 1", n)
	}
}

func TestPaymentCheck_HalfIssuedCredentialsAreReplaced(t *testing.T) {
	h := newHarness(t)
	name := "wf5678zz"
	h.store.PutWifiUser(domain.WifiUser{
		ID: "u-1", TenantID: "acme", PhoneNumber: "254712345678", Status: domain.UserExpired,
		Username: &name, AccountType: domain.AccountHotspot,
	})
	j := h.schedulePaymentCheck()
	h.runOnce()

	if got := h.job(j.ID); got.Status != domain.Completed {
		t.Fatalf("job = %s / %v", got.Status, got.LastError)
	}
	u := h.user()
	if !u.HasCredentials() || *u.Username == name {
		t.Fatalf("credentials = %v / %v", u.Username, u.Password)
	}
}
