package worker

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/mpesa"
	"github.com/SirClappington/wifipay/internal/router"
)

const (
	// sandboxConfirmAttempt is the first attempt at which a simulated payment resolves.
	sandboxConfirmAttempt = 3
	sandboxSuccessRate    = 0.8
)

var errAwaitingConfirmation = errors.New("awaiting confirmation")

func (w *Worker) handlePaymentCheck(ctx context.Context, j *domain.Job, log *zap.Logger) error {
	var p domain.PaymentCheckPayload
	if err := j.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	if p.TransactionID == "" {
		return Permanent(errors.New("payment check without transaction id"))
	}
	log = log.With(zap.String("transaction_id", p.TransactionID))

	tx, err := w.Store.GetTransaction(ctx, p.TransactionID)
	if errors.Is(err, domain.ErrNotFound) {
		return Permanent(errors.Wrapf(err, "transaction %s", p.TransactionID))
	}
	if err != nil {
		return errors.Wrap(err, "load transaction")
	}

	switch tx.Status {
	case domain.TxCompleted:
		if tx.ActivatedAt != nil {
			log.Debug("transaction already activated")
			return nil
		}
		return w.activate(ctx, tx, log)
	case domain.TxFailed:
		log.Debug("transaction already failed")
		return nil
	}

	checkoutID := p.CheckoutRequestID
	if checkoutID == "" && tx.CheckoutRequestID != nil {
		checkoutID = *tx.CheckoutRequestID
	}

	tenant, err := w.Store.GetTenant(ctx, tx.TenantID)
	if err != nil {
		return errors.Wrap(err, "load tenant")
	}
	if !tenant.Gateway.Configured() {
		if !w.cfg.SandboxPayments {
			return errors.New("payment gateway credentials not configured")
		}
		return w.simulatePayment(ctx, j, tx, log)
	}
	if checkoutID == "" {
		return Permanent(errors.Errorf("transaction %s has no checkout request id", tx.ID))
	}

	res, err := w.Gateways(tenant.Gateway).QueryTransactionStatus(ctx, checkoutID)
	if err != nil {
		return errors.Wrap(err, "query payment status")
	}
	switch res.ResultCode {
	case mpesa.ResultSuccess:
		return w.confirmPayment(ctx, tx, res.ResultDesc, log)
	case mpesa.ResultCancelled:
		if err := w.Store.FailTransaction(ctx, tx.ID, res.ResultDesc); err != nil {
			return errors.Wrap(err, "fail transaction")
		}
		log.Info("payment cancelled by customer", zap.String("desc", res.ResultDesc))
		return nil
	default:
		return errors.Errorf("payment not confirmed: %s (result code %q)", res.ResultDesc, res.ResultCode)
	}
}

// simulatePayment stands in for the gateway on sandbox tenants: the first
// attempts wait, later ones resolve at random.
func (w *Worker) simulatePayment(ctx context.Context, j *domain.Job, tx *domain.Transaction, log *zap.Logger) error {
	if j.Attempts < sandboxConfirmAttempt {
		return errAwaitingConfirmation
	}
	if w.rand() < sandboxSuccessRate {
		return w.confirmPayment(ctx, tx, "sandbox payment confirmed", log)
	}
	if err := w.Store.FailTransaction(ctx, tx.ID, "sandbox payment declined"); err != nil {
		return errors.Wrap(err, "fail transaction")
	}
	log.Info("sandbox payment declined")
	return nil
}

func (w *Worker) confirmPayment(ctx context.Context, tx *domain.Transaction, desc string, log *zap.Logger) error {
	completed, err := w.Store.CompleteTransaction(ctx, tx.ID, desc)
	if err != nil {
		return errors.Wrap(err, "complete transaction")
	}
	if !completed {
		return w.confirmedElsewhere(ctx, tx.ID, log)
	}
	tx.Status = domain.TxCompleted
	tx.ReconciliationStatus = domain.ReconMatched
	log.Info("payment confirmed", zap.Stringer("amount", tx.Amount))
	return w.activate(ctx, tx, log)
}

// confirmedElsewhere handles a paid transaction that left pending between
// load and update. Only a completed transaction is activated; one the stale
// sweep failed is flagged for manual review since the customer did pay.
func (w *Worker) confirmedElsewhere(ctx context.Context, id string, log *zap.Logger) error {
	tx, err := w.Store.GetTransaction(ctx, id)
	if err != nil {
		return errors.Wrap(err, "reload transaction")
	}
	switch {
	case tx.Status == domain.TxCompleted && tx.ActivatedAt == nil:
		return w.activate(ctx, tx, log)
	case tx.Status == domain.TxCompleted:
		return nil
	}
	if err := w.Store.SetReconciliationStatus(ctx, tx.ID, domain.ReconManualReview); err != nil {
		return errors.Wrap(err, "flag transaction for review")
	}
	log.Warn("gateway confirmed a payment that is no longer pending",
		zap.String("status", string(tx.Status)))
	return nil
}

// activate grants the paid time and provisions the session. The grant is
// applied at most once per transaction; the device step repeats until it
// succeeds.
func (w *Worker) activate(ctx context.Context, tx *domain.Transaction, log *zap.Logger) error {
	plan, err := w.Store.GetPlan(ctx, tx.PlanID)
	if errors.Is(err, domain.ErrNotFound) {
		return Permanent(errors.Wrapf(err, "plan %s", tx.PlanID))
	}
	if err != nil {
		return errors.Wrap(err, "load plan")
	}

	user, renewal, issued, err := w.entitle(ctx, tx, plan, log)
	if err != nil {
		return err
	}
	log = log.With(zap.String("user_id", user.ID))

	hotspotID := tx.HotspotID
	if hotspotID == nil {
		hotspotID = user.CurrentHotspotID
	}
	if hotspotID == nil {
		return Permanent(errors.Errorf("transaction %s has no hotspot to provision on", tx.ID))
	}
	hs, err := w.Store.GetHotspot(ctx, *hotspotID)
	if err != nil {
		return errors.Wrap(err, "load hotspot")
	}

	if err := w.provision(ctx, hs, user, plan); err != nil {
		return err
	}
	if err := w.Store.MarkTransactionActivated(ctx, tx.ID, w.now()); err != nil {
		return errors.Wrap(err, "mark transaction activated")
	}
	log.Info("session activated", zap.String("account_type", string(user.AccountType)), zap.Timep("expires", user.ExpiryTime))

	if renewal {
		w.changeRateLimit(ctx, hs, user, plan, log)
	}
	w.followUp(ctx, user, issued, log)
	return nil
}

// entitle applies the transaction's entitlement, or loads the user it was
// applied to on an earlier attempt. renewal reports that the user already had
// unexpired access; issued reports that new credentials were generated.
func (w *Worker) entitle(ctx context.Context, tx *domain.Transaction, plan *domain.Plan, log *zap.Logger) (user *domain.WifiUser, renewal, issued bool, err error) {
	if tx.CreditedAt == nil {
		now := w.now()
		existing, err := w.Store.FindWifiUserByPhone(ctx, tx.TenantID, tx.UserPhone)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, false, false, errors.Wrap(err, "find wifi user")
		}

		u := &domain.WifiUser{
			TenantID:         tx.TenantID,
			PhoneNumber:      tx.UserPhone,
			Status:           domain.UserActive,
			CurrentPlanID:    &plan.ID,
			CurrentHotspotID: tx.HotspotID,
			AccountType:      domain.AccountHotspot,
		}
		if existing != nil {
			u.ID = existing.ID
			u.AccountType = existing.AccountType
			renewal = existing.Status == domain.UserActive && !existing.Expired(now)
		}
		if existing == nil || !existing.HasCredentials() {
			name, pass, err := newCredentials(tx.UserPhone)
			if err != nil {
				return nil, false, false, err
			}
			u.Username, u.Password = &name, &pass
			issued = true
		}

		e := &domain.Entitlement{TransactionID: tx.ID, User: u, Extend: plan.Duration, At: now}
		if excess := tx.Amount.Sub(plan.Price); excess.GreaterThan(decimal.Zero) {
			e.Credit = &domain.WalletCredit{TenantID: tx.TenantID, Amount: excess}
		}

		applied, err := w.Store.ApplyEntitlement(ctx, e)
		if err != nil {
			return nil, false, false, errors.Wrap(err, "apply entitlement")
		}
		if applied {
			fields := []zap.Field{zap.String("user_id", u.ID), zap.Timep("expires", u.ExpiryTime)}
			if e.Credit != nil {
				fields = append(fields, zap.Stringer("wallet_credit", e.Credit.Amount))
			}
			log.Info("entitlement applied", fields...)
			return u, renewal, issued, nil
		}
		// Another attempt got there first; fall through to what it stored.
		if tx, err = w.Store.GetTransaction(ctx, tx.ID); err != nil {
			return nil, false, false, errors.Wrap(err, "reload transaction")
		}
		renewal, issued = false, false
	}

	if tx.WifiUserID == nil {
		return nil, false, false, errors.Errorf("transaction %s credited without a user", tx.ID)
	}
	user, err = w.Store.GetWifiUser(ctx, *tx.WifiUserID)
	if err != nil {
		return nil, false, false, errors.Wrap(err, "load wifi user")
	}
	return user, false, false, nil
}

// profileName names the device profile carrying the plan's rate limit.
func profileName(plan *domain.Plan) string { return "wifipay-" + plan.ID }

// provision creates the subscriber on the device. Entries left by an earlier
// attempt count as provisioned.
func (w *Worker) provision(ctx context.Context, hs *domain.Hotspot, u *domain.WifiUser, plan *domain.Plan) error {
	if !u.HasCredentials() && u.AccountType != domain.Static {
		return Permanent(errors.Errorf("user %s has no credentials", u.ID))
	}

	var res router.Result
	switch u.AccountType {
	case domain.PPPoE:
		profile := profileName(plan)
		if res = w.Router.EnsurePPPProfile(ctx, hs, profile, plan.RateLimit); !res.Success && !res.Duplicate() {
			return errors.Errorf("ensure ppp profile: %s", res.Error)
		}
		res = w.Router.AddPPPSecret(ctx, hs, router.PPPSecret{Name: *u.Username, Password: *u.Password, Profile: profile})
	case domain.Static:
		if u.MacAddress == nil || *u.MacAddress == "" || u.IPAddress == nil || *u.IPAddress == "" {
			return Permanent(errors.Errorf("static user %s needs both MAC and IP address", u.ID))
		}
		res = w.Router.AddIPBinding(ctx, hs, router.IPBinding{
			MacAddress: *u.MacAddress,
			Address:    *u.IPAddress,
			Comment:    "wifipay " + u.PhoneNumber,
		})
	default:
		hu := router.HotspotUser{Name: *u.Username, Password: *u.Password}
		if plan.RateLimit != "" {
			hu.Profile = profileName(plan)
			if res = w.Router.EnsureHotspotProfile(ctx, hs, hu.Profile, plan.RateLimit); !res.Success && !res.Duplicate() {
				return errors.Errorf("ensure hotspot profile: %s", res.Error)
			}
		}
		res = w.Router.AddHotspotUser(ctx, hs, hu)
	}
	if !res.Success && !res.Duplicate() {
		return errors.Errorf("provision %s session: %s", u.AccountType, res.Error)
	}
	return nil
}

// changeRateLimit pushes the plan's limit to a session that is already live.
func (w *Worker) changeRateLimit(ctx context.Context, hs *domain.Hotspot, u *domain.WifiUser, plan *domain.Plan, log *zap.Logger) {
	if hs.NASAddress == "" || plan.RateLimit == "" || u.Username == nil {
		return
	}
	resp, err := w.Sessions(hs).SendCoA(ctx, *u.Username, plan.RateLimit)
	switch {
	case err != nil:
		log.Warn("rate limit change failed", zap.Error(err))
	case !resp.Accepted:
		log.Warn("rate limit change rejected", zap.String("reason", resp.Message))
	}
}

// followUp schedules the expiry check for the new expiry and, for first-time
// logins, texts the credentials. Failures are logged; the activation stands.
func (w *Worker) followUp(ctx context.Context, u *domain.WifiUser, issued bool, log *zap.Logger) {
	if u.ExpiryTime != nil {
		if _, err := w.Scheduler.ScheduleUserExpiryCheckAt(ctx, u.TenantID, u.ID, *u.ExpiryTime); err != nil {
			log.Warn("scheduling expiry check failed", zap.Error(err))
		}
	}
	if !issued || u.AccountType == domain.Static || u.Username == nil || u.Password == nil {
		return
	}
	msg := fmt.Sprintf("Your WiFi login is %s, password %s.", *u.Username, *u.Password)
	if u.ExpiryTime != nil {
		msg += " Valid until " + u.ExpiryTime.Format("02 Jan 15:04") + "."
	}
	if _, err := w.Scheduler.ScheduleSmsNotification(ctx, u.TenantID, u.PhoneNumber, msg); err != nil {
		log.Warn("scheduling credentials sms failed", zap.Error(err))
	}
}
