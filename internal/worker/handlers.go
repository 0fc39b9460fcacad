package worker

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
	"github.com/SirClappington/wifipay/internal/router"
)

// handleUserExpiry expires the user once the paid time has passed and
// revokes their device access. Users the expiry sweep already marked are
// revoked as well. An unexpired or missing user is not an error.
func (w *Worker) handleUserExpiry(ctx context.Context, j *domain.Job, log *zap.Logger) error {
	var p domain.UserExpiryPayload
	if err := j.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	log = log.With(zap.String("user_id", p.UserID))

	u, err := w.Store.GetWifiUser(ctx, p.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Info("user gone, nothing to expire")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load wifi user")
	}

	switch {
	case u.Status == domain.UserExpired:
	case u.Expired(w.now()):
		if err := w.Store.SetUserStatus(ctx, u.ID, domain.UserExpired); err != nil {
			return errors.Wrap(err, "expire user")
		}
		log.Info("user expired", zap.Timep("expiry_time", u.ExpiryTime))
	default:
		return nil
	}
	return w.revoke(ctx, u, log)
}

// revoke removes the user's entry from the device and ends any live session.
// Removal failures are retried; the disconnect is best effort.
func (w *Worker) revoke(ctx context.Context, u *domain.WifiUser, log *zap.Logger) error {
	if u.CurrentHotspotID == nil {
		return nil
	}
	hs, err := w.Store.GetHotspot(ctx, *u.CurrentHotspotID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("revocation skipped: hotspot gone", zap.String("hotspot_id", *u.CurrentHotspotID))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load hotspot")
	}

	res := router.Result{Success: true}
	switch {
	case u.AccountType == domain.Static:
		if u.MacAddress != nil && *u.MacAddress != "" {
			res = w.Router.RemoveIPBinding(ctx, hs, *u.MacAddress)
		}
	case u.Username == nil:
	case u.AccountType == domain.PPPoE:
		res = w.Router.RemovePPPSecret(ctx, hs, *u.Username)
	default:
		res = w.Router.RemoveHotspotUser(ctx, hs, *u.Username)
	}
	w.disconnect(ctx, hs, u, log)
	if !res.Success {
		return errors.Errorf("revoke %s access: %s", u.AccountType, res.Error)
	}
	return nil
}

// disconnect ends the user's live session, if the hotspot speaks RADIUS.
func (w *Worker) disconnect(ctx context.Context, hs *domain.Hotspot, u *domain.WifiUser, log *zap.Logger) {
	if hs.NASAddress == "" || u.Username == nil {
		return
	}
	resp, err := w.Sessions(hs).DisconnectUser(ctx, *u.Username, *u.Username)
	switch {
	case err != nil:
		log.Warn("disconnect failed", zap.Error(err))
	case !resp.Accepted:
		log.Info("disconnect rejected", zap.String("reason", resp.Message))
	}
}

// handleReconciliation classifies the tenant's pending transactions against
// their final status.
func (w *Worker) handleReconciliation(ctx context.Context, j *domain.Job, log *zap.Logger) error {
	if j.TenantID == nil || *j.TenantID == "" {
		return Permanent(errors.New("reconciliation requires a tenant"))
	}
	txs, err := w.Store.ListUnreconciledTransactions(ctx, *j.TenantID)
	if err != nil {
		return errors.Wrap(err, "list unreconciled transactions")
	}

	var matched, unmatched int
	for _, tx := range txs {
		var status domain.ReconciliationStatus
		switch {
		case tx.Status == domain.TxCompleted && tx.MpesaReceiptNumber != nil && *tx.MpesaReceiptNumber != "":
			status = domain.ReconMatched
			matched++
		case tx.Status == domain.TxFailed:
			status = domain.ReconUnmatched
			unmatched++
		default:
			continue
		}
		if err := w.Store.SetReconciliationStatus(ctx, tx.ID, status); err != nil {
			return errors.Wrapf(err, "reconcile transaction %s", tx.ID)
		}
	}
	log.Info("reconciliation done",
		zap.String("tenant_id", *j.TenantID),
		zap.Int("examined", len(txs)),
		zap.Int("matched", matched),
		zap.Int("unmatched", unmatched),
	)
	return nil
}

// Notifications are best effort: a failed send is logged and the job completes.

func (w *Worker) handleSms(ctx context.Context, j *domain.Job, log *zap.Logger) error {
	var p domain.SmsPayload
	if err := j.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	if p.PhoneNumber == "" {
		return Permanent(errors.New("sms without phone number"))
	}
	if err := w.SMS.SendSMS(ctx, p.PhoneNumber, p.Message); err != nil {
		log.Warn("sms send failed", zap.String("phone", p.PhoneNumber), zap.Error(err))
	}
	return nil
}

func (w *Worker) handleEmail(ctx context.Context, j *domain.Job, log *zap.Logger) error {
	var p domain.EmailPayload
	if err := j.DecodePayload(&p); err != nil {
		return Permanent(err)
	}
	if p.To == "" {
		return Permanent(errors.New("email without recipient"))
	}
	if err := w.Email.SendEmail(ctx, p.To, p.Subject, p.Body); err != nil {
		log.Warn("email send failed", zap.String("to", p.To), zap.Error(err))
	}
	return nil
}
