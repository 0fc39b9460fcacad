package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/SirClappington/wifipay/internal/domain"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var (
		t      domain.Tenant
		status string
	)
	err := s.db.QueryRow(ctx, `
select id, name, status, trial_ends_at,
       coalesce(mpesa_consumer_key, ''), coalesce(mpesa_consumer_secret, ''),
       coalesce(mpesa_shortcode, ''), coalesce(mpesa_passkey, '')
  from tenants where id = $1`, id).Scan(
		&t.ID, &t.Name, &status, &t.TrialEndsAt,
		&t.Gateway.ConsumerKey, &t.Gateway.ConsumerSecret, &t.Gateway.Shortcode, &t.Gateway.Passkey,
	)
	if err != nil {
		return nil, errors.Wrap(notFound(err), "get tenant")
	}
	t.Status = domain.TenantStatus(status)
	return &t, nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var (
		p       domain.Plan
		minutes int64
	)
	err := s.db.QueryRow(ctx, `
select id, tenant_id, name, price, duration_minutes, coalesce(rate_limit, '')
  from plans where id = $1`, id).Scan(&p.ID, &p.TenantID, &p.Name, &p.Price, &minutes, &p.RateLimit)
	if err != nil {
		return nil, errors.Wrap(notFound(err), "get plan")
	}
	p.Duration = time.Duration(minutes) * time.Minute
	return &p, nil
}

func (s *Store) GetHotspot(ctx context.Context, id string) (*domain.Hotspot, error) {
	var h domain.Hotspot
	err := s.db.QueryRow(ctx, `
select id, tenant_id, name, router_url, router_user, router_pass,
       coalesce(nas_address, ''), coalesce(radius_secret, '')
  from hotspots where id = $1`, id).Scan(
		&h.ID, &h.TenantID, &h.Name, &h.RouterURL, &h.RouterUser, &h.RouterPass, &h.NASAddress, &h.RadiusSecret,
	)
	if err != nil {
		return nil, errors.Wrap(notFound(err), "get hotspot")
	}
	return &h, nil
}

const txColumns = `id, tenant_id, plan_id, hotspot_id, user_phone, amount, status, status_description,
reconciliation_status, mpesa_receipt_number, checkout_request_id, wifi_user_id, expires_at,
credited_at, activated_at, created_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx            domain.Transaction
		status, recon string
	)
	err := row.Scan(
		&tx.ID, &tx.TenantID, &tx.PlanID, &tx.HotspotID, &tx.UserPhone, &tx.Amount, &status, &tx.StatusDescription,
		&recon, &tx.MpesaReceiptNumber, &tx.CheckoutRequestID, &tx.WifiUserID, &tx.ExpiresAt,
		&tx.CreditedAt, &tx.ActivatedAt, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status, tx.ReconciliationStatus = domain.TransactionStatus(status), domain.ReconciliationStatus(recon)
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, `select `+txColumns+` from transactions where id = $1`, id))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "get transaction")
	}
	return tx, nil
}

// CompleteTransaction moves a pending transaction to completed/matched. It
// reports false when the transaction had already left pending.
func (s *Store) CompleteTransaction(ctx context.Context, id, desc string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
update transactions
   set status = 'completed', reconciliation_status = 'matched', status_description = $2, updated_at = now()
 where id = $1 and status = 'pending'`, id, desc)
	if err != nil {
		return false, errors.Wrap(err, "complete transaction")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FailTransaction(ctx context.Context, id, desc string) error {
	_, err := s.db.Exec(ctx, `
update transactions
   set status = 'failed', status_description = $2, updated_at = now()
 where id = $1 and status = 'pending'`, id, desc)
	return errors.Wrap(err, "fail transaction")
}

func (s *Store) MarkTransactionActivated(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
update transactions set activated_at = $2, updated_at = now()
 where id = $1 and activated_at is null`, id, at)
	return errors.Wrap(err, "mark transaction activated")
}

const userColumns = `id, tenant_id, phone_number, status, current_plan_id, current_hotspot_id, expiry_time,
mac_address, ip_address, username, password, account_type, created_at`

func scanUser(row pgx.Row) (*domain.WifiUser, error) {
	var (
		u                   domain.WifiUser
		status, accountType string
	)
	err := row.Scan(
		&u.ID, &u.TenantID, &u.PhoneNumber, &status, &u.CurrentPlanID, &u.CurrentHotspotID, &u.ExpiryTime,
		&u.MacAddress, &u.IPAddress, &u.Username, &u.Password, &accountType, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Status, u.AccountType = domain.UserStatus(status), domain.AccountType(accountType)
	return &u, nil
}

func (s *Store) GetWifiUser(ctx context.Context, id string) (*domain.WifiUser, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `select `+userColumns+` from wifi_users where id = $1`, id))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "get wifi user")
	}
	return u, nil
}

func (s *Store) FindWifiUserByPhone(ctx context.Context, tenantID, phone string) (*domain.WifiUser, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`select `+userColumns+` from wifi_users where tenant_id = $1 and phone_number = $2`, tenantID, phone))
	if err != nil {
		return nil, errors.Wrap(notFound(err), "find wifi user by phone")
	}
	return u, nil
}

// hasCredentials mirrors domain.WifiUser.HasCredentials for the stored row.
const hasCredentials = `(coalesce(wifi_users.username, '') <> '' and coalesce(wifi_users.password, '') <> '')`

// ApplyEntitlement credits a completed transaction exactly once. The
// transaction row is locked first; if it already carries credited_at the
// call is a no-op and reports false.
func (s *Store) ApplyEntitlement(ctx context.Context, e *domain.Entitlement) (bool, error) {
	dbtx, err := s.db.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin")
	}
	defer dbtx.Rollback(ctx)

	var creditedAt *time.Time
	err = dbtx.QueryRow(ctx, `select credited_at from transactions where id = $1 for update`, e.TransactionID).Scan(&creditedAt)
	if err != nil {
		return false, errors.Wrap(notFound(err), "lock transaction")
	}
	if creditedAt != nil {
		return false, nil
	}

	u := e.User
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.AccountType == "" {
		u.AccountType = domain.AccountHotspot
	}
	// Insert or reuse the tenant's user for this phone. The credential pair is
	// replaced as a whole unless both halves were issued before.
	row := dbtx.QueryRow(ctx, `
insert into wifi_users (id, tenant_id, phone_number, status, account_type, username, password, created_at)
values ($1, $2, $3, 'active', $4, $5, $6, $7)
on conflict (tenant_id, phone_number) do update
   set username = case when `+hasCredentials+` then wifi_users.username else excluded.username end,
       password = case when `+hasCredentials+` then wifi_users.password else excluded.password end
returning id`, u.ID, u.TenantID, u.PhoneNumber, string(u.AccountType), u.Username, u.Password, e.At)
	if err := row.Scan(&u.ID); err != nil {
		return false, errors.Wrap(err, "upsert wifi user")
	}

	updated, err := scanUser(dbtx.QueryRow(ctx, `
update wifi_users
   set expiry_time = greatest($2::timestamptz, coalesce(expiry_time, $2::timestamptz)) + $3::bigint * interval '1 second',
       status = 'active',
       current_plan_id = $4,
       current_hotspot_id = coalesce($5, current_hotspot_id)
 where id = $1
returning `+userColumns, u.ID, e.At, int64(e.Extend/time.Second), u.CurrentPlanID, u.CurrentHotspotID))
	if err != nil {
		return false, errors.Wrap(err, "extend wifi user")
	}

	if e.Credit != nil && e.Credit.Amount.GreaterThan(decimal.Zero) {
		tag, err := dbtx.Exec(ctx, `
insert into wallet_credits (id, tenant_id, wifi_user_id, amount, source_transaction_id, created_at)
values ($1, $2, $3, $4, $5, $6)
on conflict (source_transaction_id) do nothing`,
			uuid.NewString(), e.Credit.TenantID, updated.ID, e.Credit.Amount, e.TransactionID, e.At)
		if err != nil {
			return false, errors.Wrap(err, "insert wallet credit")
		}
		if tag.RowsAffected() == 1 {
			if _, err := dbtx.Exec(ctx, `
insert into wallets (wifi_user_id, tenant_id, balance) values ($1, $2, $3)
on conflict (wifi_user_id) do update set balance = wallets.balance + excluded.balance`,
				updated.ID, e.Credit.TenantID, e.Credit.Amount); err != nil {
				return false, errors.Wrap(err, "update wallet balance")
			}
		}
	}

	if _, err := dbtx.Exec(ctx, `
update transactions set credited_at = $2, wifi_user_id = $3, updated_at = now() where id = $1`,
		e.TransactionID, e.At, updated.ID); err != nil {
		return false, errors.Wrap(err, "stamp transaction credited")
	}
	if err := dbtx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit entitlement")
	}
	*e.User = *updated
	return true, nil
}

func (s *Store) SetUserStatus(ctx context.Context, id string, status domain.UserStatus) error {
	tag, err := s.db.Exec(ctx, `update wifi_users set status = $2 where id = $1`, id, string(status))
	if err != nil {
		return errors.Wrap(err, "set user status")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExpireUsers marks active users whose paid time ran out and returns them.
func (s *Store) ExpireUsers(ctx context.Context, now time.Time) ([]*domain.WifiUser, error) {
	rows, err := s.db.Query(ctx, `
update wifi_users set status = 'expired'
 where status = 'active' and expiry_time is not null and expiry_time <= $1
returning `+userColumns, now)
	if err != nil {
		return nil, errors.Wrap(err, "expire users")
	}
	defer rows.Close()

	var out []*domain.WifiUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan expired user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "iterate expired users")
}

func (s *Store) FailStaleTransactions(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
update transactions
   set status = 'failed', status_description = 'payment not confirmed in time', updated_at = now()
 where status = 'pending' and created_at < $1`, createdBefore)
	if err != nil {
		return 0, errors.Wrap(err, "fail stale transactions")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SuspendLapsedTrials(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
update tenants set status = 'suspended'
 where status = 'trial' and trial_ends_at is not null and trial_ends_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "suspend lapsed trials")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListUnreconciledTransactions(ctx context.Context, tenantID string) ([]*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
select `+txColumns+` from transactions
 where tenant_id = $1 and reconciliation_status = 'pending'
 order by created_at`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list unreconciled transactions")
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction row")
		}
		out = append(out, tx)
	}
	return out, errors.Wrap(rows.Err(), "iterate transaction rows")
}

func (s *Store) SetReconciliationStatus(ctx context.Context, id string, status domain.ReconciliationStatus) error {
	_, err := s.db.Exec(ctx, `
update transactions set reconciliation_status = $2, updated_at = now() where id = $1`, id, string(status))
	return errors.Wrap(err, "set reconciliation status")
}
