package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SirClappington/wifipay/internal/domain"
)

// Seeding helpers. Each stores a copy.

func (s *Store) PutTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = &t
}

func (s *Store) PutPlan(p domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = &p
}

func (s *Store) PutHotspot(h domain.Hotspot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotspots[h.ID] = &h
}

func (s *Store) PutTransaction(tx domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = &tx
}

func (s *Store) PutWifiUser(u domain.WifiUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// Credits returns every wallet credit made to the user.
func (s *Store) Credits(userID string) []domain.WalletCredit {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WalletCredit
	for _, c := range s.credits {
		if c.WifiUserID == userID {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Store) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetHotspot(_ context.Context, id string) (*domain.Hotspot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hotspots[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) CompleteTransaction(_ context.Context, id, desc string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if tx.Status != domain.TxPending {
		return false, nil
	}
	tx.Status = domain.TxCompleted
	tx.ReconciliationStatus = domain.ReconMatched
	tx.StatusDescription = &desc
	return true, nil
}

func (s *Store) FailTransaction(_ context.Context, id, desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tx.Status == domain.TxPending {
		tx.Status = domain.TxFailed
		tx.StatusDescription = &desc
	}
	return nil
}

func (s *Store) MarkTransactionActivated(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if tx.ActivatedAt == nil {
		tx.ActivatedAt = &at
	}
	return nil
}

func (s *Store) GetWifiUser(_ context.Context, id string) (*domain.WifiUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindWifiUserByPhone(_ context.Context, tenantID, phone string) (*domain.WifiUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByPhone(tenantID, phone); u != nil {
		cp := *u
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *Store) userByPhone(tenantID, phone string) *domain.WifiUser {
	for _, u := range s.users {
		if u.TenantID == tenantID && u.PhoneNumber == phone {
			return u
		}
	}
	return nil
}

// ApplyEntitlement extends the user's expiry, stores the wallet credit and
// stamps the transaction as credited, all or nothing. It reports false when
// the transaction was credited before.
func (s *Store) ApplyEntitlement(_ context.Context, e *domain.Entitlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[e.TransactionID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if tx.CreditedAt != nil {
		return false, nil
	}

	u := s.userByPhone(e.User.TenantID, e.User.PhoneNumber)
	if u == nil {
		cp := *e.User
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.CreatedAt = e.At
		u = &cp
		s.users[u.ID] = u
	} else if !u.HasCredentials() {
		u.Username, u.Password = e.User.Username, e.User.Password
	}

	base := e.At
	if u.ExpiryTime != nil && u.ExpiryTime.After(base) {
		base = *u.ExpiryTime
	}
	expiry := base.Add(e.Extend)
	u.ExpiryTime = &expiry
	u.Status = domain.UserActive
	u.CurrentPlanID = e.User.CurrentPlanID
	if e.User.CurrentHotspotID != nil {
		u.CurrentHotspotID = e.User.CurrentHotspotID
	}

	if e.Credit != nil && e.Credit.Amount.GreaterThan(decimal.Zero) {
		if _, dup := s.credits[e.TransactionID]; !dup {
			c := *e.Credit
			c.ID = uuid.NewString()
			c.WifiUserID = u.ID
			c.SourceTransactionID = e.TransactionID
			c.CreatedAt = e.At
			s.credits[e.TransactionID] = &c
		}
	}

	at := e.At
	tx.CreditedAt = &at
	tx.WifiUserID = &u.ID

	*e.User = *u
	return true, nil
}

func (s *Store) SetUserStatus(_ context.Context, id string, status domain.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.Status = status
	return nil
}

func (s *Store) ExpireUsers(_ context.Context, now time.Time) ([]*domain.WifiUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WifiUser
	for _, u := range s.users {
		if u.Status == domain.UserActive && u.Expired(now) {
			u.Status = domain.UserExpired
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FailStaleTransactions(_ context.Context, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	desc := "payment not confirmed in time"
	for _, tx := range s.transactions {
		if tx.Status == domain.TxPending && tx.CreatedAt.Before(createdBefore) {
			tx.Status = domain.TxFailed
			tx.StatusDescription = &desc
			n++
		}
	}
	return n, nil
}

func (s *Store) SuspendLapsedTrials(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tenants {
		if t.Status == domain.TenantTrial && t.TrialEndsAt != nil && !t.TrialEndsAt.After(now) {
			t.Status = domain.TenantSuspended
			n++
		}
	}
	return n, nil
}

func (s *Store) ListUnreconciledTransactions(_ context.Context, tenantID string) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.TenantID == tenantID && tx.ReconciliationStatus == domain.ReconPending {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SetReconciliationStatus(_ context.Context, id string, status domain.ReconciliationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return domain.ErrNotFound
	}
	tx.ReconciliationStatus = status
	return nil
}
