// Package memory is an in-process implementation of the job store and the
// billing storage. It is safe for concurrent use and is meant for tests and
// local development; a single mutex makes every operation atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/wifipay/internal/domain"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs         map[string]*domain.Job
	tenants      map[string]*domain.Tenant
	plans        map[string]*domain.Plan
	hotspots     map[string]*domain.Hotspot
	transactions map[string]*domain.Transaction
	users        map[string]*domain.WifiUser
	credits      map[string]*domain.WalletCredit // keyed by source transaction id
	locks        map[int64]bool
}

type Option func(*Store)

// WithClock replaces time.Now for every time the store stamps itself.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		jobs:         make(map[string]*domain.Job),
		tenants:      make(map[string]*domain.Tenant),
		plans:        make(map[string]*domain.Plan),
		hotspots:     make(map[string]*domain.Hotspot),
		transactions: make(map[string]*domain.Transaction),
		users:        make(map[string]*domain.WifiUser),
		credits:      make(map[string]*domain.WalletCredit),
		locks:        make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Jobs

func (s *Store) Enqueue(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Status = domain.Pending
	j.Attempts = 0
	j.CreatedAt = s.now()
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = j.CreatedAt
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

// LeaseNext claims the highest priority, earliest scheduled ready job.
func (s *Store) LeaseNext(_ context.Context, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, j := range s.jobs {
		if !j.Ready(now) {
			continue
		}
		if next == nil || before(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, domain.ErrNoJobReady
	}
	next.Lease(now)
	cp := *next
	return &cp, nil
}

func before(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}

func (s *Store) MarkCompleted(_ context.Context, id string) error {
	return s.transition(id, func(j *domain.Job) { j.Complete(s.now()) })
}

func (s *Store) MarkFailed(_ context.Context, id, reason string) error {
	return s.transition(id, func(j *domain.Job) { j.Fail(s.now(), reason) })
}

func (s *Store) Abandon(_ context.Context, id, reason string) error {
	return s.transition(id, func(j *domain.Job) { j.Abandon(s.now(), reason) })
}

func (s *Store) transition(id string, apply func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.Processing {
		return domain.ErrInvalidState
	}
	apply(j)
	return nil
}

func (s *Store) ResetStuck(_ context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	var n int64
	for _, j := range s.jobs {
		if j.Status != domain.Processing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		msg := "reset after exceeding processing timeout of " + timeout.String()
		j.Status = domain.Retry
		j.LastError = &msg
		j.ScheduledFor = s.now()
		n++
	}
	return n, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// ListPending returns pending and retry jobs in lease order, optionally for one tenant.
func (s *Store) ListPending(_ context.Context, tenantID *string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status != domain.Pending && j.Status != domain.Retry {
			continue
		}
		if tenantID != nil && (j.TenantID == nil || *j.TenantID != *tenantID) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return before(out[a], out[b]) })
	return out, nil
}

func (s *Store) ListRecent(_ context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TryLock is an in-process stand-in for an advisory lock.
func (s *Store) TryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, key)
	}, true, nil
}

func (s *Store) Ping(context.Context) error { return nil }
