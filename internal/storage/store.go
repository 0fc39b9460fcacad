package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/wifipay/internal/domain"
)

// Store is the Postgres source of truth for jobs and billing rows.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db, now: time.Now} }

const jobColumns = `id, tenant_id, type, payload, status, priority, attempts, max_attempts,
last_error, scheduled_for, started_at, completed_at, created_at`

// Enqueue persists a new job in pending state.
func (s *Store) Enqueue(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now()
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	j.Status, j.Attempts, j.CreatedAt = domain.Pending, 0, now

	_, err := s.db.Exec(ctx, `insert into jobs(
id, tenant_id, type, payload, status, priority, attempts, max_attempts, scheduled_for, created_at
) values ($1,$2,$3,$4,'pending',$5,0,$6,$7,$8)`,
		j.ID, j.TenantID, string(j.Type), []byte(j.Payload), j.Priority, j.MaxAttempts, j.ScheduledFor, j.CreatedAt,
	)
	return errors.Wrap(err, "insert job")
}

// LeaseNext claims one ready job. Rows locked by a concurrent claim are
// skipped, so two callers never get the same job.
func (s *Store) LeaseNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
update jobs
   set status = 'processing', started_at = $1, attempts = attempts + 1
 where id = (
       select id from jobs
        where status in ('pending', 'retry')
          and scheduled_for <= $1
        order by priority desc, scheduled_for asc
        for update skip locked
        limit 1)
returning `+jobColumns, now)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoJobReady
	}
	return j, errors.Wrap(err, "lease next job")
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(j *domain.Job) { j.Complete(s.now()) })
}

// MarkFailed applies domain.Job.Fail under a row lock so the backoff rule
// lives in one place for every store.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, func(j *domain.Job) { j.Fail(s.now(), reason) })
}

func (s *Store) Abandon(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, func(j *domain.Job) { j.Abandon(s.now(), reason) })
}

func (s *Store) transition(ctx context.Context, id string, apply func(*domain.Job)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1 for update`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "load job %s", id)
	}
	if j.Status != domain.Processing {
		return domain.ErrInvalidState
	}
	apply(j)

	if _, err := tx.Exec(ctx, `
update jobs
   set status = $2, last_error = $3, scheduled_for = $4, completed_at = $5
 where id = $1`, j.ID, string(j.Status), j.LastError, j.ScheduledFor, j.CompletedAt); err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

// ResetStuck returns long-running processing jobs to retry.
func (s *Store) ResetStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx, `
update jobs
   set status = 'retry', scheduled_for = $1, last_error = $2
 where status = 'processing'
   and started_at < $3`,
		now, fmt.Sprintf("reset after exceeding processing timeout of %s", timeout), now.Add(-timeout))
	if err != nil {
		return 0, errors.Wrap(err, "reset stuck jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, errors.Wrap(err, "get job")
}

func (s *Store) ListPending(ctx context.Context, tenantID *string) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `
select `+jobColumns+` from jobs
 where status in ('pending', 'retry')
   and ($1::text is null or tenant_id = $1)
 order by priority desc, scheduled_for asc
 limit 500`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list pending jobs")
	}
	return collectJobs(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs order by created_at desc limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list recent jobs")
	}
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		typ     string
		status  string
		payload []byte
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &typ, &payload, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type, j.Status, j.Payload = domain.Type(typ), domain.Status(status), payload
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job row")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate job rows")
}
