package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// TryLock takes a session-level advisory lock without waiting. The lock lives
// on one pooled connection, which is held until unlock is called.
func (s *Store) TryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `select pg_advisory_unlock($1)`, key); err != nil {
			// Closing the session is the only other way to drop the lock.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, true, nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping postgres")
}
