package queue

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
)

const wakeKey = "wifipay:jobs:wake"

// maxTokens bounds the wake list when no worker is draining it.
const maxTokens = 1024

// RedisWaker carries wake-up tokens between producers and pollers. Postgres
// stays authoritative; a lost token only delays work until the next poll.
type RedisWaker struct{ rdb *r.Client }

func NewRedisWaker(rdb *r.Client) *RedisWaker { return &RedisWaker{rdb} }

func (w *RedisWaker) Notify(ctx context.Context) error {
	pipe := w.rdb.TxPipeline()
	pipe.LPush(ctx, wakeKey, time.Now().UnixNano())
	pipe.LTrim(ctx, wakeKey, 0, maxTokens-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a token arrives or block elapses. A timeout is not an error.
func (w *RedisWaker) Wait(ctx context.Context, block time.Duration) error {
	err := w.rdb.BRPop(ctx, block, wakeKey).Err()
	if err == r.Nil {
		return nil
	}
	return err
}

// SleepWaker is the fallback when Redis is not configured.
type SleepWaker struct{}

func (SleepWaker) Wait(ctx context.Context, block time.Duration) error {
	t := time.NewTimer(block)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
