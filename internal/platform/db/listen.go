package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Notify queues a NOTIFY on channel. Inside a transaction the notification
// is delivered only when the transaction commits.
func Notify(ctx context.Context, q Querier, channel, payload string) error {
	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// Listen holds a dedicated connection on channel and calls fn for every
// notification until ctx is cancelled. Lost connections are re-established
// with capped exponential backoff; notifications sent while disconnected
// are not replayed, so fn should be followed by a full refresh on reconnect
// when that matters to the caller (onConnect is called after each LISTEN).
func Listen(ctx context.Context, pool *pgxpool.Pool, channel string, logger zerolog.Logger, onConnect func(), fn func(payload string)) error {
	delay := 100 * time.Millisecond
	const maxDelay = 10 * time.Second

	for {
		err := listenOnce(ctx, pool, channel, onConnect, fn)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Str("channel", channel).Dur("retry_in", delay).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, channel string, onConnect func(), fn func(payload string)) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	if onConnect != nil {
		onConnect()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn(n.Payload)
	}
}
