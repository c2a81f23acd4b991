package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	DefaultValidateAttempts uint = 5
	DefaultValidateDelay         = 500 * time.Millisecond
)

// ValidateConnection pings the database with exponential backoff. A refused
// connection is not retried and yields ErrConnectionRefused.
func (e *Executor) ValidateConnection(ctx context.Context) error {
	err := retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, e.opts.PoolWait)
			defer cancel()
			err := e.db.PingContext(pingCtx)
			if err != nil && isConnectionRefused(err) {
				return retry.Unrecoverable(fmt.Errorf("%w: %w", ErrConnectionRefused, err))
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(e.opts.ValidateAttempts),
		retry.Delay(e.opts.ValidateDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Warn("database ping failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("validating database connection: %w", err)
	}
	return nil
}
