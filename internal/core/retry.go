package core

import (
	"context"
	"errors"
	"time"

	"HedgeVault/internal/vaulterr"
)

// RetryStale runs fn until it returns something other than
// ErrStaleTransaction or attempts are used up. A writer that finds its vault
// reserved fails before calling any collaborator, so rerunning it is safe.
func RetryStale(ctx context.Context, attempts int, fn func() error) error {
	backoff := time.Millisecond
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); !errors.Is(err, vaulterr.ErrStaleTransaction) {
			return err
		}
	}
	return err
}
