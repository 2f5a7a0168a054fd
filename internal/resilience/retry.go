package resilience

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/umr-dbs/cachemesh/internal/config"
	"github.com/umr-dbs/cachemesh/internal/observability"
)

// Retry runs fn with exponential backoff per cfg, retrying until it
// succeeds, ctx is cancelled, or the elapsed time budget is exhausted.
// Used for peer delivery fetches (a worker asking another worker's
// delivery port for a cached item) where a transient dial failure should
// not immediately surface to the scheduler as a node failure.
func Retry(ctx context.Context, cfg config.BackoffConfig, logger observability.Logger, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsedTime > 0 {
		b.MaxElapsedTime = cfg.MaxElapsedTime
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil {
			logger.Warn("retrying after failure", map[string]interface{}{"op": op, "attempt": attempt, "error": err.Error()})
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Permanent marks err as non-retryable, stopping Retry immediately.
func Permanent(err error) error { return backoff.Permanent(err) }
