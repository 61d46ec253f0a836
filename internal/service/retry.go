package service

import (
	"context"
	"log/slog"

	"github.com/sethvargo/go-retry"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
)

// RetryService wraps phase-execution closures with bounded exponential
// backoff. Only transient-classified failures are retried; validation,
// fatal, budget, and stagnation failures surface immediately.
type RetryService struct {
	cfg config.Retry
	log *slog.Logger
}

// NewRetryService creates a RetryService with the given bounds.
func NewRetryService(cfg config.Retry, log *slog.Logger) *RetryService {
	return &RetryService{cfg: cfg, log: log}
}

// OnRetryFunc observes each retry attempt.
type OnRetryFunc func(attempt int, err error)

// Do runs fn, retrying transient failures up to the configured maximum. The
// onRetry callback fires before each re-attempt; it may be nil.
func (s *RetryService) Do(ctx context.Context, label string, onRetry OnRetryFunc, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(s.cfg.InitialDelay)
	backoff = retry.WithCappedDuration(s.cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !fcerr.IsTransient(err) {
			return err
		}
		if attempt < s.cfg.MaxAttempts {
			s.log.Warn("transient failure, retrying",
				"label", label, "attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "error", err)
			if onRetry != nil {
				onRetry(attempt, err)
			}
		}
		return retry.RetryableError(err)
	})
}
