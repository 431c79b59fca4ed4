package monitor

import (
	"context"
	"errors"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

// retryRestart retries a corrective restart with exponential backoff. Unlike
// device.Retry it also retries protocol and binding failures: the device may
// simply still be rebooting.
func retryRestart(ctx context.Context, policy device.RetryPolicy, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	maxBackoff := policy.MaxBackoff
	if maxBackoff < policy.BaseBackoff {
		maxBackoff = policy.BaseBackoff
	}
	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(max(policy.Attempts, 1))),
		retry.Delay(policy.BaseBackoff),
		retry.MaxDelay(maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(restartRetryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).
				Str(xlog.FieldEvent, "monitor.restart_retry").
				Int(xlog.FieldAttempt, int(n)+1).
				Msg("corrective restart failed")
		}),
	)
}

func restartRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrSuperseded), errors.Is(err, domain.ErrShuttingDown):
		return false
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnsupportedProtocol):
		return false
	}
	return true
}
