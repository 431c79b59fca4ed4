package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/metrics"
)

// caller serializes calls to one device connection and bounds each one by a
// timeout. go2tv calls take no context, so they run in their own goroutine; a
// call that outlives its timeout keeps the lock until it returns.
type caller struct {
	protocol string
	timeout  time.Duration
	lock     chan struct{}
}

func newCaller(protocol string, timeout time.Duration) *caller {
	return &caller{
		protocol: protocol,
		timeout:  timeout,
		lock:     make(chan struct{}, 1),
	}
}

func (c *caller) do(ctx context.Context, op string, fn func() error) error {
	err := c.run(ctx, op, fn)
	metrics.RecordDeviceCall(c.protocol, op, err)
	return err
}

func (c *caller) run(ctx context.Context, op string, fn func() error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case c.lock <- struct{}{}:
	case <-callCtx.Done():
		return c.contextError(ctx, op, callCtx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-c.lock }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return c.classify(op, err)
	case <-callCtx.Done():
		return c.contextError(ctx, op, callCtx.Err())
	}
}

func (c *caller) contextError(parent context.Context, op string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	return &domain.ToolError{
		Code:    "TRANSIENT_NETWORK_ERROR",
		Message: fmt.Sprintf("%s %s timed out after %s", c.protocol, op, c.timeout),
		Kind:    domain.ErrTransientNetwork,
		Details: map[string]any{"operation": op, "cause": err.Error()},
	}
}

func (c *caller) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tErr *domain.ToolError
	if errors.As(err, &tErr) {
		return err
	}
	if isTransientNetworkError(err) {
		return &domain.ToolError{
			Code:    "TRANSIENT_NETWORK_ERROR",
			Message: fmt.Sprintf("%s %s: %v", c.protocol, op, err),
			Kind:    domain.ErrTransientNetwork,
		}
	}
	return &domain.ToolError{
		Code:    "PROTOCOL_ERROR",
		Message: fmt.Sprintf("%s %s: %v", c.protocol, op, err),
		Kind:    err,
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrTransientNetwork) {
		return true
	}
	return isTransientNetworkError(err)
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"network is unreachable",
		"no route to host",
		"tls handshake timeout",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds a retried device operation.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// attempts are used up or ctx ends. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff < policy.BaseBackoff {
		maxBackoff = policy.BaseBackoff
	}

	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(policy.BaseBackoff),
		retry.MaxDelay(maxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug().
				Str(xlog.FieldEvent, "device.retry").
				Str("operation", op).
				Int(xlog.FieldAttempt, int(n)+1).
				Err(err).
				Msg("retrying device operation")
		}),
	)
}
