package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig bounds SendWithRetry.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

// SendWithRetry calls sendFunc until it succeeds, returns an error wrapped
// with backoff.Permanent, or MaxAttempts calls have failed. Waits grow
// exponentially from Delay up to MaxDelay.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(config.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		return sendFunc(ctx)
	}, b, func(err error, wait time.Duration) {
		zap.L().Named("notification").Debug("Send failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
}
