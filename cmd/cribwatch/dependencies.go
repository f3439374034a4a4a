package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// waitForDependency retries connect until it succeeds, ctx ends or maxWait
// elapses. MinIO and Postgres often come up after this process in compose
// deployments.
func waitForDependency[T any](ctx context.Context, logger *zap.Logger, name string, maxWait time.Duration, connect func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	var result T
	op := func() error {
		v, err := connect()
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Dependency not ready, retrying",
			zap.String("dependency", name),
			zap.Duration("next", next),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return result, fmt.Errorf("%s not available after %s: %w", name, maxWait, err)
	}
	logger.Info("Dependency ready", zap.String("dependency", name))
	return result, nil
}
