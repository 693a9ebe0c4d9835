package handler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

// Dispatcher is the part of the message bus the boundary needs.
type Dispatcher interface {
	Handle(ctx context.Context, msg domain.Message) (any, error)
}

type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
}

// dispatch sends msg, retrying while commits lose optimistic-lock races.
func dispatch(ctx context.Context, d Dispatcher, policy RetryPolicy, msg domain.Message) (any, error) {
	expo := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		expo.InitialInterval = policy.InitialInterval
	}
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (any, error) {
		result, err := d.Handle(ctx, msg)
		if err != nil && !errors.Is(err, port.ErrConcurrencyConflict) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(attempts))
}
