package transport

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// NewBackOff builds the dial retry schedule bound to ctx.
func (b BackoffConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.InitialDelay
	exp.Multiplier = b.Multiplier
	exp.MaxInterval = b.MaxDelay
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0
	if b.Jitter {
		exp.RandomizationFactor = 0.5
	}
	exp.Reset()

	var out backoff.BackOff = exp
	if b.MaxAttempts > 0 {
		out = backoff.WithMaxRetries(out, uint64(b.MaxAttempts-1))
	}
	return backoff.WithContext(out, ctx)
}
