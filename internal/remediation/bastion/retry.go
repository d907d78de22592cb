package bastion

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
	defaultMaxDelay    = 30 * time.Second
)

// retryPolicy bounds the retries of one cloud call. Only transient errors
// are retried; a throttling error waits for its Retry-After hint.
type retryPolicy struct {
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
}

func policyFrom(p remediation.Params) retryPolicy {
	attempts := p.Int("max_attempts", defaultMaxAttempts)
	if attempts < 1 {
		attempts = 1
	}
	return retryPolicy{
		attempts: uint(attempts),
		delay:    p.Duration("retry_delay", defaultRetryDelay),
		maxDelay: p.Duration("max_retry_delay", defaultMaxDelay),
	}
}

// do runs op until it succeeds, fails permanently, or attempts run out, and
// reports how many attempts were made.
func (rp retryPolicy) do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(rp.attempts),
		retry.Delay(rp.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(cloud.IsTransient),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			d, ok := cloud.RetryAfter(err)
			if !ok {
				d = retry.BackOffDelay(n, err, config)
			}
			if rp.maxDelay > 0 && d > rp.maxDelay {
				d = rp.maxDelay
			}
			return d
		}),
	).Do(func() error {
		attempts++
		return op(ctx)
	})
	return attempts, err
}
