package sagaorch

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultBaseDelay               = 100 * time.Millisecond
	DefaultMaxDelay                = 10 * time.Second
	DefaultCompensationMaxAttempts = 3
)

// RetryPolicy shapes the delay between attempts of one invocation: the
// n-th retry waits BaseDelay × 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// CompensationMaxAttempts bounds the attempts of a compensation before
	// the saga is parked as FAILED_NEEDS_MANUAL.
	CompensationMaxAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:               DefaultBaseDelay,
		MaxDelay:                DefaultMaxDelay,
		CompensationMaxAttempts: DefaultCompensationMaxAttempts,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.CompensationMaxAttempts <= 0 {
		p.CompensationMaxAttempts = d.CompensationMaxAttempts
	}
	return p
}

// backoff returns a backoff allowing maxAttempts attempts in total.
func (p RetryPolicy) backoff(maxAttempts int) retry.Backoff {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}
