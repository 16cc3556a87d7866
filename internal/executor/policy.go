package executor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RetryPolicy bounds how often one step is attempted.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt, so 4 means three retries
	MaxAttempts int

	// BaseDelay is the wait before attempt 2; each later wait doubles
	BaseDelay time.Duration
}

// DefaultRetryPolicy waits 2s, 4s and 8s before attempts 2, 3 and 4.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 2 * time.Second}

// Delay returns the wait before attempt n (1-based). The first attempt
// starts immediately.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return p.BaseDelay << (n - 2)
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var tenThousand = decimal.NewFromInt(10000)

// slippageFloor is the least output a quote may promise for the tolerance.
func slippageFloor(amountOut decimal.Decimal, slippageBps int) decimal.Decimal {
	return amountOut.Mul(tenThousand.Sub(decimal.NewFromInt(int64(slippageBps)))).Div(tenThousand)
}
