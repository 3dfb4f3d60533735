package llm

import "time"

// RetryConfig bounds the per-endpoint retry loop. Backoff grows
// geometrically from BackoffBase by BackoffMultiplier up to MaxBackoff; the
// client adds jitter on top of the computed wait.
type RetryConfig struct {
	// MaxAttempts is the attempt cap per endpoint, first try included.
	MaxAttempts int

	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier scales the wait on each subsequent retry.
	BackoffMultiplier float64

	// MaxBackoff caps the wait regardless of attempt count.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the stock retry bounds. Model endpoints recover
// from brief overload within a few seconds; anything longer is better spent
// on the next endpoint in the fallback chain.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
