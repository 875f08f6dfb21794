// Package reliability provides the retry policies used when talking to the broker.
//
// The connection manager keeps trying to reach the broker forever at a fixed
// pace, so the central policy here is FixedDelay with an unlimited attempt
// count. Errors can opt out of retries by implementing IsRetryable() bool or
// by being wrapped in a RetryableError with Retryable set to false.
//
// Example usage:
//
//	policy := NewFixedDelay(5*time.Minute, Unlimited)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	}, func(attempt int, err error, next time.Duration) {
//	    logger.Warn("dial failed", "attempt", attempt, "error", err)
//	})
package reliability
