/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"
)

// Rate describes the frequency of requests: at most Count requests per Duration-long window.
type Rate struct {
	Count    int
	Duration time.Duration
}

// Decision is the outcome of a single rate limit check.
type Decision struct {
	// Allowed reports whether the request fits into the current window.
	Allowed bool

	// Limit is the configured maximum number of requests per window.
	Limit int

	// Remaining is the quota left in the current window. It is 0 when the request is rejected.
	Remaining int

	// ResetAt is the moment the current window ends and the count resets.
	ResetAt time.Time

	// RetryAfter is a hint for the client on when to retry.
	// It is non-zero only when the request is rejected and is rounded up to a whole second.
	RetryAfter time.Duration
}

// Limiter interface defines the rate limiting contract.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}
