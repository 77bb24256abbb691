// internal/github/retry.go
package github

import (
	"time"

	apperrors "gitpulse/internal/errors"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
)

// retryPolicy bounds retries of rate-limited and transient remote calls.
// maxAttempts counts total call attempts, not re-attempts.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

func (p retryPolicy) newState() *retryState {
	return &retryState{policy: p}
}

// retryState tracks the attempts made for one resource.
type retryState struct {
	policy  retryPolicy
	attempt int
}

// next records that an attempt failed with err and reports whether another
// attempt is allowed and how long to wait first. A rate-limit retry-after
// hint from the source overrides the exponential backoff delay.
func (s *retryState) next(err error) (time.Duration, bool) {
	s.attempt++
	if !apperrors.IsRetryable(err) || s.attempt >= s.policy.maxAttempts {
		return 0, false
	}
	delay := s.policy.baseDelay << (s.attempt - 1)
	if hint := apperrors.RetryAfterHint(err); hint > 0 {
		delay = hint
	}
	return delay, true
}
