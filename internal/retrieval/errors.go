package retrieval

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/strata/internal/series"
)

// RateLimitError is the provider's back-pressure signal. Orchestration
// treats it as a first-class outcome: cool down, invalidate the group's
// batch stamp, and retry the whole group once with cache bypass. It is
// never swallowed; a retry that hits it again surfaces it to the caller.
type RateLimitError struct {
	// RetryAfter is the provider's suggested wait. Zero means the provider
	// gave no hint and the cooldown policy's base delay applies.
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider rate limited (retry after %s)", e.RetryAfter)
	}
	return fmt.Sprintf("provider rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
}

// IsRateLimit reports whether err is, or wraps, a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// PartialBatchError marks a batch group interrupted after some of its rows
// were already persisted. Written counts the rows appended under the
// now-invalidated stamp; they stay in the store (appends are never undone),
// so the recovery path must re-fetch the whole group under a fresh, later
// stamp rather than resume where the group stopped.
type PartialBatchError struct {
	Identity series.Identity
	Written  int
	Cause    error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch for %s interrupted after %d row(s): %v", e.Identity, e.Written, e.Cause)
}

func (e *PartialBatchError) Unwrap() error { return e.Cause }
