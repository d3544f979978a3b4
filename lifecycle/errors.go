package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches any *RateLimitError.
var ErrRateLimited = errors.New(`lifecycle: rate limited`)

// RateLimitError is returned by Registry.Open, if the requester has opened
// too many requests recently.
type RateLimitError struct {
	Requester any
	// Next is the earliest time the requester may open another request.
	Next time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf(`lifecycle: rate limited: %v: retry after %s`, e.Requester, e.Next.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns the time remaining until Next, relative to now.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	return max(e.Next.Sub(now), 0)
}
