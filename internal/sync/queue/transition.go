package queue

import (
	"time"

	"github.com/dlauzon/filmtrack/backend/internal/db"
	"github.com/dlauzon/filmtrack/backend/internal/models"
)

// maxBackoff caps the retry delay at one hour.
const maxBackoff = time.Hour

// retryTransition builds the pure state-transition applied when a
// delivery attempt fails: back to Pending while attempts remain,
// terminally Failed once exhausted. attempts is the claim-incremented
// count, so the max_attempts-th failure is terminal.
func retryTransition(backoffBase time.Duration) db.RetryTransition {
	return func(attempts, maxAttempts int) (models.OperationStatus, int64) {
		now := time.Now().Unix()
		if attempts >= maxAttempts {
			return models.StatusFailed, now
		}
		return models.StatusPending, now + int64(backoffDelay(backoffBase, attempts).Seconds())
	}
}

// backoffDelay computes the delay before the next claim becomes
// possible: base doubled per completed attempt, capped at maxBackoff.
// A zero base disables the delay entirely.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}

	delay := base << uint(attempts-1)
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}
