package reliability

import (
	"time"

	"github.com/aarons-labs/gena-coordinator/internal/protocol"
)

// IsRetryableResultStatus classifies a terminal job result status as
// something the scheduler should retry, up to its retry budget. A
// protocol decode/encode error never reaches this function — those are
// terminal immediately, per the "do not retry a version-skew symptom"
// rule; only a worker-reported failed/timeout result is retryable.
func IsRetryableResultStatus(status protocol.Status) bool {
	switch status {
	case protocol.StatusFailed, protocol.StatusTimeout:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
