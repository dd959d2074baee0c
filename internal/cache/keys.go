package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey counts one user's requests against a named budget during one
// fixed window.
func RateLimitKey(budget string, userID uuid.UUID, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", budget, userID, window)
}

// ReconcileLockKey guards the reconciliation sweep across instances.
func ReconcileLockKey() string {
	return "lock:reconcile"
}

// PushChannel is the pub/sub channel carrying a user's job notifications.
func PushChannel(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s", userID)
}

// PushChannelPattern matches every PushChannel.
const PushChannelPattern = "push:user:*"
