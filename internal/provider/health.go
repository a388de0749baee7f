package provider

import (
	"sync"
	"time"
)

const (
	failureThreshold = 3
	failureCooldown  = time.Minute
)

// failureTracker marks a remote backend unhealthy after consecutive failures
// until a cooldown has elapsed since the last one.
type failureTracker struct {
	mu          sync.Mutex
	consecutive int
	lastFailure time.Time
	lastError   string
	now         func() time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{now: time.Now}
}

func (t *failureTracker) success() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
	t.lastError = ""
}

func (t *failureTracker) failure(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	t.lastFailure = t.now()
	t.lastError = msg
}

func (t *failureTracker) health(configured bool, missing string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := Health{Configured: configured, CheckedAt: t.now().UTC()}
	if !configured {
		h.Message = missing
		return h
	}
	if t.consecutive >= failureThreshold && t.now().Sub(t.lastFailure) < failureCooldown {
		h.Message = "recent failures: " + t.lastError
		return h
	}
	h.Healthy = true
	return h
}
