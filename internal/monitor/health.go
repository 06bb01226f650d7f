package monitor

import (
	"sync"
	"time"

	"github.com/form-proctor/backend/internal/ws"
)

// linkHealth tracks consecutive frame-submit failures against the remote
// inference service. A run of failures marks the link degraded, a longer
// run marks it failed; one success resets everything. Fields are guarded
// by mu because the controller loop writes while HTTP handlers may read
// snapshots.
type linkHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastFailAt        time.Time
	lastEmittedStatus ws.ProctorHealthStatus
}

func newLinkHealth() *linkHealth {
	return &linkHealth{lastEmittedStatus: ws.StatusHealthy}
}

func (h *linkHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *linkHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFailAt = time.Now()
}

// statusLocked computes the current status. Caller must hold h.mu.
// Degraded at threshold, failed at twice the threshold.
func (h *linkHealth) statusLocked(threshold int) ws.ProctorHealthStatus {
	if threshold <= 0 {
		threshold = 3
	}
	switch {
	case h.failures >= 2*threshold:
		return ws.StatusFailed
	case h.failures >= threshold:
		return ws.StatusDegraded
	default:
		return ws.StatusHealthy
	}
}

func (h *linkHealth) status(threshold int) ws.ProctorHealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

// snapshotAndEmit returns the current health fields and whether the
// status changed since the last emission, updating the emission marker
// in the same lock acquisition.
func (h *linkHealth) snapshotAndEmit(threshold int) (status ws.ProctorHealthStatus, failures int, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked(threshold)
	changed = status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
	}
	return status, h.failures, h.lastErr, changed
}
