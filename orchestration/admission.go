package orchestration

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cdgtlmda/SentinelOps-sub002/core"

	"github.com/cdgtlmda/SentinelOps-sub002/telemetry"
)

// Admission enforces the global concurrency cap. Detections beyond the
// cap wait on a bounded FIFO backlog; detections beyond the backlog are
// rejected with core.ErrQueueFull and dead-lettered by the dispatcher.
type Admission struct {
	mu        sync.Mutex
	active    map[string]struct{}
	backlog   *list.List // of *core.Envelope, strict FIFO by receive time
	maxActive int
	maxQueue  int
	metrics   core.Metrics
	logger    core.Logger
}

// NewAdmission creates admission control with the given caps.
func NewAdmission(maxActive, maxQueue int, logger core.Logger, metrics core.Metrics) *Admission {
	if maxActive <= 0 {
		maxActive = 10
	}
	if maxQueue <= 0 {
		maxQueue = 100
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("admission")
	}
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	a := &Admission{
		active:    make(map[string]struct{}),
		backlog:   list.New(),
		maxActive: maxActive,
		maxQueue:  maxQueue,
		metrics:   metrics,
		logger:    logger,
	}
	metrics.Gauge(telemetry.MetricAdmissionActive, func() float64 {
		return float64(a.ActiveCount())
	})
	metrics.Gauge(telemetry.MetricAdmissionQueued, func() float64 {
		return float64(a.BacklogDepth())
	})
	return a
}

// Admit decides the fate of a new detection: started immediately,
// enqueued on the backlog, or rejected with core.ErrQueueFull. Duplicate
// admissions of an already-active incident are accepted as no-ops.
func (a *Admission) Admit(env *core.Envelope) (started bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[env.IncidentID]; ok {
		return true, nil
	}
	if len(a.active) < a.maxActive {
		a.active[env.IncidentID] = struct{}{}
		return true, nil
	}
	if a.backlog.Len() >= a.maxQueue {
		a.logger.Warn("Detection rejected, backlog full", map[string]interface{}{
			"operation":   "admission_reject",
			"incident_id": env.IncidentID,
			"backlog":     a.backlog.Len(),
		})
		return false, fmt.Errorf("backlog at %d: %w", a.backlog.Len(), core.ErrQueueFull)
	}
	a.backlog.PushBack(env)
	a.logger.Info("Detection enqueued", map[string]interface{}{
		"operation":   "admission_enqueue",
		"incident_id": env.IncidentID,
		"backlog":     a.backlog.Len(),
	})
	return false, nil
}

// Release retires an active incident and promotes the oldest backlog
// entry, if any. The promoted envelope is returned for the engine to
// start. Releasing an id that holds no slot promotes nothing, so the
// active set can never grow past the cap.
func (a *Admission) Release(incidentID string) *core.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[incidentID]; !ok {
		return nil
	}
	delete(a.active, incidentID)

	front := a.backlog.Front()
	if front == nil {
		return nil
	}
	a.backlog.Remove(front)
	env := front.Value.(*core.Envelope)
	a.active[env.IncidentID] = struct{}{}
	a.logger.Info("Backlog entry promoted", map[string]interface{}{
		"operation":   "admission_promote",
		"incident_id": env.IncidentID,
		"backlog":     a.backlog.Len(),
	})
	return env
}

// IsActive reports whether the incident currently holds an admission slot.
func (a *Admission) IsActive(incidentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[incidentID]
	return ok
}

// ActiveCount reports currently active incidents.
func (a *Admission) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// BacklogDepth reports queued detections.
func (a *Admission) BacklogDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backlog.Len()
}
