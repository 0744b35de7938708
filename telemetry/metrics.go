// Package telemetry provides the OpenTelemetry-backed metrics sink for the
// orchestrator. Instruments are created lazily and cached so hot paths pay
// only a read-locked map lookup.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Registration
	mu         sync.RWMutex
}

// NewMetricInstruments creates a new metrics instrument cache
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Registration),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies)
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge backed by a callback
func (m *MetricInstruments) RegisterGauge(name string, observe func() float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}

	registration, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, observe())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = registration
	return nil
}

// Shutdown unregisters all gauge callbacks
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, registration := range m.gauges {
		if err := registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister gauge %s: %w", name, err))
		}
	}
	m.gauges = make(map[string]metric.Registration)

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// labelsToAttributes converts a label map to OTel attributes.
func labelsToAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Orchestrator metric name constants
const (
	// Admission metrics
	MetricAdmissionActive   = "orchestrator.admission.active"
	MetricAdmissionQueued   = "orchestrator.admission.queued"
	MetricAdmissionRejected = "admission_rejected_total"

	// Workflow metrics
	MetricWorkflowStarted     = "orchestrator.workflow.started"
	MetricWorkflowCompleted   = "orchestrator.workflow.completed"
	MetricWorkflowDuration    = "orchestrator.workflow.duration_ms"
	MetricWorkflowTransitions = "orchestrator.workflow.transitions"
	MetricWorkflowRetries     = "orchestrator.workflow.retries"

	// Dispatcher metrics
	MetricDispatchReceived   = "orchestrator.dispatch.received"
	MetricDispatchDeadLetter = "orchestrator.dispatch.dead_letter"
	MetricDispatchDuplicate  = "orchestrator.dispatch.duplicate"

	// Approval metrics
	MetricApprovalAuto     = "orchestrator.approval.auto"
	MetricApprovalDeferred = "orchestrator.approval.deferred"

	// Cache metrics
	MetricCacheHits    = "orchestrator.cache.hits"
	MetricCacheMisses  = "orchestrator.cache.misses"
	MetricCacheSize    = "orchestrator.cache.size"
	MetricCacheHitRate = "orchestrator.cache.hit_rate"

	// Batcher metrics
	MetricBatcherFlushes   = "orchestrator.batcher.flushes"
	MetricBatcherBatchSize = "orchestrator.batcher.batch_size"

	// Circuit breaker metrics
	MetricCircuitSuccess  = "orchestrator.circuit.success"
	MetricCircuitFailure  = "orchestrator.circuit.failure"
	MetricCircuitRejected = "orchestrator.circuit.rejected"
	MetricCircuitState    = "orchestrator.circuit.state_changes"

	// Audit metrics
	MetricAuditEntries  = "orchestrator.audit.entries"
	MetricAuditFailures = "orchestrator.audit.failures"

	// Rate limiter metrics
	MetricRateLimited = "orchestrator.ratelimit.limited"
)
