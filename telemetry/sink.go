package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// Sink adapts MetricInstruments to the core.Metrics interface so
// components depend on the small interface, not on OpenTelemetry.
// Instrument creation errors are reported once through the logger and the
// recording is dropped; metrics must never fail a workflow.
type Sink struct {
	instruments *MetricInstruments
	logger      core.Logger
}

// NewSink creates a metrics sink recording through the given instruments.
func NewSink(instruments *MetricInstruments, logger core.Logger) *Sink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("telemetry")
	}
	return &Sink{instruments: instruments, logger: logger}
}

func (s *Sink) Counter(ctx context.Context, name string, value int64, labels map[string]string) {
	err := s.instruments.RecordCounter(ctx, name, value,
		metric.WithAttributes(labelsToAttributes(labels)...))
	if err != nil {
		s.logger.Warn("Dropping counter recording", map[string]interface{}{
			"operation": "metrics_record",
			"metric":    name,
			"error":     err.Error(),
		})
	}
}

func (s *Sink) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
	err := s.instruments.RecordHistogram(ctx, name, value,
		metric.WithAttributes(labelsToAttributes(labels)...))
	if err != nil {
		s.logger.Warn("Dropping histogram recording", map[string]interface{}{
			"operation": "metrics_record",
			"metric":    name,
			"error":     err.Error(),
		})
	}
}

func (s *Sink) Gauge(name string, observe func() float64) {
	if err := s.instruments.RegisterGauge(name, observe); err != nil {
		s.logger.Warn("Dropping gauge registration", map[string]interface{}{
			"operation": "metrics_register",
			"metric":    name,
			"error":     err.Error(),
		})
	}
}

var _ core.Metrics = (*Sink)(nil)
