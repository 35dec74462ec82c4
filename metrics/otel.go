package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	workerStarted     metric.Int64Counter
	workerStopped     metric.Int64Counter
	progressErrors    metric.Int64Counter
	transferCompleted metric.Int64Counter
	transferFailed    metric.Int64Counter
	bytesMoved        metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/xferdes-go/engine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	workerStarted, err := meter.Int64Counter("xferdes.worker.started")
	if err != nil {
		return nil, err
	}
	workerStopped, err := meter.Int64Counter("xferdes.worker.stopped")
	if err != nil {
		return nil, err
	}
	progressErrors, err := meter.Int64Counter("xferdes.progress.errors")
	if err != nil {
		return nil, err
	}
	transferCompleted, err := meter.Int64Counter("xferdes.transfer.completed")
	if err != nil {
		return nil, err
	}
	transferFailed, err := meter.Int64Counter("xferdes.transfer.failed")
	if err != nil {
		return nil, err
	}
	bytesMoved, err := meter.Int64Counter("xferdes.bytes.moved")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		workerStarted:     workerStarted,
		workerStopped:     workerStopped,
		progressErrors:    progressErrors,
		transferCompleted: transferCompleted,
		transferFailed:    transferFailed,
		bytesMoved:        bytesMoved,
	}, nil
}

func (o *OTelMetrics) WorkerStarted(attrs map[string]string) {
	o.workerStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) WorkerStopped(attrs map[string]string) {
	o.workerStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.progressErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTelMetrics) TransferCompleted(attrs map[string]string) {
	o.transferCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) TransferFailed(_ error, attrs map[string]string) {
	o.transferFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) BytesMoved(n int64, attrs map[string]string) {
	o.bytesMoved.Add(context.Background(), n, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelChannel, attrs[labelChannel]),
	}
	if v := attrs[labelGUID]; v != "" {
		kvs = append(kvs, attribute.String(labelGUID, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
