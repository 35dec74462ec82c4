// Package metrics defines the MetricHook interface the engine emits
// transfer/channel telemetry through, plus OpenTelemetry and Prometheus
// implementations, grounded line-for-line on the teacher's
// client/metrics_otel.go and client/metrics_prometheus.go — retargeted
// from send/receive dispatcher counters to transfer-descriptor and
// channel counters.
package metrics

// MetricHook captures engine telemetry events. Attrs carries label values
// keyed by the label* constants below; callers that don't populate a key
// get its zero value ("").
type MetricHook interface {
	// WorkerStarted/WorkerStopped record a bgwork.Pool worker goroutine's
	// lifecycle for a given channel.
	WorkerStarted(attrs map[string]string)
	WorkerStopped(attrs map[string]string)
	// ProgressError counts a non-ErrNoWork error returned from
	// progress_xd.
	ProgressError(kind string, err error, attrs map[string]string)
	// TransferCompleted/TransferFailed record a descriptor's terminal
	// state.
	TransferCompleted(attrs map[string]string)
	TransferFailed(err error, attrs map[string]string)
	// BytesMoved accumulates bytes actually copied by a channel.
	BytesMoved(n int64, attrs map[string]string)
}

const (
	labelChannel   = "channel"
	labelGUID      = "guid"
	labelKind      = "kind"
	labelStatus    = "status"
	labelOperation = "operation"
)
