package metrics

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{labelChannel: "memcpy", labelGUID: "0:1"}
	m.WorkerStarted(base)
	m.WorkerStopped(base)
	m.ProgressError("io_error", errors.New("boom"), base)

	completionAttrs := map[string]string{
		labelChannel:   "memcpy",
		labelGUID:      "0:1",
		labelOperation: "copy",
		labelStatus:    "ok",
	}
	m.TransferCompleted(completionAttrs)
	m.TransferFailed(errors.New("fail"), completionAttrs)
	m.BytesMoved(4096, base)
	m.BytesMoved(4096, base)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"xferdes.worker.started":     1,
		"xferdes.worker.stopped":     1,
		"xferdes.progress.errors":    1,
		"xferdes.transfer.completed": 1,
		"xferdes.transfer.failed":    1,
		"xferdes.bytes.moved":        8192,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
