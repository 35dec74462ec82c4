package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
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

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"xferdes_worker_started_total":     1,
		"xferdes_worker_stopped_total":     1,
		"xferdes_progress_errors_total":    1,
		"xferdes_transfer_completed_total": 1,
		"xferdes_transfer_failed_total":    1,
		"xferdes_bytes_moved_total":        8192,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
