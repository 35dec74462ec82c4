package metrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	workerStarted     *prometheus.CounterVec
	workerStopped     *prometheus.CounterVec
	progressErrors    *prometheus.CounterVec
	transferCompleted *prometheus.CounterVec
	transferFailed    *prometheus.CounterVec
	bytesMoved        *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		workerStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_worker_started_total",
			Help:        "Number of times a bgwork worker goroutine started",
			ConstLabels: opts.ConstLabels,
		}, workerLabelKeys),
		workerStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_worker_stopped_total",
			Help:        "Number of times a bgwork worker goroutine stopped",
			ConstLabels: opts.ConstLabels,
		}, workerLabelKeys),
		progressErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_progress_errors_total",
			Help:        "Number of non-ErrNoWork errors returned from progress_xd",
			ConstLabels: opts.ConstLabels,
		}, progressErrorLabelKeys),
		transferCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_transfer_completed_total",
			Help:        "Number of descriptors that reached transfer_completed",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		transferFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_transfer_failed_total",
			Help:        "Number of descriptors that failed before completion",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		bytesMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "xferdes_bytes_moved_total",
			Help:        "Total bytes copied by a channel",
			ConstLabels: opts.ConstLabels,
		}, workerLabelKeys),
	}

	var err error
	if p.workerStarted, err = registerCounterVec(reg, p.workerStarted); err != nil {
		return nil, err
	}
	if p.workerStopped, err = registerCounterVec(reg, p.workerStopped); err != nil {
		return nil, err
	}
	if p.progressErrors, err = registerCounterVec(reg, p.progressErrors); err != nil {
		return nil, err
	}
	if p.transferCompleted, err = registerCounterVec(reg, p.transferCompleted); err != nil {
		return nil, err
	}
	if p.transferFailed, err = registerCounterVec(reg, p.transferFailed); err != nil {
		return nil, err
	}
	if p.bytesMoved, err = registerCounterVec(reg, p.bytesMoved); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	workerLabelKeys        = []string{labelChannel, labelGUID}
	progressErrorLabelKeys = []string{labelChannel, labelGUID, labelKind}
	completionLabelKeys    = []string{labelChannel, labelGUID, labelOperation, labelStatus}
)

func (p *PrometheusMetrics) WorkerStarted(attrs map[string]string) {
	p.workerStarted.With(labels(attrs, workerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WorkerStopped(attrs map[string]string) {
	p.workerStopped.With(labels(attrs, workerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, progressErrorLabelKeys...)
	labs[labelKind] = kind
	p.progressErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) TransferCompleted(attrs map[string]string) {
	p.transferCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TransferFailed(_ error, attrs map[string]string) {
	p.transferFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BytesMoved(n int64, attrs map[string]string) {
	p.bytesMoved.With(labels(attrs, workerLabelKeys...)).Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
