package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters. Several
// clients may share one registry; counters already registered under the same
// name are reused.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherCQError *prometheus.CounterVec
	sendCompleted     *prometheus.CounterVec
	sendFailed        *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	receiveFailed     *prometheus.CounterVec
}

var (
	dispatcherLabelKeys = []string{labelEndpointType, labelProvider, labelFabric}
	cqErrorLabelKeys    = append(dispatcherLabelKeys[:len(dispatcherLabelKeys):len(dispatcherLabelKeys)], labelKind)
	completionLabelKeys = append(dispatcherLabelKeys[:len(dispatcherLabelKeys):len(dispatcherLabelKeys)], labelOperation, labelStatus)
	failureLabelKeys    = append(dispatcherLabelKeys[:len(dispatcherLabelKeys):len(dispatcherLabelKeys)], labelOperation)
)

type counterSpec struct {
	target **prometheus.CounterVec
	name   string
	help   string
	labels []string
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{}
	specs := []counterSpec{
		{&p.dispatcherStarted, "tagfabric_client_dispatcher_started_total", "Number of times the dispatcher loop started", dispatcherLabelKeys},
		{&p.dispatcherStopped, "tagfabric_client_dispatcher_stopped_total", "Number of times the dispatcher loop stopped", dispatcherLabelKeys},
		{&p.dispatcherCQError, "tagfabric_client_dispatcher_cq_errors_total", "Completion queue read failures seen by the dispatcher", cqErrorLabelKeys},
		{&p.sendCompleted, "tagfabric_client_send_completed_total", "Tagged sends that completed successfully", completionLabelKeys},
		{&p.sendFailed, "tagfabric_client_send_failed_total", "Tagged sends that completed with an error", failureLabelKeys},
		{&p.receiveCompleted, "tagfabric_client_receive_completed_total", "Tagged receives that matched a message", completionLabelKeys},
		{&p.receiveFailed, "tagfabric_client_receive_failed_total", "Tagged receives that completed with an error", failureLabelKeys},
	}
	for _, spec := range specs {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        spec.name,
			Help:        spec.help,
			ConstLabels: opts.ConstLabels,
		}, spec.labels)
		registered, err := registerCounterVec(reg, vec)
		if err != nil {
			return nil, err
		}
		*spec.target = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, cqErrorLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherCQError.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := reg.Register(vec)
	if err == nil {
		return vec, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing, nil
		}
	}
	return nil, err
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
