package cm

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
	eventsProcessed  *prometheus.CounterVec
	eventFetchErrors *prometheus.CounterVec
	contextsCreated  *prometheus.CounterVec
	contextsFailed   *prometheus.CounterVec
	qpnAllocated     *prometheus.CounterVec
	qpnReleased      *prometheus.CounterVec
	qpnFailed        *prometheus.CounterVec
	endpointsDone    *prometheus.CounterVec
}

var (
	eventLabelKeys         = []string{labelEvent}
	fetchErrorLabelKeys    = []string{}
	contextLabelKeys       = []string{labelDevice, labelMode}
	contextFailedLabelKeys = []string{labelDevice, labelStatus}
	qpnLabelKeys           = []string{labelDevice}
	endpointLabelKeys      = []string{labelRole, labelOutcome}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Registering twice against the same registerer reuses the existing
// collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		eventsProcessed:  counter("rdmacm_events_processed_total", "Number of connection manager events processed", eventLabelKeys),
		eventFetchErrors: counter("rdmacm_event_fetch_errors_total", "Number of failed event channel reads", fetchErrorLabelKeys),
		contextsCreated:  counter("rdmacm_device_contexts_created_total", "Number of device contexts created", contextLabelKeys),
		contextsFailed:   counter("rdmacm_device_context_failures_total", "Number of device context creation failures", contextFailedLabelKeys),
		qpnAllocated:     counter("rdmacm_reserved_qpn_blocks_allocated_total", "Number of reserved QPN blocks allocated", qpnLabelKeys),
		qpnReleased:      counter("rdmacm_reserved_qpn_blocks_released_total", "Number of reserved QPN blocks released", qpnLabelKeys),
		qpnFailed:        counter("rdmacm_reserved_qpn_block_failures_total", "Number of failed reserved QPN block allocations", qpnLabelKeys),
		endpointsDone:    counter("rdmacm_endpoint_completions_total", "Number of endpoints that reached a terminal callback", endpointLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.eventsProcessed,
		&p.eventFetchErrors,
		&p.contextsCreated,
		&p.contextsFailed,
		&p.qpnAllocated,
		&p.qpnReleased,
		&p.qpnFailed,
		&p.endpointsDone,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) EventProcessed(attrs map[string]string) {
	p.eventsProcessed.With(labels(attrs, eventLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) EventFetchFailed(_ error, attrs map[string]string) {
	p.eventFetchErrors.With(labels(attrs, fetchErrorLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DeviceContextCreated(attrs map[string]string) {
	p.contextsCreated.With(labels(attrs, contextLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DeviceContextFailed(_ error, attrs map[string]string) {
	p.contextsFailed.With(labels(attrs, contextFailedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReservedQPNAllocated(attrs map[string]string) {
	p.qpnAllocated.With(labels(attrs, qpnLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReservedQPNReleased(attrs map[string]string) {
	p.qpnReleased.With(labels(attrs, qpnLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReservedQPNFailed(_ error, attrs map[string]string) {
	p.qpnFailed.With(labels(attrs, qpnLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) EndpointCompleted(attrs map[string]string) {
	p.endpointsDone.With(labels(attrs, endpointLabelKeys...)).Inc()
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
