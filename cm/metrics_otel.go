package cm

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
	meter            metric.Meter
	eventsProcessed  metric.Int64Counter
	eventFetchErrors metric.Int64Counter
	contextsCreated  metric.Int64Counter
	contextsFailed   metric.Int64Counter
	qpnAllocated     metric.Int64Counter
	qpnReleased      metric.Int64Counter
	qpnFailed        metric.Int64Counter
	endpointsDone    metric.Int64Counter
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
			name = "github.com/rocketbitz/rdmacm-go/cm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.eventsProcessed, "rdmacm.events.processed"},
		{&o.eventFetchErrors, "rdmacm.events.fetch_errors"},
		{&o.contextsCreated, "rdmacm.device_contexts.created"},
		{&o.contextsFailed, "rdmacm.device_contexts.failed"},
		{&o.qpnAllocated, "rdmacm.reserved_qpn.allocated"},
		{&o.qpnReleased, "rdmacm.reserved_qpn.released"},
		{&o.qpnFailed, "rdmacm.reserved_qpn.failed"},
		{&o.endpointsDone, "rdmacm.endpoints.completed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// EventProcessed counts one dispatched event.
func (o *OTelMetrics) EventProcessed(attrs map[string]string) {
	o.eventsProcessed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelEvent)...))
}

// EventFetchFailed counts a failed event channel read.
func (o *OTelMetrics) EventFetchFailed(_ error, attrs map[string]string) {
	o.eventFetchErrors.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DeviceContextCreated counts a device context per resource mode.
func (o *OTelMetrics) DeviceContextCreated(attrs map[string]string) {
	o.contextsCreated.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelDevice, labelMode)...))
}

// DeviceContextFailed counts a device context creation failure.
func (o *OTelMetrics) DeviceContextFailed(_ error, attrs map[string]string) {
	o.contextsFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelDevice, labelStatus)...))
}

func (o *OTelMetrics) ReservedQPNAllocated(attrs map[string]string) {
	o.qpnAllocated.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelDevice)...))
}

func (o *OTelMetrics) ReservedQPNReleased(attrs map[string]string) {
	o.qpnReleased.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelDevice)...))
}

func (o *OTelMetrics) ReservedQPNFailed(_ error, attrs map[string]string) {
	o.qpnFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelDevice)...))
}

// EndpointCompleted counts an endpoint terminal outcome per role.
func (o *OTelMetrics) EndpointCompleted(attrs map[string]string) {
	o.endpointsDone.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRole, labelOutcome)...))
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
