package cm

import "fmt"

// MetricHook captures connection manager telemetry.
type MetricHook interface {
	EventProcessed(attrs map[string]string)
	EventFetchFailed(err error, attrs map[string]string)
	DeviceContextCreated(attrs map[string]string)
	DeviceContextFailed(err error, attrs map[string]string)
	ReservedQPNAllocated(attrs map[string]string)
	ReservedQPNReleased(attrs map[string]string)
	ReservedQPNFailed(err error, attrs map[string]string)
	EndpointCompleted(attrs map[string]string)
}

const (
	labelEvent   = "cm_event"
	labelDevice  = "device"
	labelMode    = "mode"
	labelStatus  = "status"
	labelRole    = "role"
	labelOutcome = "outcome"
)

const (
	modeReservedQPN = "reserved_qpn"
	modeDummyQP     = "dummy_qp"
)

func statusLabel(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in_progress"
	case StatusIOError:
		return "io_error"
	case StatusNoMemory:
		return "no_memory"
	case StatusInvalidParam:
		return "invalid_param"
	case StatusUnreachable:
		return "unreachable"
	case StatusUnsupported:
		return "unsupported"
	case StatusRejected:
		return "rejected"
	case StatusNotConnected:
		return "not_connected"
	case StatusConnectionReset:
		return "connection_reset"
	default:
		return "unknown"
	}
}

func metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (m *Manager) metricEventProcessed(fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.EventProcessed(metricAttrs(fields...))
}

func (m *Manager) metricEventFetchFailed(err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.EventFetchFailed(err, metricAttrs())
}

func (m *Manager) metricDeviceContextCreated(fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.DeviceContextCreated(metricAttrs(fields...))
}

func (m *Manager) metricDeviceContextFailed(err error, fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.DeviceContextFailed(err, metricAttrs(fields...))
}

func (m *Manager) metricReservedQPNAllocated(fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.ReservedQPNAllocated(metricAttrs(fields...))
}

func (m *Manager) metricReservedQPNReleased(fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.ReservedQPNReleased(metricAttrs(fields...))
}

func (m *Manager) metricReservedQPNFailed(err error, fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.ReservedQPNFailed(err, metricAttrs(fields...))
}

func (m *Manager) metricEndpointCompleted(fields ...logField) {
	if m.metrics == nil {
		return
	}
	m.metrics.EndpointCompleted(metricAttrs(fields...))
}
