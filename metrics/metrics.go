// Package metrics keeps Prometheus instruments on private registry.
// All methods are safe on nil *Metrics, so metrics may be disabled in config.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "maixbridge"

const (
	DirRecv = "recv"
	DirSend = "send"
)

type Metrics struct {
	reg *prometheus.Registry

	DeviceConnected    prometheus.Gauge
	DeviceReplacements prometheus.Counter
	Frames             *prometheus.CounterVec
	ProtocolErrors     prometheus.Counter
	Broadcasts         *prometheus.CounterVec
	BroadcastDrops     prometheus.Counter
	Subscribers        prometheus.Gauge
	QueueLength        prometheus.Gauge
	Records            *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		DeviceConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when device session is active",
		}),
		DeviceReplacements: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_replacements_total",
			Help:      "Device sessions superseded by new connection",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Device link frames by direction and type",
		}, []string{"direction", "type"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Device connections dropped on malformed frame",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Events broadcast to browsers",
		}, []string{"event"}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Messages dropped for slow browser subscribers",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected browser subscribers",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "User records waiting for device poll",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "User records by outcome: queued, delivered, undelivered, invalid",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetDeviceConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.DeviceConnected.Set(1)
	} else {
		m.DeviceConnected.Set(0)
	}
}

func (m *Metrics) DeviceReplaced() {
	if m == nil {
		return
	}
	m.DeviceReplacements.Inc()
}

func (m *Metrics) Frame(direction, typ string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) Broadcast(event string, dropped int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(event).Inc()
	m.BroadcastDrops.Add(float64(dropped))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) Record(outcome string) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(outcome).Inc()
}
