// Package prometheus provides the Prometheus-backed implementation of
// the metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AdaptorCollector implements metrics.AdaptorMetrics on a Prometheus
// registry.
type AdaptorCollector struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	requests            *prometheus.CounterVec
	unknownRequests     prometheus.Counter
	packetsSent         prometheus.Counter
	packetBytes         prometheus.Counter
	unauthorized        prometheus.Counter
	watchdogTimeouts    prometheus.Counter
	imageLoads          *prometheus.CounterVec
}

// NewAdaptorCollector registers the adaptor metrics on reg (the
// default registerer when nil) and returns the collector.
func NewAdaptorCollector(reg prometheus.Registerer) *AdaptorCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &AdaptorCollector{
		connectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "connections_accepted_total",
			Help:      "Sessions accepted, by connection kind.",
		}, []string{"kind"}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "connections_closed_total",
			Help:      "Sessions ended, by connection kind.",
		}, []string{"kind"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nabud",
			Name:      "connections_active",
			Help:      "Live sessions.",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "requests_total",
			Help:      "Classic requests dispatched, by handler.",
		}, []string{"handler"}),
		unknownRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "requests_unknown_total",
			Help:      "Request opcodes no handler claimed.",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "packets_sent_total",
			Help:      "Framed packets written to the wire.",
		}),
		packetBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "packet_bytes_total",
			Help:      "Escaped packet bytes written to the wire.",
		}),
		unauthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "unauthorized_total",
			Help:      "UNAUTHORIZED replies sent.",
		}),
		watchdogTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "watchdog_timeouts_total",
			Help:      "Requests abandoned by the 10s watchdog.",
		}),
		imageLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabud",
			Name:      "image_loads_total",
			Help:      "Image load attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

func (c *AdaptorCollector) RecordConnectionAccepted(kind string) {
	c.connectionsAccepted.WithLabelValues(kind).Inc()
}

func (c *AdaptorCollector) RecordConnectionClosed(kind string) {
	c.connectionsClosed.WithLabelValues(kind).Inc()
}

func (c *AdaptorCollector) SetActiveConnections(n int) {
	c.activeConnections.Set(float64(n))
}

func (c *AdaptorCollector) RecordRequest(name string) {
	c.requests.WithLabelValues(name).Inc()
}

func (c *AdaptorCollector) RecordUnknownRequest() {
	c.unknownRequests.Inc()
}

func (c *AdaptorCollector) RecordPacketSent(bytes int) {
	c.packetsSent.Inc()
	c.packetBytes.Add(float64(bytes))
}

func (c *AdaptorCollector) RecordUnauthorized() {
	c.unauthorized.Inc()
}

func (c *AdaptorCollector) RecordWatchdogTimeout() {
	c.watchdogTimeouts.Inc()
}

func (c *AdaptorCollector) RecordImageLoad(outcome string) {
	c.imageLoads.WithLabelValues(outcome).Inc()
}
