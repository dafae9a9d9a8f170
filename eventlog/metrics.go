package eventlog

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects client metrics
type MetricsCollector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionError(err error)

	// Link metrics
	LinkOpened()
	LinkError(err error)

	// Management metrics
	ManagementRequest()
	ManagementTimeout()
	// ManagementResponseDropped counts responses that arrived after their
	// request had already been failed by the client-side timeout.
	ManagementResponseDropped()

	// Receive metrics
	EventsReceived(partitionID string, n int)
	PumpError(partitionID string, err error)
}

// StandardMetricsCollector keeps counters in memory
type StandardMetricsCollector struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	connectionErrors  atomic.Int64

	linksOpened atomic.Int64
	linkErrors  atomic.Int64

	managementRequests         atomic.Int64
	managementTimeouts         atomic.Int64
	managementResponsesDropped atomic.Int64

	eventsReceived atomic.Int64
	pumpErrors     atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) ConnectionOpened()         { m.connectionsOpened.Add(1) }
func (m *StandardMetricsCollector) ConnectionClosed()         { m.connectionsClosed.Add(1) }
func (m *StandardMetricsCollector) ConnectionError(err error) { m.connectionErrors.Add(1) }
func (m *StandardMetricsCollector) LinkOpened()               { m.linksOpened.Add(1) }
func (m *StandardMetricsCollector) LinkError(err error)       { m.linkErrors.Add(1) }
func (m *StandardMetricsCollector) ManagementRequest()        { m.managementRequests.Add(1) }
func (m *StandardMetricsCollector) ManagementTimeout()        { m.managementTimeouts.Add(1) }
func (m *StandardMetricsCollector) ManagementResponseDropped() {
	m.managementResponsesDropped.Add(1)
}

func (m *StandardMetricsCollector) EventsReceived(partitionID string, n int) {
	m.eventsReceived.Add(int64(n))
}

func (m *StandardMetricsCollector) PumpError(partitionID string, err error) {
	m.pumpErrors.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsOpened() int64 { return m.connectionsOpened.Load() }
func (m *StandardMetricsCollector) GetConnectionsClosed() int64 { return m.connectionsClosed.Load() }
func (m *StandardMetricsCollector) GetConnectionErrors() int64  { return m.connectionErrors.Load() }
func (m *StandardMetricsCollector) GetLinksOpened() int64       { return m.linksOpened.Load() }
func (m *StandardMetricsCollector) GetLinkErrors() int64        { return m.linkErrors.Load() }
func (m *StandardMetricsCollector) GetManagementRequests() int64 {
	return m.managementRequests.Load()
}
func (m *StandardMetricsCollector) GetManagementTimeouts() int64 {
	return m.managementTimeouts.Load()
}
func (m *StandardMetricsCollector) GetManagementResponsesDropped() int64 {
	return m.managementResponsesDropped.Load()
}
func (m *StandardMetricsCollector) GetEventsReceived() int64 { return m.eventsReceived.Load() }
func (m *StandardMetricsCollector) GetPumpErrors() int64     { return m.pumpErrors.Load() }

// PrometheusMetricsCollector exports counters to a Prometheus registry
type PrometheusMetricsCollector struct {
	connections *prometheus.CounterVec
	links       *prometheus.CounterVec
	management  *prometheus.CounterVec
	events      *prometheus.CounterVec
	pumpErrors  *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates the collector's counters and
// registers them with reg.
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "events_total",
			Help:      "Connection lifecycle events by kind.",
		}, []string{"event"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "events_total",
			Help:      "Link lifecycle events by kind.",
		}, []string{"event"}),
		management: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "management",
			Name:      "requests_total",
			Help:      "Management requests by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "events_total",
			Help:      "Events handed to receive handlers.",
		}, []string{"partition"}),
		pumpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receive",
			Name:      "pump_errors_total",
			Help:      "Receive pumps terminated by an error.",
		}, []string{"partition"}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.links, m.management, m.events, m.pumpErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionOpened() {
	m.connections.WithLabelValues("opened").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionError(err error) {
	m.connections.WithLabelValues("error").Inc()
}

func (m *PrometheusMetricsCollector) LinkOpened() {
	m.links.WithLabelValues("opened").Inc()
}

func (m *PrometheusMetricsCollector) LinkError(err error) {
	m.links.WithLabelValues("error").Inc()
}

func (m *PrometheusMetricsCollector) ManagementRequest() {
	m.management.WithLabelValues("sent").Inc()
}

func (m *PrometheusMetricsCollector) ManagementTimeout() {
	m.management.WithLabelValues("timeout").Inc()
}

func (m *PrometheusMetricsCollector) ManagementResponseDropped() {
	m.management.WithLabelValues("late_dropped").Inc()
}

func (m *PrometheusMetricsCollector) EventsReceived(partitionID string, n int) {
	m.events.WithLabelValues(partitionID).Add(float64(n))
}

func (m *PrometheusMetricsCollector) PumpError(partitionID string, err error) {
	m.pumpErrors.WithLabelValues(partitionID).Inc()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionOpened()                        {}
func (n *NoOpMetricsCollector) ConnectionClosed()                        {}
func (n *NoOpMetricsCollector) ConnectionError(err error)                {}
func (n *NoOpMetricsCollector) LinkOpened()                              {}
func (n *NoOpMetricsCollector) LinkError(err error)                      {}
func (n *NoOpMetricsCollector) ManagementRequest()                       {}
func (n *NoOpMetricsCollector) ManagementTimeout()                       {}
func (n *NoOpMetricsCollector) ManagementResponseDropped()               {}
func (n *NoOpMetricsCollector) EventsReceived(partitionID string, count int) {}
func (n *NoOpMetricsCollector) PumpError(partitionID string, err error)  {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}
