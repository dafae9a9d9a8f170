package eventlog

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsCollectorBasic tests basic metrics collection
func TestMetricsCollectorBasic(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	metrics.ConnectionOpened()
	metrics.LinkOpened()
	metrics.ManagementRequest()
	metrics.ManagementRequest()
	metrics.ManagementTimeout()
	metrics.ManagementResponseDropped()
	metrics.EventsReceived("0", 5)
	metrics.PumpError("0", errors.New("boom"))

	if metrics.GetConnectionsOpened() != 1 {
		t.Errorf("Connections opened: got %d, want 1", metrics.GetConnectionsOpened())
	}
	if metrics.GetLinksOpened() != 1 {
		t.Errorf("Links opened: got %d, want 1", metrics.GetLinksOpened())
	}
	if metrics.GetManagementRequests() != 2 {
		t.Errorf("Management requests: got %d, want 2", metrics.GetManagementRequests())
	}
	if metrics.GetManagementTimeouts() != 1 {
		t.Errorf("Management timeouts: got %d, want 1", metrics.GetManagementTimeouts())
	}
	if metrics.GetManagementResponsesDropped() != 1 {
		t.Errorf("Dropped responses: got %d, want 1", metrics.GetManagementResponsesDropped())
	}
	if metrics.GetEventsReceived() != 5 {
		t.Errorf("Events received: got %d, want 5", metrics.GetEventsReceived())
	}
	if metrics.GetPumpErrors() != 1 {
		t.Errorf("Pump errors: got %d, want 1", metrics.GetPumpErrors())
	}
}

// TestMetricsConcurrency tests concurrent metric updates
func TestMetricsConcurrency(t *testing.T) {
	metrics := NewStandardMetricsCollector()

	numGoroutines := 100
	opsPerGoroutine := 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				metrics.ManagementRequest()
				metrics.EventsReceived("1", 1)
			}
		}()
	}
	wg.Wait()

	expectedCount := int64(numGoroutines * opsPerGoroutine)
	if metrics.GetManagementRequests() != expectedCount {
		t.Errorf("Management requests: got %d, want %d", metrics.GetManagementRequests(), expectedCount)
	}
	if metrics.GetEventsReceived() != expectedCount {
		t.Errorf("Events received: got %d, want %d", metrics.GetEventsReceived(), expectedCount)
	}
}

// TestPrometheusMetricsCollector tests the exported counters
func TestPrometheusMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetricsCollector(reg, "eventlog")
	if err != nil {
		t.Fatalf("NewPrometheusMetricsCollector error: %v", err)
	}

	metrics.ManagementRequest()
	metrics.ManagementRequest()
	metrics.ManagementTimeout()
	metrics.ManagementResponseDropped()
	metrics.EventsReceived("3", 4)
	metrics.LinkError(errors.New("detached"))

	expected := `
# HELP eventlog_management_requests_total Management requests by outcome.
# TYPE eventlog_management_requests_total counter
eventlog_management_requests_total{outcome="late_dropped"} 1
eventlog_management_requests_total{outcome="sent"} 2
eventlog_management_requests_total{outcome="timeout"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "eventlog_management_requests_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(metrics.events.WithLabelValues("3")); got != 4 {
		t.Errorf("Events for partition 3: got %v, want 4", got)
	}
	if got := testutil.ToFloat64(metrics.links.WithLabelValues("error")); got != 1 {
		t.Errorf("Link errors: got %v, want 1", got)
	}

	if _, err := NewPrometheusMetricsCollector(reg, "eventlog"); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

// TestNoOpMetricsCollector tests that the no-op collector accepts every call
func TestNoOpMetricsCollector(t *testing.T) {
	var m MetricsCollector = NewNoOpMetricsCollector()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ConnectionError(nil)
	m.LinkOpened()
	m.LinkError(nil)
	m.ManagementRequest()
	m.ManagementTimeout()
	m.ManagementResponseDropped()
	m.EventsReceived("0", 1)
	m.PumpError("0", nil)
}
