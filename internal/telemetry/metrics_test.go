package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Sent("sync.all")
	m.CacheLookup(true)
	m.LeaseStarted()
	m.SyncRecord("constituents", "created", 3)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Sent("sync.constituents")
	m.SetQueueDepth("sync.constituents", 7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	if !strings.Contains(out, `casework_jobs_sent_total{queue="sync.constituents"} 1`) {
		t.Fatalf("sent counter missing:\n%s", out)
	}
	if !strings.Contains(out, `casework_queue_depth{queue="sync.constituents"} 7`) {
		t.Fatalf("depth gauge missing:\n%s", out)
	}
}
