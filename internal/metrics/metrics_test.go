package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGrant()
	c.RecordGrant()
	c.RecordRenewal()
	c.RecordDuplicatePayment()
	c.RecordSweepExpired(7)
	c.RecordMalformedEvent()

	if got := testutil.ToFloat64(c.grants); got != 2 {
		t.Errorf("grants = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.renewals); got != 1 {
		t.Errorf("renewals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.duplicates); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.sweepExpired); got != 7 {
		t.Errorf("sweepExpired = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.malformedEvents); got != 1 {
		t.Errorf("malformedEvents = %v, want 1", got)
	}
}

func TestCollector_RecordStart_LabelsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStart("started")
	c.RecordStart("started")
	c.RecordStart("already_active")

	if got := testutil.ToFloat64(c.starts.WithLabelValues("started")); got != 2 {
		t.Errorf("starts{result=started} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.starts.WithLabelValues("already_active")); got != 1 {
		t.Errorf("starts{result=already_active} = %v, want 1", got)
	}
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordGrant()
	c.RecordWebhookLatency(50 * time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "kippu_grants_total 1") {
		t.Errorf("exposition missing kippu_grants_total:\n%s", body)
	}
	if !strings.Contains(body, "kippu_webhook_latency_seconds_count 1") {
		t.Errorf("exposition missing webhook latency histogram:\n%s", body)
	}
}
