package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncAdmission("api_key")
	r.IncAdmission("api_key")
	r.IncRejection("QUEUE_FULL")
	r.IncQuotaOutcome("Added")
	r.IncDigestAction("append")
	r.IncBindingOp("registered")
	r.IncEventDropped("admission.granted")
	r.IncEventDropped(" ")
	r.IncReleasedSlots()
	r.SetGauge("queue_waiting", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Admissions["api_key"] != 2 {
		t.Fatalf("expected api_key=2 got=%d", snap.Admissions["api_key"])
	}
	if snap.Rejections["QUEUE_FULL"] != 1 {
		t.Fatalf("expected QUEUE_FULL=1 got=%d", snap.Rejections["QUEUE_FULL"])
	}
	if snap.QuotaOutcomes["added"] != 1 {
		t.Fatalf("expected quota added=1 got=%d", snap.QuotaOutcomes["added"])
	}
	if snap.DigestActions["append"] != 1 {
		t.Fatalf("expected digest append=1 got=%d", snap.DigestActions["append"])
	}
	if snap.BindingOps["registered"] != 1 {
		t.Fatalf("expected binding registered=1 got=%d", snap.BindingOps["registered"])
	}
	if snap.EventsDropped["admission.granted"] != 1 {
		t.Fatalf("expected dropped admission.granted=1 got=%d", snap.EventsDropped["admission.granted"])
	}
	if snap.EventsDropped["unknown"] != 1 {
		t.Fatalf("blank event types must count under unknown, got=%d", snap.EventsDropped["unknown"])
	}
	if snap.ReleasedSlots != 1 {
		t.Fatalf("expected released=1 got=%d", snap.ReleasedSlots)
	}
	if snap.Gauges["queue_waiting"] != 3 {
		t.Fatalf("expected gauge queue_waiting=3 got=%v", snap.Gauges["queue_waiting"])
	}
}

func TestAcquireLatencyStat(t *testing.T) {
	r := NewRegistry()
	r.ObserveAcquireLatency(10 * time.Millisecond)
	r.ObserveAcquireLatency(30 * time.Millisecond)
	r.ObserveAcquireLatency(-1 * time.Millisecond)

	snap := r.Snapshot()
	if snap.AcquireLatencyMS.Count != 3 {
		t.Fatalf("expected count=3 got=%d", snap.AcquireLatencyMS.Count)
	}
	if snap.AcquireLatencyMS.MaxMS != 30 {
		t.Fatalf("expected max=30 got=%d", snap.AcquireLatencyMS.MaxMS)
	}
	if snap.AcquireLatencyMS.LastMS != 0 {
		t.Fatalf("negative durations clamp to zero, got=%d", snap.AcquireLatencyMS.LastMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/messages", 200, 12*time.Millisecond)
	r.Observe("POST /v1/messages", 500, 20*time.Millisecond)
	r.IncAdmission("account")
	r.IncRejection("SESSION_LIMIT_EXCEEDED")
	r.IncQuotaOutcome("rejected")
	r.IncDigestAction("SESSION_BRANCH_VIOLATION")
	r.IncBindingOp("renewed")
	r.IncEventDropped("slot.released")
	r.SetGauge("queue_waiting", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "relay_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "relay_admission_total{class=\"account\"} 1") {
		t.Fatalf("missing admission metric: %s", body)
	}
	if !strings.Contains(body, "relay_rejection_total{code=\"SESSION_LIMIT_EXCEEDED\"} 1") {
		t.Fatalf("missing rejection metric: %s", body)
	}
	if !strings.Contains(body, "relay_quota_outcome_total{status=\"rejected\"} 1") {
		t.Fatalf("missing quota metric: %s", body)
	}
	if !strings.Contains(body, "relay_digest_action_total{action=\"SESSION_BRANCH_VIOLATION\"} 1") {
		t.Fatalf("missing digest metric: %s", body)
	}
	if !strings.Contains(body, "relay_binding_op_total{op=\"renewed\"} 1") {
		t.Fatalf("missing binding metric: %s", body)
	}
	if !strings.Contains(body, "relay_event_dropped_total{type=\"slot.released\"} 1") {
		t.Fatalf("missing event drop metric: %s", body)
	}
	if !strings.Contains(body, "relay_gauge{name=\"queue_waiting\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncAdmission("")
	r.IncQuotaOutcome("")
	r.IncDigestAction("")
	r.IncBindingOp("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
