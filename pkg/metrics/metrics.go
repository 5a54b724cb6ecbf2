package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	admission      map[string]int64
	rejection      map[string]int64
	gauges         map[string]float64
	quotaOutcome   map[string]int64
	digestAction   map[string]int64
	bindingOp      map[string]int64
	eventDropped   map[string]int64
	releasedSlots  int64
	acquireLatency AcquireLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type AcquireLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Admissions       map[string]int64        `json:"admissions"`
	Rejections       map[string]int64        `json:"rejections"`
	Gauges           map[string]float64      `json:"gauges"`
	QuotaOutcomes    map[string]int64        `json:"quota_outcomes"`
	DigestActions    map[string]int64        `json:"digest_actions"`
	BindingOps       map[string]int64        `json:"binding_ops"`
	EventsDropped    map[string]int64        `json:"events_dropped"`
	ReleasedSlots    int64                   `json:"released_slots_total"`
	AcquireLatencyMS AcquireLatencyStat      `json:"acquire_latency_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		admission:    map[string]int64{},
		rejection:    map[string]int64{},
		gauges:       map[string]float64{},
		quotaOutcome: map[string]int64{},
		digestAction: map[string]int64{},
		bindingOp:    map[string]int64{},
		eventDropped: map[string]int64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncAdmission counts granted requests per resource class (api_key, account).
func (r *Registry) IncAdmission(class string) {
	class = strings.TrimSpace(class)
	if class == "" {
		return
	}
	r.mu.Lock()
	r.admission[class]++
	r.mu.Unlock()
}

// IncRejection counts refusals keyed by error code.
func (r *Registry) IncRejection(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = "UNKNOWN"
	}
	r.mu.Lock()
	r.rejection[code]++
	r.mu.Unlock()
}

// IncQuotaOutcome counts quota admissions by status (added, existing, skipped, rejected).
func (r *Registry) IncQuotaOutcome(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.quotaOutcome[status]++
	r.mu.Unlock()
}

// IncDigestAction counts digest record transitions by accepted action or
// violation code.
func (r *Registry) IncDigestAction(action string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	r.mu.Lock()
	r.digestAction[action]++
	r.mu.Unlock()
}

// IncBindingOp counts sticky binding operations (registered, renewed, deleted).
func (r *Registry) IncBindingOp(op string) {
	op = strings.TrimSpace(strings.ToLower(op))
	if op == "" {
		return
	}
	r.mu.Lock()
	r.bindingOp[op]++
	r.mu.Unlock()
}

// IncEventDropped counts lifecycle events lost to slow stream subscribers.
func (r *Registry) IncEventDropped(eventType string) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "unknown"
	}
	r.mu.Lock()
	r.eventDropped[eventType]++
	r.mu.Unlock()
}

func (r *Registry) IncReleasedSlots() {
	r.mu.Lock()
	r.releasedSlots++
	r.mu.Unlock()
}

// ObserveAcquireLatency records time spent waiting for a concurrency slot.
func (r *Registry) ObserveAcquireLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquireLatency.Count++
	r.acquireLatency.TotalMS += ms
	r.acquireLatency.LastMS = ms
	if ms > r.acquireLatency.MaxMS {
		r.acquireLatency.MaxMS = ms
	}
	r.acquireLatency.AvgMS = float64(r.acquireLatency.TotalMS) / float64(r.acquireLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Admissions:    make(map[string]int64, len(r.admission)),
		Rejections:    make(map[string]int64, len(r.rejection)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		QuotaOutcomes: make(map[string]int64, len(r.quotaOutcome)),
		DigestActions: make(map[string]int64, len(r.digestAction)),
		BindingOps:    make(map[string]int64, len(r.bindingOp)),
		EventsDropped: make(map[string]int64, len(r.eventDropped)),
		ReleasedSlots: r.releasedSlots,
		AcquireLatencyMS: AcquireLatencyStat{
			Count:   r.acquireLatency.Count,
			TotalMS: r.acquireLatency.TotalMS,
			MaxMS:   r.acquireLatency.MaxMS,
			LastMS:  r.acquireLatency.LastMS,
			AvgMS:   r.acquireLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.admission {
		out.Admissions[k] = v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.quotaOutcome {
		out.QuotaOutcomes[k] = v
	}
	for k, v := range r.digestAction {
		out.DigestActions[k] = v
	}
	for k, v := range r.bindingOp {
		out.BindingOps[k] = v
	}
	for k, v := range r.eventDropped {
		out.EventsDropped[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP relay_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE relay_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "relay_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP relay_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE relay_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "relay_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP relay_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE relay_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "relay_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP relay_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE relay_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "relay_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP relay_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE relay_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "relay_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP relay_admission_total granted admissions by resource class\n")
		b.WriteString("# TYPE relay_admission_total counter\n")
		for _, class := range SortedKeys(snap.Admissions) {
			fmt.Fprintf(b, "relay_admission_total{class=%q} %d\n", class, snap.Admissions[class])
		}
		b.WriteString("# HELP relay_rejection_total refusals by error code\n")
		b.WriteString("# TYPE relay_rejection_total counter\n")
		for _, code := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "relay_rejection_total{code=%q} %d\n", code, snap.Rejections[code])
		}
		b.WriteString("# HELP relay_gauge operational gauge metrics\n")
		b.WriteString("# TYPE relay_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "relay_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP relay_latency_seconds latency histogram\n")
			b.WriteString("# TYPE relay_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "relay_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "relay_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "relay_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "relay_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "relay_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "relay_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "relay_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP relay_quota_outcome_total session quota admissions by status\n")
		b.WriteString("# TYPE relay_quota_outcome_total counter\n")
		for _, status := range SortedKeys(snap.QuotaOutcomes) {
			fmt.Fprintf(b, "relay_quota_outcome_total{status=%q} %d\n", status, snap.QuotaOutcomes[status])
		}

		b.WriteString("# HELP relay_digest_action_total digest transitions by action or violation code\n")
		b.WriteString("# TYPE relay_digest_action_total counter\n")
		for _, action := range SortedKeys(snap.DigestActions) {
			fmt.Fprintf(b, "relay_digest_action_total{action=%q} %d\n", action, snap.DigestActions[action])
		}

		b.WriteString("# HELP relay_binding_op_total sticky binding operations\n")
		b.WriteString("# TYPE relay_binding_op_total counter\n")
		for _, op := range SortedKeys(snap.BindingOps) {
			fmt.Fprintf(b, "relay_binding_op_total{op=%q} %d\n", op, snap.BindingOps[op])
		}

		b.WriteString("# HELP relay_event_dropped_total lifecycle events dropped by slow subscribers\n")
		b.WriteString("# TYPE relay_event_dropped_total counter\n")
		for _, eventType := range SortedKeys(snap.EventsDropped) {
			fmt.Fprintf(b, "relay_event_dropped_total{type=%q} %d\n", eventType, snap.EventsDropped[eventType])
		}

		b.WriteString("# HELP relay_acquire_latency_ms slot acquisition wait in ms\n")
		b.WriteString("# TYPE relay_acquire_latency_ms gauge\n")
		fmt.Fprintf(b, "relay_acquire_latency_ms{stat=%q} %d\n", "last", snap.AcquireLatencyMS.LastMS)
		fmt.Fprintf(b, "relay_acquire_latency_ms{stat=%q} %.3f\n", "avg", snap.AcquireLatencyMS.AvgMS)
		fmt.Fprintf(b, "relay_acquire_latency_ms{stat=%q} %d\n", "max", snap.AcquireLatencyMS.MaxMS)

		b.WriteString("# HELP relay_released_slots_total concurrency slots returned\n")
		b.WriteString("# TYPE relay_released_slots_total counter\n")
		fmt.Fprintf(b, "relay_released_slots_total %d\n", snap.ReleasedSlots)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
