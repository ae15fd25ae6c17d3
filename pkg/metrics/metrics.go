// Package metrics is the in-process counter registry exposed on the vault
// console as JSON and Prometheus text.
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
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	gate     map[string]int64
	faults   map[string]int64
	logins   map[string]int64
	gauges   map[string]float64
	now      func() time.Time

	Histograms *HistogramRegistry
	GateTiming *Histogram
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	// Gate is keyed "stage|status", e.g. "signature|401".
	Gate       map[string]int64    `json:"gate_decisions"`
	Faults     map[string]int64    `json:"integrity_faults"`
	Logins     map[string]int64    `json:"console_logins"`
	Gauges     map[string]float64  `json:"gauges"`
	GateTiming HistogramSnapshot   `json:"gate_timing"`
	Histograms []HistogramSnapshot `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		gate:       map[string]int64{},
		faults:     map[string]int64{},
		logins:     map[string]int64{},
		gauges:     map[string]float64{},
		now:        time.Now,
		Histograms: NewHistogramRegistry(),
		GateTiming: NewHistogramWithBuckets("gate", GateBuckets),
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

// ObserveGate counts one gatekeeper decision and its evaluation time.
func (r *Registry) ObserveGate(stage string, status int, d time.Duration) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return
	}
	r.GateTiming.Observe(d)
	r.inc(r.gate, fmt.Sprintf("%s|%d", stage, status))
}

func (r *Registry) IncFault(kind string) {
	r.inc(r.faults, strings.TrimSpace(kind))
}

// IncLogin counts console logins by tier ("operator", "danger") and result.
func (r *Registry) IncLogin(tier, result string) {
	tier, result = strings.TrimSpace(tier), strings.TrimSpace(result)
	if tier == "" || result == "" {
		return
	}
	r.inc(r.logins, tier+"|"+result)
}

func (r *Registry) inc(m map[string]int64, key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
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
	out := Snapshot{
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Gate:        copyCounts(r.gate),
		Faults:      copyCounts(r.faults),
		Logins:      copyCounts(r.logins),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	r.mu.RUnlock()
	out.GateTiming = r.GateTiming.Snapshot()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
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

		family(b, "zerokeep_endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "zerokeep_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		family(b, "zerokeep_endpoint_error_count", "counter", "responses with status >= 400 by endpoint")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "zerokeep_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		family(b, "zerokeep_endpoint_avg_millis", "gauge", "average latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "zerokeep_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		family(b, "zerokeep_endpoint_max_millis", "gauge", "max latency in milliseconds")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "zerokeep_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		family(b, "zerokeep_gate_decisions_total", "counter", "gatekeeper decisions by stage and status")
		for _, key := range SortedKeys(snap.Gate) {
			stage, status, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "zerokeep_gate_decisions_total{stage=%q,status=%q} %d\n", stage, status, snap.Gate[key])
		}
		family(b, "zerokeep_integrity_faults_total", "counter", "vault integrity faults by kind")
		for _, kind := range SortedKeys(snap.Faults) {
			fmt.Fprintf(b, "zerokeep_integrity_faults_total{kind=%q} %d\n", kind, snap.Faults[kind])
		}
		family(b, "zerokeep_console_logins_total", "counter", "console logins by tier and result")
		for _, key := range SortedKeys(snap.Logins) {
			tier, result, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "zerokeep_console_logins_total{tier=%q,result=%q} %d\n", tier, result, snap.Logins[key])
		}
		family(b, "zerokeep_gauge", "gauge", "operational gauges")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "zerokeep_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		family(b, "zerokeep_gate_seconds", "histogram", "gatekeeper evaluation time")
		writeHistogram(b, "zerokeep_gate_seconds", "", snap.GateTiming)
		if len(snap.Histograms) > 0 {
			family(b, "zerokeep_latency_seconds", "histogram", "request latency by endpoint")
		}
		for _, h := range snap.Histograms {
			writeHistogram(b, "zerokeep_latency_seconds", fmt.Sprintf("endpoint=%q,", h.Name), h)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func family(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeHistogram(b *strings.Builder, name, labels string, h HistogramSnapshot) {
	for _, bucket := range h.Buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, labels, bucket.Le, bucket.Count)
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labels, h.Count)
	trimmed := strings.TrimSuffix(labels, ",")
	if trimmed != "" {
		trimmed = "{" + trimmed + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %.6f\n", name, trimmed, h.Sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, trimmed, h.Count)
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
