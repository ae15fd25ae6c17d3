package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /api/health", 200, 15*time.Millisecond)
	r.Observe("GET /api/health", 503, 35*time.Millisecond)
	r.ObserveGate("signature", 401, time.Millisecond)
	r.ObserveGate("signature", 401, 2*time.Millisecond)
	r.ObserveGate("admitted", 200, time.Millisecond)
	r.IncFault("zombie")
	r.IncLogin("danger", "failure")
	r.SetGauge("stream_subscribers", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /api/health"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Gate["signature|401"] != 2 || snap.Gate["admitted|200"] != 1 {
		t.Fatalf("unexpected gate counts %v", snap.Gate)
	}
	if snap.GateTiming.Count != 3 {
		t.Fatalf("expected 3 gate timings, got %d", snap.GateTiming.Count)
	}
	if snap.Faults["zombie"] != 1 || snap.Logins["danger|failure"] != 1 {
		t.Fatalf("unexpected fault/login counts %v %v", snap.Faults, snap.Logins)
	}
	if snap.Gauges["stream_subscribers"] != 3 {
		t.Fatalf("unexpected gauge %v", snap.Gauges)
	}
}

func TestEmptyKeysAreIgnored(t *testing.T) {
	r := NewRegistry()
	r.ObserveGate(" ", 401, time.Millisecond)
	r.IncFault("")
	r.IncLogin("operator", "")
	r.SetGauge("", 5)
	snap := r.Snapshot()
	if len(snap.Gate)+len(snap.Faults)+len(snap.Logins)+len(snap.Gauges) != 0 {
		t.Fatalf("expected empty counters, got %+v", snap)
	}
	if snap.GateTiming.Count != 0 {
		t.Fatal("ignored decisions must not be timed")
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if strings.Join(keys, "") != "abc" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /api/v1/vault/save", 201, 12*time.Millisecond)
	r.ObserveLatency("POST /api/v1/vault/save", 12*time.Millisecond)
	r.ObserveGate("replay", 401, time.Millisecond)
	r.IncFault("corrupt")
	r.IncLogin("operator", "success")
	r.SetGauge("stream_subscribers", 7)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/vault-ops/metrics/prometheus", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`zerokeep_endpoint_count{endpoint="POST /api/v1/vault/save"} 1`,
		`zerokeep_gate_decisions_total{stage="replay",status="401"} 1`,
		`zerokeep_integrity_faults_total{kind="corrupt"} 1`,
		`zerokeep_console_logins_total{tier="operator",result="success"} 1`,
		`zerokeep_gauge{name="stream_subscribers"} 7.000`,
		`zerokeep_gate_seconds_bucket{le="+Inf"} 1`,
		`zerokeep_gate_seconds_count 1`,
		`zerokeep_latency_seconds_count{endpoint="POST /api/v1/vault/save"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.now = func() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) }
	r.Observe("GET /api/health", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/vault-ops/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.GeneratedAt != "2025-05-01T00:00:00Z" || snap.Endpoints["GET /api/health"].Count != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
