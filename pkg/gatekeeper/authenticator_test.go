package gatekeeper

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"zerokeep/pkg/disguise"
	"zerokeep/pkg/store"
)

const (
	testKey    = "api-key-123"
	testSecret = "hmac-secret"
	testUA     = "ZeroKeep-Android/1.0"
	testDebug  = "ZeroKeep-Debug-Web"
)

type harness struct {
	now  time.Time
	kv   *store.MemoryKV
	auth *Authenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.UnixMilli(1_760_000_000_000)}
	h.kv = store.NewMemoryKVWithClock(func() time.Time { return h.now })
	h.auth = &Authenticator{
		Config: Config{
			APIKey:            testKey,
			HMACSecret:        testSecret,
			ExpectedUserAgent: testUA,
			DebugUserAgent:    testDebug,
			AllowedCountry:    "ID",
		},
		Ledger: NewFailureLedger(h.kv),
		Replay: NewReplayGuard(h.kv),
		Now:    func() time.Time { return h.now },
	}
	return h
}

func (h *harness) signed(body string) Request {
	ts := strconv.FormatInt(h.now.UnixMilli(), 10)
	return Request{
		Method:    http.MethodPost,
		Path:      "/api/v1/vault/save",
		APIKey:    testKey,
		DeviceID:  "device-1",
		Timestamp: ts,
		Signature: Sign(testSecret, testKey, ts, testUA, "device-1", []byte(body)),
		UserAgent: testUA,
		ClientIP:  "1.2.3.4",
		Country:   "ID",
		Body:      []byte(body),
	}
}

func (h *harness) failures(ip string) string {
	v, _ := h.kv.Get(context.Background(), "failures:"+ip)
	return v
}

func TestEvaluateAdmitsOnceThenDetectsReplay(t *testing.T) {
	h := newHarness(t)
	req := h.signed(`{"id":"x"}`)
	if d := h.auth.Evaluate(context.Background(), req); d.Outcome != Admit {
		t.Fatalf("expected admit, got %+v", d)
	}
	d := h.auth.Evaluate(context.Background(), req)
	if d.Outcome != Reject || d.Status != http.StatusUnauthorized || d.Reason != "Replay Detected" {
		t.Fatalf("expected replay rejection, got %+v", d)
	}
	if h.failures("1.2.3.4") != "1" {
		t.Fatalf("expected replay to count as a failure, got %q", h.failures("1.2.3.4"))
	}
}

func TestEvaluateStageOrdering(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(*Request, *Config)
		outcome    Outcome
		status     int
		stage      Stage
		reason     string
		wantFailed bool
	}{
		{"debug_bypasses_everything", func(r *Request, _ *Config) { r.UserAgent = testDebug; r.APIKey = ""; r.Country = "US" }, AdmitDebug, 200, StageDebug, "", false},
		{"health_exempt", func(r *Request, _ *Config) { r.Path = "/api/health"; r.APIKey = "" }, Bypass, 200, StageExempt, "", false},
		{"console_exempt", func(r *Request, _ *Config) { r.Path = "/api/vault-ops/logs"; r.UserAgent = "curl" }, Bypass, 200, StageExempt, "", false},
		{"honeypot", func(r *Request, _ *Config) { r.Path = "/wp-admin/setup.php" }, Reject, 404, StageHoneypot, "Not Found", false},
		{"honeypot_case_insensitive", func(r *Request, _ *Config) { r.Path = "/.ENV" }, Reject, 404, StageHoneypot, "Not Found", false},
		{"geo_blocked", func(r *Request, _ *Config) { r.Country = "US" }, Reject, 404, StageGeo, "Not Found", false},
		{"geo_missing", func(r *Request, _ *Config) { r.Country = "" }, Reject, 404, StageGeo, "Not Found", false},
		{"geo_dev_mode", func(r *Request, c *Config) { r.Country = "US"; c.DevMode = true }, Admit, 200, StageAdmitted, "", false},
		{"proxy_header", func(r *Request, _ *Config) { r.ProxyHeaders = true }, Reject, 403, StageProxy, "Forbidden", false},
		{"proxy_dev_mode", func(r *Request, c *Config) { r.ProxyHeaders = true; c.DevMode = true }, Admit, 200, StageAdmitted, "", false},
		{"wrong_user_agent", func(r *Request, _ *Config) { r.UserAgent = "curl/8" }, Reject, 403, StageUserAgent, "Forbidden", false},
		{"missing_api_key_config", func(_ *Request, c *Config) { c.APIKey = "" }, Reject, 500, StageAPIKey, "Internal Server Error", false},
		{"wrong_api_key", func(r *Request, _ *Config) { r.APIKey = "nope" }, Reject, 401, StageAPIKey, "Unauthorized", true},
		{"missing_device", func(r *Request, _ *Config) { r.DeviceID = " " }, Reject, 401, StageDevice, "Missing Device ID", true},
		{"bad_timestamp", func(r *Request, _ *Config) { r.Timestamp = "yesterday" }, Reject, 401, StageTimestamp, "Timestamp Expired", true},
		{"missing_hmac_config", func(_ *Request, c *Config) { c.HMACSecret = "" }, Reject, 500, StageSignature, "Internal Server Error", false},
		{"bad_signature", func(r *Request, _ *Config) { r.Signature = flipHex(r.Signature, 0) }, Reject, 401, StageSignature, "Invalid Signature", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := h.signed("{}")
			tc.mutate(&req, &h.auth.Config)
			d := h.auth.Evaluate(context.Background(), req)
			if d.Outcome != tc.outcome || d.Status != tc.status || d.Stage != tc.stage || d.Reason != tc.reason {
				t.Fatalf("got %+v", d)
			}
			failed := h.failures(req.ClientIP) != ""
			if failed != tc.wantFailed {
				t.Fatalf("ledger written=%v, want %v", failed, tc.wantFailed)
			}
		})
	}
}

func TestEvaluateMissingConfigCarriesError(t *testing.T) {
	h := newHarness(t)
	h.auth.Config.APIKey = ""
	d := h.auth.Evaluate(context.Background(), h.signed(""))
	if !errors.Is(d.Err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", d.Err)
	}
}

func TestEvaluateTimestampTolerance(t *testing.T) {
	h := newHarness(t)
	for _, offset := range []time.Duration{-60 * time.Second, 60 * time.Second} {
		req := h.signed("{}")
		ts := strconv.FormatInt(h.now.Add(offset).UnixMilli(), 10)
		req.Timestamp = ts
		req.Signature = Sign(testSecret, testKey, ts, testUA, req.DeviceID, req.Body)
		if d := h.auth.Evaluate(context.Background(), req); d.Outcome != Admit {
			t.Fatalf("offset %v: expected admit, got %+v", offset, d)
		}
	}
	for _, offset := range []time.Duration{-61 * time.Second, 61 * time.Second} {
		req := h.signed("{}")
		ts := strconv.FormatInt(h.now.Add(offset).UnixMilli(), 10)
		req.Timestamp = ts
		req.Signature = Sign(testSecret, testKey, ts, testUA, req.DeviceID, req.Body)
		if d := h.auth.Evaluate(context.Background(), req); d.Reason != "Timestamp Expired" {
			t.Fatalf("offset %v: expected expiry, got %+v", offset, d)
		}
	}
	extremes := []string{
		strconv.FormatInt(h.now.UnixMilli()+math.MinInt64, 10),
		strconv.FormatInt(math.MinInt64, 10),
		strconv.FormatInt(math.MaxInt64, 10),
	}
	for _, ts := range extremes {
		req := h.signed("{}")
		req.Timestamp = ts
		req.Signature = Sign(testSecret, testKey, ts, testUA, req.DeviceID, req.Body)
		if d := h.auth.Evaluate(context.Background(), req); d.Reason != "Timestamp Expired" {
			t.Fatalf("timestamp %s: expected expiry, got %+v", ts, d)
		}
	}
}

func TestTamperThenFreshThenReplayScenario(t *testing.T) {
	h := newHarness(t)
	body := `{"id":"0d7a0f0e-1111-4222-8333-444455556666"}`

	tampered := h.signed(body)
	tampered.Signature = flipHex(tampered.Signature, 7)
	if d := h.auth.Evaluate(context.Background(), tampered); d.Status != http.StatusUnauthorized || d.Reason != "Invalid Signature" {
		t.Fatalf("expected tampered signature rejection, got %+v", d)
	}

	h.now = h.now.Add(91 * time.Second)
	fresh := h.signed(body)
	if d := h.auth.Evaluate(context.Background(), fresh); d.Outcome != Admit {
		t.Fatalf("expected fresh request admitted, got %+v", d)
	}
	if d := h.auth.Evaluate(context.Background(), fresh); d.Reason != "Replay Detected" {
		t.Fatalf("expected immediate replay rejection, got %+v", d)
	}
}

func TestTenFailuresBanAndEleventhStillUnauthorized(t *testing.T) {
	h := newHarness(t)
	var tripped int
	for i := 1; i <= 10; i++ {
		req := h.signed("{}")
		req.APIKey = "wrong"
		d := h.auth.Evaluate(context.Background(), req)
		if d.Status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, d.Status)
		}
		if d.BanTripped {
			tripped++
		}
	}
	if tripped != 1 {
		t.Fatalf("expected one ban trip, got %d", tripped)
	}
	if banned, _ := h.auth.Ledger.Banned(context.Background(), "1.2.3.4"); !banned {
		t.Fatal("expected ban flag after 10 failures")
	}

	// A correctly signed request from the banned address looks identical to
	// any other key failure.
	d := h.auth.Evaluate(context.Background(), h.signed("{}"))
	if d.Status != http.StatusUnauthorized || d.Reason != "Unauthorized" {
		t.Fatalf("expected indistinguishable 401, got %+v", d)
	}
	if h.failures("1.2.3.4") != "11" {
		t.Fatalf("expected failures to keep accumulating, got %q", h.failures("1.2.3.4"))
	}

	other := h.signed("{}")
	other.ClientIP = "9.9.9.9"
	if d := h.auth.Evaluate(context.Background(), other); d.Outcome != Admit {
		t.Fatalf("expected other client unaffected, got %+v", d)
	}
}

type failingKV struct{ store.KV }

func (failingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("kv down")
}

func TestReplayStoreFailureIsServerError(t *testing.T) {
	h := newHarness(t)
	h.auth.Replay = &ReplayGuard{KV: failingKV{KV: h.kv}}
	d := h.auth.Evaluate(context.Background(), h.signed("{}"))
	if d.Status != http.StatusInternalServerError || d.Err == nil {
		t.Fatalf("expected 500 with error, got %+v", d)
	}
}

func TestMiddlewareDisguisesAndForwards(t *testing.T) {
	h := newHarness(t)
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})
	var observed []Decision
	h.auth.Observe = func(_ Request, d Decision) { observed = append(observed, d) }
	handler := h.auth.Middleware(next)

	body := `{"id":"abc"}`
	ts := strconv.FormatInt(h.now.UnixMilli(), 10)
	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/vault/save", strings.NewReader(body))
		r.RemoteAddr = "1.2.3.4:4444"
		r.Header.Set("User-Agent", testUA)
		r.Header.Set("X-Country-Code", "id")
		r.Header.Set(HeaderAPIKey, testKey)
		r.Header.Set(HeaderDeviceID, "device-1")
		r.Header.Set(HeaderTimestamp, ts)
		r.Header.Set(HeaderSignature, Sign(testSecret, testKey, ts, testUA, "device-1", []byte(body)))
		return r
	}
	h.auth.Countries = HeaderCountry{}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected handler to run, got %d %s", rec.Code, rec.Body.String())
	}
	if seenBody != body {
		t.Fatalf("expected body restored for handler, got %q", seenBody)
	}
	if rec.Header().Get("Server") != disguise.Banner {
		t.Fatal("expected disguised server header on admit")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq())
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Replay Detected") {
		t.Fatalf("expected disguised replay page, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Server") != disguise.Banner {
		t.Fatal("expected banner on rejection")
	}
	if len(observed) != 2 || observed[0].Outcome != Admit || observed[1].Stage != StageReplay {
		t.Fatalf("unexpected observed decisions %+v", observed)
	}
}

func TestMiddlewareDebugPreflight(t *testing.T) {
	h := newHarness(t)
	handler := h.auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach handler")
	}))
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/vault/fetch", nil)
	r.Header.Set("User-Agent", testDebug)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected permissive CORS for debug client")
	}
}

func TestMiddlewareBodyTooLarge(t *testing.T) {
	h := newHarness(t)
	h.auth.MaxBodyBytes = 4
	handler := h.auth.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := httptest.NewRequest(http.MethodPost, "/api/v1/vault/save", strings.NewReader("0123456789"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

type staticCountry string

func (s staticCountry) Country(*http.Request, string) string { return string(s) }

func TestHeaderCountryFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := (HeaderCountry{Header: "CF-IPCountry", Fallback: staticCountry("ID")}).Country(r, "1.1.1.1"); got != "ID" {
		t.Fatalf("expected fallback country, got %q", got)
	}
	r.Header.Set("CF-IPCountry", "sg")
	if got := (HeaderCountry{Header: "CF-IPCountry"}).Country(r, ""); got != "SG" {
		t.Fatalf("expected header country, got %q", got)
	}
	var nilResolver *GeoIPResolver
	if nilResolver.Country(r, "1.1.1.1") != "" {
		t.Fatal("expected empty country from nil resolver")
	}
	if _, err := OpenGeoIP("/nonexistent.mmdb"); err == nil {
		t.Fatal("expected error opening missing database")
	}
}
