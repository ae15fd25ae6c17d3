package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"zerokeep/pkg/disguise"
	"zerokeep/pkg/store"
)

func TestLimiterWindowWithMemoryClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	l := New(store.NewMemoryKVWithClock(clock), 2, time.Minute)
	l.Now = clock
	ctx := context.Background()

	first, _ := l.Allow(ctx, "1.2.3.4")
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second, _ := l.Allow(ctx, "1.2.3.4")
	if !second.Allowed || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	now = now.Add(30 * time.Second)
	third, _ := l.Allow(ctx, "1.2.3.4")
	if third.Allowed || third.Count != 3 {
		t.Fatalf("expected third request throttled: %+v", third)
	}
	if !third.ResetAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("window must not slide, reset at %v", third.ResetAt)
	}
	other, _ := l.Allow(ctx, "5.6.7.8")
	if !other.Allowed {
		t.Fatal("keys must be independent")
	}

	now = now.Add(31 * time.Second)
	reset, _ := l.Allow(ctx, "1.2.3.4")
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", reset)
	}
}

func TestLimiterWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := New(store.NewRedisKV(client), 1, time.Minute)

	if d, err := l.Allow(context.Background(), "ip"); err != nil || !d.Allowed {
		t.Fatalf("first request: %+v %v", d, err)
	}
	if d, _ := l.Allow(context.Background(), "ip"); d.Allowed {
		t.Fatalf("second request should be throttled: %+v", d)
	}
	if ttl := mr.TTL("rl:ip"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window ttl, got %v", ttl)
	}
	mr.FastForward(time.Minute + time.Second)
	if d, _ := l.Allow(context.Background(), "ip"); !d.Allowed {
		t.Fatalf("expected allow after window, got %+v", d)
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(store.NewMemoryKV(), 0, 0)
	if l.Limit != DefaultLimit || l.Window != DefaultWindow {
		t.Fatalf("unexpected defaults %+v", l)
	}
}

type brokenKV struct{ store.KV }

func (brokenKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestMiddleware(t *testing.T) {
	l := New(store.NewMemoryKV(), 1, time.Minute)
	h := l.Middleware(func(r *http.Request) string { return r.RemoteAddr })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/vault/fetch", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected first response %d %v", rr.Code, rr.Header())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Server") != disguise.Banner || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected disguised throttle response, got %v", rr.Header())
	}
	if !strings.Contains(rr.Body.String(), "Too Many Requests") {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	l := New(brokenKV{store.NewMemoryKV()}, 1, time.Minute)
	if _, err := l.Allow(context.Background(), "ip"); err == nil {
		t.Fatal("expected store error")
	}
	h := l.Middleware(func(r *http.Request) string { return "ip" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected pass-through on store failure, got %d", rr.Code)
		}
	}
}
