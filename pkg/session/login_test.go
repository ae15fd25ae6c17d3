package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/gatekeeper"
	"zerokeep/pkg/store"
)

const totpSeed = "JBSWY3DPEHPK3PXP"

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Log(_ context.Context, e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func newConsole(t *testing.T) (*Console, *recordingSink, time.Time) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	kv := store.NewMemoryKVWithClock(func() time.Time { return now })
	c := &Console{
		Operator: OperatorGate{Sentinel: "valid_super_user"},
		Vault:    VaultGate{Secret: "vault"},
		Danger:   DangerGate{Secret: "danger"},
		Admin:    Credentials{PasswordHash: string(hash), TOTPSecret: totpSeed},
		Gate2:    Credentials{User: "keeper", PasswordHash: string(hash), TOTPSecret: totpSeed},
		Ledger:   gatekeeper.NewFailureLedger(kv),
		Audit:    sink,
		Now:      func() time.Time { return now },
	}
	return c, sink, now
}

func code(t *testing.T, at time.Time) string {
	t.Helper()
	c, err := totp.GenerateCode(totpSeed, at)
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	return c
}

func post(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/sys-monitor/login", strings.NewReader(body))
	r.RemoteAddr = "1.2.3.4:555"
	return r
}

func TestOperatorLoginIssuesOperatorAndVaultCookies(t *testing.T) {
	c, sink, now := newConsole(t)
	rec := httptest.NewRecorder()
	c.HandleOperatorLogin(rec, post(`{"password":"hunter2","code":"`+code(t, now)+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	names := map[string]bool{}
	for _, ck := range rec.Result().Cookies() {
		names[ck.Name] = true
	}
	if !names[OperatorCookie] || !names[VaultCookie] || names[DangerCookie] {
		t.Fatalf("unexpected cookies %v", names)
	}
	got := sink.actions()
	if len(got) != 2 || got[0] != audit.ActionLoginAttempt || got[1] != audit.ActionLoginSuccess {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestOperatorLoginFailuresFeedLedger(t *testing.T) {
	c, sink, now := newConsole(t)
	bodies := []string{
		`{"password":"wrong","code":"` + code(t, now) + `"}`,
		`{"password":"hunter2","code":"000000"}`,
		`not json`,
	}
	for _, b := range bodies {
		rec := httptest.NewRecorder()
		c.HandleOperatorLogin(rec, post(b))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", b, rec.Code)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Fatal("no cookie may be issued on failure")
		}
	}
	v, _ := c.Ledger.KV.Get(context.Background(), "failures:1.2.3.4")
	if v != "3" {
		t.Fatalf("expected 3 recorded failures, got %q", v)
	}
	failed := 0
	for _, a := range sink.actions() {
		if a == audit.ActionLoginFailed {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("expected 3 LOGIN_FAILED events, got %d", failed)
	}
}

func TestBannedClientCannotLogIn(t *testing.T) {
	c, _, now := newConsole(t)
	_ = c.Ledger.KV.Set(context.Background(), "ban:1.2.3.4", "1", time.Hour)
	rec := httptest.NewRecorder()
	c.HandleOperatorLogin(rec, post(`{"password":"hunter2","code":"`+code(t, now)+`"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected banned client rejected, got %d", rec.Code)
	}
}

func TestDangerLoginRequiresUserAndSecondFactor(t *testing.T) {
	c, _, now := newConsole(t)
	rec := httptest.NewRecorder()
	c.HandleDangerLogin(rec, post(`{"username":"intruder","password":"hunter2","code":"`+code(t, now)+`"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong user rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c.HandleDangerLogin(rec, post(`{"username":"keeper","password":"hunter2","code":"`+code(t, now.Add(-30*time.Second))+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected code within skew accepted, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DangerCookie || cookies[0].Value != c.Danger.Token("1.2.3.4") {
		t.Fatalf("unexpected danger cookies %+v", cookies)
	}
}

func TestMissingCredentialsNeverVerify(t *testing.T) {
	c, _, now := newConsole(t)
	c.Admin = Credentials{}
	rec := httptest.NewRecorder()
	c.HandleOperatorLogin(rec, post(`{"password":"","code":"`+code(t, now)+`"}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unset credentials, got %d", rec.Code)
	}
}

func TestLogoutClearsAllTiers(t *testing.T) {
	c, sink, _ := newConsole(t)
	rec := httptest.NewRecorder()
	c.HandleLogout(rec, httptest.NewRequest(http.MethodPost, "/api/sys-monitor/logout", nil))
	cleared := map[string]bool{}
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			cleared[ck.Name] = true
		}
	}
	if !cleared[OperatorCookie] || !cleared[VaultCookie] || !cleared[DangerCookie] {
		t.Fatalf("expected every tier cleared, got %v", cleared)
	}
	if got := sink.actions(); len(got) != 1 || got[0] != audit.ActionLogout {
		t.Fatalf("unexpected audit %v", got)
	}
}
