// Package session guards the browser consoles. Each tier validates its own
// cookie with its own code; no gate calls into another.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/disguise"
	"zerokeep/pkg/httpx"
)

const (
	OperatorCookie = "admin_session"
	VaultCookie    = "vault_access_token"
	DangerCookie   = "danger_zone_token"

	OperatorTTL = 15 * time.Minute
	VaultTTL    = 15 * time.Minute
	DangerTTL   = 5 * time.Minute

	VaultPath  = "/api/vault-ops"
	DangerPath = "/api/vault-ops/danger"
)

type State int

const (
	Missing State = iota
	Invalid
	Valid
)

func setCookie(w http.ResponseWriter, name, value, path string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// revoked records a session cookie that was presented but no longer binds
// to the caller.
func revoked(ctx context.Context, sink AuditSink, tier, ip string) {
	if sink == nil {
		return
	}
	sink.Log(ctx, audit.Event{
		Action:   audit.ActionSessionRevoked,
		Status:   audit.StatusWarning,
		ActorIP:  ip,
		Metadata: map[string]any{"tier": tier},
	})
}

func clearCookie(w http.ResponseWriter, name, path string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// OperatorGate checks the operator console bearer cookie against a fixed
// sentinel. It is not IP bound.
type OperatorGate struct {
	Sentinel string
	Secure   bool
}

func (g OperatorGate) Check(r *http.Request) State {
	c, err := r.Cookie(OperatorCookie)
	if err != nil || c.Value == "" {
		return Missing
	}
	if g.Sentinel == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(g.Sentinel)) != 1 {
		return Invalid
	}
	return Valid
}

func (g OperatorGate) Issue(w http.ResponseWriter) {
	setCookie(w, OperatorCookie, g.Sentinel, "/", OperatorTTL, g.Secure)
}

func (g OperatorGate) Clear(w http.ResponseWriter) {
	clearCookie(w, OperatorCookie, "/", g.Secure)
}

func (g OperatorGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Check(r) != Valid {
			disguise.NotFound(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// VaultGate pins the vault console session to the caller IP through
// HMAC(secret, ip). The address itself is never stored.
type VaultGate struct {
	Secret string
	Secure bool
	IPs    httpx.ClientIPResolver
	Audit  AuditSink
}

func (g VaultGate) Token(ip string) string {
	m := hmac.New(sha256.New, []byte(g.Secret))
	m.Write([]byte(ip))
	return hex.EncodeToString(m.Sum(nil))
}

func (g VaultGate) Check(r *http.Request) State {
	c, err := r.Cookie(VaultCookie)
	if err != nil || c.Value == "" {
		return Missing
	}
	if g.Secret == "" {
		return Invalid
	}
	got, err := hex.DecodeString(c.Value)
	if err != nil {
		return Invalid
	}
	want, _ := hex.DecodeString(g.Token(g.IPs.ClientIP(r)))
	if !hmac.Equal(got, want) {
		return Invalid
	}
	return Valid
}

func (g VaultGate) Issue(w http.ResponseWriter, ip string) {
	setCookie(w, VaultCookie, g.Token(ip), VaultPath, VaultTTL, g.Secure)
}

func (g VaultGate) Clear(w http.ResponseWriter) {
	clearCookie(w, VaultCookie, VaultPath, g.Secure)
}

// Require hides the console from callers without a cookie and revokes a
// cookie presented from a different address.
func (g VaultGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.Check(r) {
		case Valid:
			next.ServeHTTP(w, r)
		case Invalid:
			g.Clear(w)
			revoked(r.Context(), g.Audit, "vault", g.IPs.ClientIP(r))
			disguise.Reject(w, http.StatusForbidden, "Session Invalidated")
		default:
			disguise.NotFound(w)
		}
	})
}

// DangerGate guards destructive operations with a short-lived cookie derived
// under a separate secret and a domain-separated input.
type DangerGate struct {
	Secret string
	Secure bool
	IPs    httpx.ClientIPResolver
	Audit  AuditSink
}

func (g DangerGate) Token(ip string) string {
	m := hmac.New(sha256.New, []byte(g.Secret))
	m.Write([]byte("danger|"))
	m.Write([]byte(ip))
	return hex.EncodeToString(m.Sum(nil))
}

func (g DangerGate) Check(r *http.Request) State {
	c, err := r.Cookie(DangerCookie)
	if err != nil || c.Value == "" {
		return Missing
	}
	if g.Secret == "" {
		return Invalid
	}
	want := g.Token(g.IPs.ClientIP(r))
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(want)) != 1 {
		return Invalid
	}
	return Valid
}

func (g DangerGate) Issue(w http.ResponseWriter, ip string) {
	setCookie(w, DangerCookie, g.Token(ip), DangerPath, DangerTTL, g.Secure)
}

func (g DangerGate) Clear(w http.ResponseWriter) {
	clearCookie(w, DangerCookie, DangerPath, g.Secure)
}

func (g DangerGate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch g.Check(r) {
		case Valid:
			next.ServeHTTP(w, r)
		case Invalid:
			g.Clear(w)
			revoked(r.Context(), g.Audit, "danger", g.IPs.ClientIP(r))
			disguise.Reject(w, http.StatusForbidden, "Session Invalidated")
		default:
			disguise.NotFound(w)
		}
	})
}
