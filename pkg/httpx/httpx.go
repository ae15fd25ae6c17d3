package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

var securityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-Robots-Tag", "noindex, nofollow"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload"},
	{"Cache-Control", "no-store"},
}

// SecurityHeadersMiddleware marks every response as uncacheable, unframeable
// and unindexed. Vault payloads and console pages both pass through it.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// GatewayHeaders are the request headers a signed vault call carries.
var GatewayHeaders = []string{"Content-Type", "X-Api-Key", "X-Device-Id", "X-Timestamp", "X-Signature", "X-Owner-Hash"}

const corsMethods = "GET,POST,PATCH,DELETE,OPTIONS"

// CORSPolicy is an origin allowlist. "*" admits any origin but never with
// credentials.
type CORSPolicy struct {
	origins   map[string]struct{}
	anyOrigin bool
}

// ParseCORSPolicy reads a comma separated origin list.
func ParseCORSPolicy(list string) CORSPolicy {
	p := CORSPolicy{origins: map[string]struct{}{}}
	for _, part := range strings.Split(list, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	return p
}

func (p CORSPolicy) Allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// allowedHeaders keeps the requested headers that a gateway call may carry.
func allowedHeaders(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return strings.Join(GatewayHeaders, ",")
	}
	var keep []string
	for _, raw := range strings.Split(requested, ",") {
		name := strings.TrimSpace(raw)
		for _, g := range GatewayHeaders {
			if strings.EqualFold(name, g) {
				keep = append(keep, g)
				break
			}
		}
	}
	return strings.Join(keep, ",")
}

func (p CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		preflight := r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
		if !p.Allows(origin) {
			if preflight {
				Error(w, http.StatusForbidden, "Origin Not Allowed")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Add("Vary", "Origin")
		h.Add("Vary", "Access-Control-Request-Method")
		h.Add("Vary", "Access-Control-Request-Headers")
		h.Set("Access-Control-Allow-Origin", origin)
		if _, listed := p.origins[origin]; listed {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", allowedHeaders(r.Header.Get("Access-Control-Request-Headers")))
		h.Set("Access-Control-Max-Age", "600")
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware builds the policy for a comma separated origin list.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	return ParseCORSPolicy(allowedOrigins).Middleware
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": msg}.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// ErrorDetails carries per-field validation problems alongside msg.
func ErrorDetails(w http.ResponseWriter, status int, msg string, details any) {
	WriteJSON(w, status, map[string]any{"error": msg, "details": details})
}
