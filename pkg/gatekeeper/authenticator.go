// Package gatekeeper admits or rejects every signed API call before it
// reaches a handler. The decision (Evaluate) is kept apart from the response
// disguise (Middleware) so the policy can be tested without HTTP.
package gatekeeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zerokeep/pkg/disguise"
	"zerokeep/pkg/httpx"
)

const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderDeviceID  = "X-Device-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	DefaultTolerance = 60 * time.Second
)

var ErrMissingSecret = errors.New("gatekeeper: api key or hmac secret not configured")

var DefaultHoneypots = []string{
	"/wp-admin", "/wp-login.php", "/.env", "/.git", "/phpmyadmin",
	"/admin", "/config.php", "/xmlrpc.php", "/server-status", "/actuator",
}

var DefaultExempt = []string{
	"/api/health", "/sys-monitor", "/api/sys-monitor", "/vault-ops", "/api/vault-ops",
}

type Outcome int

const (
	Reject Outcome = iota
	Admit
	AdmitDebug
	Bypass
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case AdmitDebug:
		return "debug"
	case Bypass:
		return "bypass"
	default:
		return "reject"
	}
}

// Stage names the check that produced a decision.
type Stage string

const (
	StageDebug     Stage = "debug"
	StageExempt    Stage = "exempt"
	StageHoneypot  Stage = "honeypot"
	StageGeo       Stage = "geo"
	StageProxy     Stage = "proxy"
	StageUserAgent Stage = "user_agent"
	StageAPIKey    Stage = "api_key"
	StageDevice    Stage = "device_id"
	StageTimestamp Stage = "timestamp"
	StageSignature Stage = "signature"
	StageReplay    Stage = "replay"
	StageAdmitted  Stage = "admitted"
)

// Request is the transport-free view of an inbound call.
type Request struct {
	Method       string
	Path         string
	APIKey       string
	DeviceID     string
	Timestamp    string
	Signature    string
	UserAgent    string
	ClientIP     string
	Country      string
	ProxyHeaders bool
	Body         []byte
}

type Decision struct {
	Outcome Outcome
	Stage   Stage
	Status  int
	Reason  string
	// Failures is the ledger count after this decision, when one was recorded.
	Failures   int64
	BanTripped bool
	Err        error
	// Elapsed is set by Middleware.
	Elapsed time.Duration
}

type Config struct {
	APIKey            string
	HMACSecret        string
	ExpectedUserAgent string
	DebugUserAgent    string
	AllowedCountry    string
	DevMode           bool
	Tolerance         time.Duration
	Honeypots         []string
	Exempt            []string
}

type Authenticator struct {
	Config  Config
	Ledger  *FailureLedger
	Replay  *ReplayGuard
	Now     func() time.Time
	Logger  *slog.Logger
	Observe func(Request, Decision)

	// Middleware wiring.
	IPs          httpx.ClientIPResolver
	Countries    CountryResolver
	MaxBodyBytes int64
}

func (a *Authenticator) Evaluate(ctx context.Context, req Request) Decision {
	cfg := a.Config
	if cfg.DebugUserAgent != "" && req.UserAgent == cfg.DebugUserAgent {
		return Decision{Outcome: AdmitDebug, Stage: StageDebug, Status: http.StatusOK}
	}
	if matchesPath(req.Path, exemptList(cfg.Exempt)) {
		return Decision{Outcome: Bypass, Stage: StageExempt, Status: http.StatusOK}
	}
	if matchesPath(req.Path, honeypotList(cfg.Honeypots)) {
		return reject(StageHoneypot, http.StatusNotFound, "Not Found")
	}
	if !cfg.DevMode && cfg.AllowedCountry != "" && !strings.EqualFold(req.Country, cfg.AllowedCountry) {
		return reject(StageGeo, http.StatusNotFound, "Not Found")
	}
	if !cfg.DevMode && req.ProxyHeaders {
		return reject(StageProxy, http.StatusForbidden, "Forbidden")
	}
	if req.UserAgent != cfg.ExpectedUserAgent {
		return reject(StageUserAgent, http.StatusForbidden, "Forbidden")
	}

	if cfg.APIKey == "" {
		return Decision{Outcome: Reject, Stage: StageAPIKey, Status: http.StatusInternalServerError, Reason: "Internal Server Error", Err: ErrMissingSecret}
	}
	banned, err := a.Ledger.Banned(ctx, req.ClientIP)
	if err != nil {
		a.logger().Warn("ban lookup failed", "ip", req.ClientIP, "err", err)
	}
	if banned || !ConstantTimeEqual(req.APIKey, cfg.APIKey) {
		return a.fail(ctx, req, StageAPIKey, "Unauthorized")
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return a.fail(ctx, req, StageDevice, "Missing Device ID")
	}
	if !a.fresh(req.Timestamp) {
		return a.fail(ctx, req, StageTimestamp, "Timestamp Expired")
	}
	if cfg.HMACSecret == "" {
		return Decision{Outcome: Reject, Stage: StageSignature, Status: http.StatusInternalServerError, Reason: "Internal Server Error", Err: ErrMissingSecret}
	}
	if !VerifySignature(cfg.HMACSecret, req.APIKey, req.Timestamp, req.UserAgent, req.DeviceID, req.Body, req.Signature) {
		return a.fail(ctx, req, StageSignature, "Invalid Signature")
	}
	fresh, err := a.Replay.Claim(ctx, strings.ToLower(strings.TrimSpace(req.Signature)))
	if err != nil {
		return Decision{Outcome: Reject, Stage: StageReplay, Status: http.StatusInternalServerError, Reason: "Internal Server Error", Err: err}
	}
	if !fresh {
		return a.fail(ctx, req, StageReplay, "Replay Detected")
	}
	return Decision{Outcome: Admit, Stage: StageAdmitted, Status: http.StatusOK}
}

func (a *Authenticator) fail(ctx context.Context, req Request, stage Stage, reason string) Decision {
	d := reject(stage, http.StatusUnauthorized, reason)
	count, tripped, err := a.Ledger.Record(ctx, req.ClientIP)
	if err != nil {
		a.logger().Warn("failure ledger write failed", "ip", req.ClientIP, "err", err)
		return d
	}
	d.Failures = count
	d.BanTripped = tripped
	if tripped {
		a.logger().Warn("client banned", "ip", req.ClientIP, "failures", count)
	}
	return d
}

func (a *Authenticator) fresh(raw string) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return false
	}
	tol := a.Config.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	// Bounds are compared directly; ts-now can overflow for extreme inputs.
	now, window := a.now().UnixMilli(), tol.Milliseconds()
	return ts >= now-window && ts <= now+window
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func reject(stage Stage, status int, reason string) Decision {
	return Decision{Outcome: Reject, Stage: stage, Status: status, Reason: reason}
}

func matchesPath(path string, list []string) bool {
	p := strings.ToLower(path)
	for _, candidate := range list {
		if p == candidate || strings.HasPrefix(p, candidate+"/") {
			return true
		}
	}
	return false
}

func exemptList(l []string) []string {
	if l == nil {
		return DefaultExempt
	}
	return l
}

func honeypotList(l []string) []string {
	if l == nil {
		return DefaultHoneypots
	}
	return l
}

// RequestFromHTTP builds the evaluation input. body must already be read.
func (a *Authenticator) RequestFromHTTP(r *http.Request, body []byte) Request {
	ip := a.IPs.ClientIP(r)
	country := ""
	if a.Countries != nil {
		country = a.Countries.Country(r, ip)
	}
	return Request{
		Method:       r.Method,
		Path:         r.URL.Path,
		APIKey:       r.Header.Get(HeaderAPIKey),
		DeviceID:     r.Header.Get(HeaderDeviceID),
		Timestamp:    r.Header.Get(HeaderTimestamp),
		Signature:    r.Header.Get(HeaderSignature),
		UserAgent:    r.UserAgent(),
		ClientIP:     ip,
		Country:      country,
		ProxyHeaders: r.Header.Get("Via") != "" || r.Header.Get("Proxy-Connection") != "",
		Body:         body,
	}
}

// Middleware applies Evaluate to every request and renders rejections
// through the disguise layer.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if !isCheapPath(r.URL.Path, a.Config) {
			b, err := httpx.ReadBody(r, a.MaxBodyBytes)
			if err != nil {
				if errors.Is(err, httpx.ErrBodyTooLarge) {
					disguise.Reject(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
					return
				}
				disguise.Reject(w, http.StatusBadRequest, "Bad Request")
				return
			}
			body = b
		}
		req := a.RequestFromHTTP(r, body)
		start := time.Now()
		d := a.Evaluate(r.Context(), req)
		d.Elapsed = time.Since(start)
		if a.Observe != nil {
			a.Observe(req, d)
		}
		switch d.Outcome {
		case AdmitDebug:
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "*")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		case Bypass:
			next.ServeHTTP(w, r)
		case Admit:
			disguise.Decorate(w.Header())
			next.ServeHTTP(w, r)
		default:
			if d.Err != nil {
				a.logger().Error("gatekeeper fault", "stage", string(d.Stage), "err", d.Err)
			} else {
				a.logger().Debug("request rejected", "stage", string(d.Stage), "ip", req.ClientIP, "status", d.Status)
			}
			disguise.Reject(w, d.Status, d.Reason)
		}
	})
}

// isCheapPath skips body buffering for requests that never reach the
// signature check.
func isCheapPath(path string, cfg Config) bool {
	return matchesPath(path, exemptList(cfg.Exempt)) || matchesPath(path, honeypotList(cfg.Honeypots))
}
