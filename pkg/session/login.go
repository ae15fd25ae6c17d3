package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/disguise"
	"zerokeep/pkg/gatekeeper"
	"zerokeep/pkg/httpx"
)

// Credentials for one console tier. PasswordHash is a bcrypt hash and
// TOTPSecret a base32 seed.
type Credentials struct {
	User         string
	PasswordHash string
	TOTPSecret   string
}

type AuditSink interface {
	Log(ctx context.Context, e audit.Event)
}

// Console serves the login and logout endpoints for every tier.
type Console struct {
	Operator OperatorGate
	Vault    VaultGate
	Danger   DangerGate
	Admin    Credentials
	Gate2    Credentials
	Ledger   *gatekeeper.FailureLedger
	Audit    AuditSink
	IPs      httpx.ClientIPResolver
	Now      func() time.Time
	Logger   *slog.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// HandleOperatorLogin checks the admin password and one-time code and
// issues both the operator and the vault cookie.
func (c *Console) HandleOperatorLogin(w http.ResponseWriter, r *http.Request) {
	ip := c.IPs.ClientIP(r)
	c.audit(r.Context(), audit.ActionLoginAttempt, audit.StatusWarning, ip, map[string]any{"gate": "operator"})
	req, ok := decodeLogin(r)
	if !ok || !c.allow(r.Context(), ip) || !c.verify(c.Admin, req, false) {
		c.reject(w, r, ip, "operator")
		return
	}
	c.Operator.Issue(w)
	c.Vault.Issue(w, ip)
	c.audit(r.Context(), audit.ActionLoginSuccess, audit.StatusSuccess, ip, map[string]any{"gate": "operator"})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDangerLogin is the independent re-authentication for the
// destructive sub-path. It expects to be mounted behind VaultGate.
func (c *Console) HandleDangerLogin(w http.ResponseWriter, r *http.Request) {
	ip := c.IPs.ClientIP(r)
	c.audit(r.Context(), audit.ActionLoginAttempt, audit.StatusWarning, ip, map[string]any{"gate": "danger"})
	req, ok := decodeLogin(r)
	if !ok || !c.allow(r.Context(), ip) || !c.verify(c.Gate2, req, true) {
		c.reject(w, r, ip, "danger")
		return
	}
	c.Danger.Issue(w, ip)
	c.audit(r.Context(), audit.ActionLoginSuccess, audit.StatusSuccess, ip, map[string]any{"gate": "danger"})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout clears every tier regardless of which cookies are present.
func (c *Console) HandleLogout(w http.ResponseWriter, r *http.Request) {
	c.Operator.Clear(w)
	c.Vault.Clear(w)
	c.Danger.Clear(w)
	c.audit(r.Context(), audit.ActionLogout, audit.StatusSuccess, c.IPs.ClientIP(r), nil)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func decodeLogin(r *http.Request) (loginRequest, bool) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, true
}

func (c *Console) allow(ctx context.Context, ip string) bool {
	if c.Ledger == nil {
		return true
	}
	banned, err := c.Ledger.Banned(ctx, ip)
	if err != nil {
		c.logger().Warn("ban lookup failed", "ip", ip, "err", err)
		return true
	}
	return !banned
}

func (c *Console) verify(cred Credentials, req loginRequest, checkUser bool) bool {
	if cred.PasswordHash == "" || cred.TOTPSecret == "" {
		return false
	}
	userOK := true
	if checkUser {
		userOK = cred.User != "" && subtle.ConstantTimeCompare([]byte(req.Username), []byte(cred.User)) == 1
	}
	passOK := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)) == nil
	codeOK, err := totp.ValidateCustom(strings.TrimSpace(req.Code), cred.TOTPSecret, c.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		codeOK = false
	}
	return userOK && passOK && codeOK
}

func (c *Console) reject(w http.ResponseWriter, r *http.Request, ip, gate string) {
	meta := map[string]any{"gate": gate}
	if c.Ledger != nil {
		count, tripped, err := c.Ledger.Record(r.Context(), ip)
		if err != nil {
			c.logger().Warn("failure ledger write failed", "ip", ip, "err", err)
		}
		meta["failures"] = count
		if tripped {
			c.audit(r.Context(), audit.ActionBanTripped, audit.StatusWarning, ip, map[string]any{"failures": count})
		}
	}
	c.audit(r.Context(), audit.ActionLoginFailed, audit.StatusFailure, ip, meta)
	disguise.Reject(w, http.StatusUnauthorized, "Unauthorized")
}

func (c *Console) audit(ctx context.Context, action, status, ip string, meta map[string]any) {
	if c.Audit == nil {
		return
	}
	c.Audit.Log(ctx, audit.Event{Action: action, Status: status, ActorIP: ip, Metadata: meta})
}

func (c *Console) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Console) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
