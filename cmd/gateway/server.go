package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/disguise"
	"zerokeep/pkg/gatekeeper"
	"zerokeep/pkg/httpx"
	"zerokeep/pkg/metrics"
	"zerokeep/pkg/ratelimit"
	"zerokeep/pkg/session"
	"zerokeep/pkg/stream"
	"zerokeep/pkg/telemetry"
	"zerokeep/pkg/vault"
)

const headerOwnerHash = "X-Owner-Hash"

type vaultStore interface {
	Save(ctx context.Context, rec vault.Record) error
	FetchByOwner(ctx context.Context, ownerHash string) ([]vault.Record, error)
	DeleteOwned(ctx context.Context, id, ownerHash string) error
	Reorder(ctx context.Context, ownerHash string, items []vault.OrderItem) (int, error)
	WipeByOwner(ctx context.Context, ownerHash string) (int, error)
	WipeAll(ctx context.Context) (int, error)
}

type auditLog interface {
	Log(ctx context.Context, e audit.Event)
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

type crashLog interface {
	Append(ctx context.Context, c audit.Crash) error
	Recent(ctx context.Context, limit int) ([]audit.Crash, error)
}

type Server struct {
	Vault     vaultStore
	Audit     auditLog
	Crashes   crashLog
	Console   *session.Console
	Gate      *gatekeeper.Authenticator
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Registry
	Events    *stream.Hub
	IPs       httpx.ClientIPResolver
	Logger    *slog.Logger
	CORS      string
	WSOrigins []string
}

// Routes assembles the full HTTP surface. The gatekeeper runs on every
// path; console paths are exempt from it and carry their own cookie gates.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(disguise.Middleware)
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(s.CORS))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	if s.Gate != nil {
		r.Use(s.Gate.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { disguise.NotFound(w) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { disguise.NotFound(w) })

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(v chi.Router) {
		if s.Limiter != nil {
			v.Use(s.Limiter.Middleware(s.IPs.ClientIP))
		}
		v.Post("/vault/save", s.handleSave)
		v.Get("/vault/fetch", s.handleFetch)
		v.Post("/vault/delete", s.handleDelete)
		v.Patch("/vault/reorder", s.handleReorder)
		v.Post("/vault/wipe", s.handleWipeDisabled)
		v.Post("/logs", s.handleCrash)
	})

	if s.Console != nil {
		s.mountConsoles(r)
	}
	return r
}

type deleteRequest struct {
	ID string `json:"id"`
}

type reorderRequest struct {
	Items []vault.OrderItem `json:"items"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var rec vault.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Validation Failed", "body must be a JSON object")
		return
	}
	if errs := validateRecord(rec); errs != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Validation Failed", errs)
		return
	}
	if r.Header.Get(headerOwnerHash) != rec.OwnerHash {
		s.logger().Warn("owner hash mismatch", "ip", s.IPs.ClientIP(r))
		httpx.ErrorDetails(w, http.StatusForbidden, "Security Alert", "Owner Hash Mismatch between Header and Body")
		return
	}
	switch err := s.Vault.Save(r.Context(), rec); {
	case err == nil:
		httpx.WriteJSON(w, http.StatusCreated, map[string]string{"message": "Securely Stored"})
	case errors.Is(err, vault.ErrOwnerConflict):
		httpx.Error(w, http.StatusConflict, "Conflict")
	case errors.Is(err, vault.ErrInvalidRecord):
		httpx.ErrorDetails(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		s.internalError(w, "save", err)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFromHeader(w, r)
	if !ok {
		return
	}
	recs, err := s.Vault.FetchByOwner(r.Context(), owner)
	if err != nil {
		s.internalError(w, "fetch", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, recs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFromHeader(w, r)
	if !ok {
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Validation Failed", "body must be a JSON object")
		return
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Validation Failed", map[string]string{"id": "must be a uuid"})
		return
	}
	switch err := s.Vault.DeleteOwned(r.Context(), req.ID, owner); {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Deleted"})
	case errors.Is(err, vault.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Not Found")
	default:
		s.internalError(w, "delete", err)
	}
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFromHeader(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Invalid Input", "body must be a JSON object")
		return
	}
	if errs := validateReorder(req.Items); errs != nil {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Invalid Input", errs)
		return
	}
	start := time.Now()
	moved, err := s.Vault.Reorder(r.Context(), owner, req.Items)
	if err != nil {
		s.internalError(w, "reorder", err)
		return
	}
	s.logger().Debug("reorder applied", "items", len(req.Items), "moved", moved, "elapsed", time.Since(start))
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleWipeDisabled(w http.ResponseWriter, r *http.Request) {
	s.audit(r, audit.ActionWipeInitiated, audit.StatusFailure, map[string]any{"path": r.URL.Path, "reason": "disabled"})
	httpx.Error(w, http.StatusForbidden, "System Wipe is disabled by policy.")
}

func (s *Server) handleCrash(w http.ResponseWriter, r *http.Request) {
	var c audit.Crash
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "Invalid Body"})
		return
	}
	// Receipt time is stamped by the store, never taken from the client.
	c.ReceivedAt = time.Time{}
	if err := s.Crashes.Append(r.Context(), c); err != nil {
		s.logger().Error("crash log write failed", "err", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "Server Error"})
		return
	}
	s.logger().Info("crash logged", "device", c.Device, "exception", c.Exception)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Crash logged successfully"})
}

func (s *Server) ownerFromHeader(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(headerOwnerHash)
	if len(owner) < vault.MinOwnerHashLen {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Invalid Request", "Missing or invalid x-owner-hash")
		return "", false
	}
	return owner, true
}

// validateRecord returns per-field problems, or nil.
func validateRecord(rec vault.Record) map[string]string {
	var errs errsx.Map
	if _, err := uuid.Parse(rec.ID); err != nil {
		errs.Set("id", "must be a uuid")
	}
	if len(rec.OwnerHash) < vault.MinOwnerHashLen {
		errs.Set("owner_hash", fmt.Sprintf("must be at least %d characters", vault.MinOwnerHashLen))
	}
	if rec.EncryptedBlob == "" {
		errs.Set("encrypted_blob", "is required")
	}
	if rec.IV == "" {
		errs.Set("iv", "is required")
	}
	if rec.OrderIndex < 0 {
		errs.Set("order_index", "must be non-negative")
	}
	return details(errs)
}

func validateReorder(items []vault.OrderItem) map[string]string {
	var errs errsx.Map
	switch {
	case len(items) == 0:
		errs.Set("items", "must contain at least 1 item")
	case len(items) > vault.MaxReorderBatch:
		errs.Set("items", fmt.Sprintf("must contain at most %d items", vault.MaxReorderBatch))
	}
	for i, it := range items {
		if _, err := uuid.Parse(it.ID); err != nil {
			errs.Set(fmt.Sprintf("items.%d.id", i), "must be a uuid")
		}
		if it.Order < 0 {
			errs.Set(fmt.Sprintf("items.%d.order", i), "must be non-negative")
		}
	}
	return details(errs)
}

func details(errs errsx.Map) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, v := range errs {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger().Error("vault operation failed", "op", op, "err", err)
	httpx.Error(w, http.StatusInternalServerError, "Internal Server Error")
}

func (s *Server) audit(r *http.Request, action, status string, meta map[string]any) {
	if s.Audit == nil {
		return
	}
	s.Audit.Log(r.Context(), audit.Event{Action: action, Status: status, ActorIP: s.IPs.ClientIP(r), Metadata: meta})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is needed by the console websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// metricsMiddleware keys endpoints by route pattern so scanners probing
// random paths do not grow the registry.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		path := r.Method + " " + pattern
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}
