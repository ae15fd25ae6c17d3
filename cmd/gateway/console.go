package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/httpx"
	"zerokeep/pkg/session"
	"zerokeep/pkg/stream"
	"zerokeep/pkg/vault"
)

func (s *Server) mountConsoles(r chi.Router) {
	c := s.Console
	r.Route("/api/sys-monitor", func(op chi.Router) {
		op.Post("/login", c.HandleOperatorLogin)
		op.Post("/logout", c.HandleLogout)
		op.Get("/status", s.handleStatus)
		op.With(c.Operator.Require).Post("/wipe", s.handleOperatorWipe)
	})
	r.Route(session.VaultPath, func(vo chi.Router) {
		vo.Use(c.Vault.Require)
		vo.Get("/logs", s.handleLogs)
		vo.Get("/stream", stream.Handler(s.Events, s.WSOrigins))
		if s.Metrics != nil {
			vo.Get("/metrics", s.Metrics.Handler())
			vo.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		}
		vo.Post("/danger-login", c.HandleDangerLogin)
		vo.Route("/danger", func(d chi.Router) {
			d.Use(c.Danger.Require)
			d.Post("/wipe", s.handleDangerWipe)
			d.Post("/wipe-owner", s.handleWipeOwner)
		})
	})
}

// handleStatus is the console heartbeat; it reports whether the vault
// cookie is still valid for this caller.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"valid": s.Console.Vault.Check(r) == session.Valid})
}

func (s *Server) handleOperatorWipe(w http.ResponseWriter, r *http.Request) {
	s.audit(r, audit.ActionWipeInitiated, audit.StatusWarning, map[string]any{"console": "operator"})
	n, err := s.Vault.WipeAll(r.Context())
	if err != nil {
		s.audit(r, audit.ActionWipeCompleted, audit.StatusFailure, map[string]any{"console": "operator"})
		s.internalError(w, "wipe", err)
		return
	}
	s.audit(r, audit.ActionWipeCompleted, audit.StatusSuccess, map[string]any{"console": "operator", "shards_b": n})
	s.logger().Warn("system wipe completed", "console", "operator")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "System Wiped"})
}

func (s *Server) handleDangerWipe(w http.ResponseWriter, r *http.Request) {
	s.audit(r, audit.ActionWipeInitiated, audit.StatusWarning, map[string]any{"console": "danger"})
	n, err := s.Vault.WipeAll(r.Context())
	if err != nil {
		s.audit(r, audit.ActionWipeCompleted, audit.StatusFailure, map[string]any{"console": "danger"})
		s.internalError(w, "wipe", err)
		return
	}
	s.audit(r, audit.ActionWipeCompleted, audit.StatusSuccess, map[string]any{"console": "danger", "shards_b": n})
	s.logger().Warn("system wipe completed", "console", "danger")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "message": "System Wiped"})
}

type wipeOwnerRequest struct {
	OwnerHash string `json:"owner_hash"`
}

func (s *Server) handleWipeOwner(w http.ResponseWriter, r *http.Request) {
	var req wipeOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.OwnerHash) < vault.MinOwnerHashLen {
		httpx.ErrorDetails(w, http.StatusBadRequest, "Invalid Request", "Missing or invalid owner_hash")
		return
	}
	n, err := s.Vault.WipeByOwner(r.Context(), req.OwnerHash)
	if err != nil {
		s.audit(r, audit.ActionWipeCompleted, audit.StatusFailure, map[string]any{"console": "danger", "scope": "owner"})
		s.internalError(w, "wipe owner", err)
		return
	}
	s.audit(r, audit.ActionWipeCompleted, audit.StatusSuccess, map[string]any{"console": "danger", "scope": "owner", "records": n})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": n})
}

// handleLogs returns recent audit events and crash reports for the vault
// console.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, "audit list", err)
		return
	}
	crashes, err := s.Crashes.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, "crash list", err)
		return
	}
	s.audit(r, audit.ActionViewCrashLogs, audit.StatusSuccess, map[string]any{"count": len(crashes)})
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"audit": events, "crashes": crashes})
}
