// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the governor over HTTP: posture queries, threat and
// signal intake, session and level management, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/auth"
	"github.com/sec-posture/governor/pkg/config"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/governor"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/types"
)

// Server is the HTTP surface over a Governor.
type Server struct {
	gov     *governor.Governor
	httpSrv *http.Server
	limiter *clientLimiter
}

// New creates the server. The configured auth token guards every /v1 route;
// health and metrics stay open.
func New(gov *governor.Governor, cfg *config.Config) *Server {
	s := &Server{
		gov:     gov,
		limiter: newClientLimiter(50, 100),
	}

	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	tok := &tokenAuth{token: cfg.AuthToken}
	api.Use(s.limiter.middleware, tok.middleware)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/level", s.handleLevel).Methods(http.MethodGet)
	api.HandleFunc("/level/escalate", s.handleEscalate).Methods(http.MethodPost)
	api.HandleFunc("/level/deescalate", s.handleDeescalate).Methods(http.MethodPost)

	api.HandleFunc("/signals", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/threats", s.handleThreats).Methods(http.MethodGet)
	api.HandleFunc("/threats", s.handleReportThreat).Methods(http.MethodPost)
	api.HandleFunc("/threats/{id}", s.handleThreat).Methods(http.MethodGet)
	api.HandleFunc("/threats/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/threats/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/threats/{id}/false-positive", s.handleFalsePositive).Methods(http.MethodPost)

	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/enroll/password", s.handleEnrollPassword).Methods(http.MethodPost)
	api.HandleFunc("/auth/enroll/totp", s.handleEnrollTOTP).Methods(http.MethodPost)
	api.HandleFunc("/auth/unlock", s.handleUnlock).Methods(http.MethodPost)
	api.HandleFunc("/risk/{principal}", s.handleRisk).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/terminate", s.handleTerminate).Methods(http.MethodPost)

	api.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/reject", s.handleReject).Methods(http.MethodPost)

	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfigUpdate).Methods(http.MethodPatch)

	s.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	logger.Info("http server listening", logger.Fields{
		Component: "server",
		Additional: map[string]interface{}{
			"addr": s.httpSrv.Addr,
		},
	})
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeGovError maps the error taxonomy onto HTTP status codes.
func writeGovError(w http.ResponseWriter, err error) {
	var ge *govErrors.GovernorError
	if !errors.As(err, &ge) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch ge.Category {
	case govErrors.VALIDATION_ERROR:
		writeError(w, http.StatusBadRequest, ge.Message)
	case govErrors.AUTH_ERROR:
		writeError(w, http.StatusUnauthorized, ge.Message)
	case govErrors.LOCKOUT_ERROR:
		w.Header().Set("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, ge.Message)
	case govErrors.SESSION_ERROR:
		writeError(w, http.StatusNotFound, ge.Message)
	case govErrors.TRANSITION_ERROR:
		writeError(w, http.StatusConflict, ge.Message)
	default:
		writeError(w, http.StatusInternalServerError, ge.Message)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.Status())
}

func (s *Server) handleLevel(w http.ResponseWriter, _ *http.Request) {
	num, lvl := s.gov.CurrentLevel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"level":      num,
		"definition": lvl,
	})
}

type levelChangeRequest struct {
	Target int    `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req levelChangeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.gov.Escalate(req.Target, req.Reason); err != nil {
		writeGovError(w, err)
		return
	}
	s.handleLevel(w, r)
}

func (s *Server) handleDeescalate(w http.ResponseWriter, r *http.Request) {
	var req levelChangeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.gov.Deescalate(req.Target, req.Reason); err != nil {
		writeGovError(w, err)
		return
	}
	s.handleLevel(w, r)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var sig types.ThreatSignal
	if !decode(w, r, &sig) {
		return
	}
	if sig.Source == "" {
		writeError(w, http.StatusBadRequest, "signal source required")
		return
	}
	s.gov.Ingest(sig)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleThreats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.ActiveThreats())
}

func (s *Server) handleReportThreat(w http.ResponseWriter, r *http.Request) {
	var t types.Threat
	if !decode(w, r, &t) {
		return
	}
	stored, err := s.gov.ReportThreat(t)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleThreat(w http.ResponseWriter, r *http.Request) {
	t, err := s.gov.Threat(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	t, err := s.gov.AcknowledgeThreat(mux.Vars(r)["id"])
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !decode(w, r, &req) {
		return
	}
	t, err := s.gov.ResolveThreat(mux.Vars(r)["id"], req.Resolution)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	t, err := s.gov.MarkFalsePositive(mux.Vars(r)["id"])
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Type:        types.EventType(q.Get("type")),
		Severity:    types.Severity(q.Get("severity")),
		PrincipalID: q.Get("principal"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.gov.Events(f))
}

type loginRequest struct {
	PrincipalID string            `json:"principalId"`
	Origin      string            `json:"origin"`
	Factors     map[string]string `json:"factors"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	creds := make(auth.Credentials, len(req.Factors))
	for k, v := range req.Factors {
		creds[types.FactorType(k)] = v
	}
	session, err := s.gov.Authenticate(req.PrincipalID, req.Origin, creds)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleEnrollPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principalId"`
		Password    string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.gov.SetPassword(req.PrincipalID, req.Password); err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
}

func (s *Server) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principalId"`
	}
	if !decode(w, r, &req) {
		return
	}
	secret, url, err := s.gov.EnrollTOTP(req.PrincipalID)
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret, "url": url})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principalId"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.gov.Unlock(req.PrincipalID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.AssessRisk(mux.Vars(r)["principal"]))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if principal := r.URL.Query().Get("principal"); principal != "" {
		writeJSON(w, http.StatusOK, s.gov.SessionsFor(principal))
		return
	}
	writeJSON(w, http.StatusOK, s.gov.ActiveSessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.gov.Session(mux.Vars(r)["id"])
	if err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.gov.TerminateSession(mux.Vars(r)["id"], req.Reason); err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.PendingApprovals())
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.gov.ApproveAction(mux.Vars(r)["id"]); err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.gov.RejectAction(mux.Vars(r)["id"]); err != nil {
		writeGovError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.gov.Config()
	// Never echo the API token.
	cfg.AuthToken = ""
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var p config.Partial
	if !decode(w, r, &p) {
		return
	}
	if err := s.gov.UpdateConfig(p); err != nil {
		writeGovError(w, err)
		return
	}
	s.handleConfig(w, r)
}
