// Package api exposes the gateway over HTTP for operators: approval
// resolution, audit queries, a live audit stream and remote execution.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/gateway"
	"cmdgate/internal/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
	realm           = "cmdgate"
)

// Config configures the admin server.
type Config struct {
	Addr string
	Auth config.APIAuth
	// MetricsPath mounts the Prometheus endpoint when non-empty.
	MetricsPath string
	Logger      *slog.Logger
}

// Server is the HTTP front of one Gateway.
type Server struct {
	gw          *gateway.Gateway
	addr        string
	auth        config.APIAuth
	metricsPath string
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server

	// closed when the server shuts down so hijacked stream
	// connections stop too.
	done     chan struct{}
	doneOnce sync.Once
}

func NewServer(gw *gateway.Gateway, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8790"
	}
	s := &Server{
		gw:          gw,
		addr:        cfg.Addr,
		auth:        cfg.Auth,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger,
		done:        make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)
	if s.metricsPath != "" {
		r.Get(s.metricsPath, metrics.Collector.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/v1/rules", s.handleRules)
		r.Post("/v1/check", s.handleCheck)
		r.Post("/v1/exec", s.handleExec)

		r.Get("/v1/approvals", s.handleListApprovals)
		r.Get("/v1/approvals/{id}", s.handleGetApproval)
		r.Post("/v1/approvals/{id}/approve", s.handleDecide(domain.ApprovalApproved))
		r.Post("/v1/approvals/{id}/reject", s.handleDecide(domain.ApprovalRejected))
		r.Get("/v1/decisions", s.handleDecisions)

		r.Get("/v1/audit", s.handleAudit)
		r.Get("/v1/audit/stats", s.handleStats)
		r.Get("/v1/audit/stream", s.handleStream)
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("admin api started", "addr", "http://"+s.addr, "auth", s.auth.Enabled)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.closeStreams()
		return fmt.Errorf("admin api: %w", err)
	}
}

func (s *Server) closeStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}

// requireAuth enforces HTTP Basic auth when it is enabled.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashPassword(pass)), []byte(s.auth.PasswordHash)) == 1
}

// HashPassword returns the hex SHA-256 form stored in api.auth.passwordHash.
func HashPassword(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return hex.EncodeToString(sum[:])
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"rules":   len(s.gw.ListRules()),
		"pending": len(s.gw.ListPending()),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")
	rules := s.gw.ListRules()
	out := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		if family != "" && rule.Family != family {
			continue
		}
		out = append(out, NewRuleView(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	rule, err := s.gw.Check(req.Command, req.Args, req.Env)
	if err != nil {
		writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckResponse{Allowed: true, Rule: NewRuleView(rule)})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}
	if req.TimeoutSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "timeoutSeconds must not be negative"})
		return
	}
	if req.RequestedBy == "" {
		if user, _, ok := r.BasicAuth(); ok {
			req.RequestedBy = user
		}
	}

	res, err := s.gw.Execute(r.Context(), req.toDomain())
	if err != nil {
		writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.ListPending())
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.gw.GetApproval(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "approval request not found"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecide(status domain.ApprovalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body DecisionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
				return
			}
		}
		approver := body.Approver
		if approver == "" {
			if user, _, ok := r.BasicAuth(); ok {
				approver = user
			} else {
				approver = "api"
			}
		}

		var ok bool
		if status == domain.ApprovalApproved {
			ok = s.gw.Approve(id, approver)
		} else {
			ok = s.gw.Reject(id, approver)
		}

		req, found := s.gw.GetApproval(id)
		switch {
		case !found:
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "approval request not found"})
		case !ok:
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:      fmt.Sprintf("approval request is %s", req.Status),
				ApprovalID: id,
			})
		default:
			s.logger.Info("approval resolved over api", "id", id, "status", status, "approver", approver)
			writeJSON(w, http.StatusOK, req)
		}
	}
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Decisions())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.gw.QueryAudit(filter))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Stats())
}

func parseFilter(r *http.Request) (domain.AuditFilter, error) {
	q := r.URL.Query()
	f := domain.AuditFilter{Command: q.Get("command")}

	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("until: %w", err)
		}
	}
	if v := q.Get("blocked"); v != "" {
		if f.BlockedOnly, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("blocked: %w", err)
		}
	}
	if v := q.Get("approved"); v != "" {
		if f.ApprovedOnly, err = strconv.ParseBool(v); err != nil {
			return f, fmt.Errorf("approved: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return f, nil
}

// --- Responses ---

type errorResponse struct {
	Error      string      `json:"error"`
	Kind       domain.Kind `json:"kind,omitempty"`
	ApprovalID string      `json:"approvalId,omitempty"`
	Stdout     string      `json:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty"`
}

// StatusFor maps a gate error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch {
	case kind == domain.KindApprovalRequired:
		return http.StatusAccepted
	case kind == domain.KindApprovalExpired:
		return http.StatusGone
	case kind.Rejection():
		return http.StatusForbidden
	case kind == domain.KindTimeout:
		return http.StatusGatewayTimeout
	case kind == domain.KindSpawnFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeGateError(w http.ResponseWriter, err error) {
	var ge *domain.GateError
	if !errors.As(err, &ge) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	status := StatusFor(ge.Kind)
	if errors.Is(err, gateway.ErrShutdown) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{
		Error:      ge.Reason,
		Kind:       ge.Kind,
		ApprovalID: ge.ApprovalID,
		Stdout:     ge.Stdout,
		Stderr:     ge.Stderr,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
