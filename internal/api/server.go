package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"loan-cob-scheduler/internal/cob"
	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/investor"
	"loan-cob-scheduler/internal/models"
	"loan-cob-scheduler/internal/queue"
	"loan-cob-scheduler/internal/ratelimit"
	"loan-cob-scheduler/internal/store"
	"loan-cob-scheduler/internal/telemetry"
)

// Executions reads and stops job executions.
type Executions interface {
	GetExecution(ctx context.Context, id int64) (models.JobExecution, error)
	Stop(ctx context.Context, id int64) (bool, error)
	AppendAudit(ctx context.Context, executionID int64, event, detail string) error
}

type JobLauncher interface {
	Launch(ctx context.Context, req cob.JobRequest) (models.JobExecution, error)
}

type CatchUp interface {
	Trigger(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	OldestProcessed(ctx context.Context) (cob.OldestCOBProcessed, error)
}

type InlineRunner interface {
	Run(ctx context.Context, ids []int64) (cob.PartitionReport, error)
}

// Transfers registers ownership transfer requests and reads current owners.
type Transfers interface {
	Register(ctx context.Context, t *models.OwnershipTransfer) error
	CurrentOwner(ctx context.Context, loanID int64) (*models.OwnershipTransfer, error)
}

type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

type Limiter interface {
	Allow(ctx context.Context, route, caller string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind the HTTP handlers. Limiter and Transfers
// are optional.
type Deps struct {
	Executions Executions
	Launcher   JobLauncher
	CatchUp    CatchUp
	Inline     InlineRunner
	Transfers  Transfers
	DLQ        DeadLetters
	Limiter    Limiter
}

// Server wires HTTP handlers for the COB API.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.With(s.rateLimited("run")).Post("/jobs/loan-cob/run", s.handleRun)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/stop", s.handleStop)

		r.With(s.rateLimited("catch-up")).Post("/loans/catch-up", s.handleCatchUp)
		r.Get("/loans/catch-up/is-running", s.handleIsCatchUpRunning)
		r.Get("/loans/oldest-cob-closed", s.handleOldestCOBClosed)
		r.With(s.rateLimited("inline")).Post("/loans/inline-cob", s.handleInlineCOB)

		r.Post("/loans/{id}/transfers", s.handleRegisterTransfer)
		r.Get("/loans/{id}/owner", s.handleCurrentOwner)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

type runRequest struct {
	BusinessDate string `json:"business_date"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	var job cob.JobRequest
	if req.BusinessDate != "" {
		d, err := models.ParseDate(req.BusinessDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "business_date must be YYYY-MM-DD")
			return
		}
		job.BusinessDate = d
	}

	exec, err := s.deps.Launcher.Launch(r.Context(), job)
	if err != nil {
		logs.Errorf("launch COB: %+v", err)
		writeError(w, http.StatusInternalServerError, "launch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	exec, err := s.deps.Executions.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	stopped, err := s.deps.Executions.Stop(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to stop execution")
		return
	}
	if !stopped {
		writeError(w, http.StatusConflict, "execution is not running")
		return
	}
	_ = s.deps.Executions.AppendAudit(r.Context(), id, "stopping", "stop requested via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": models.StatusStopping})
}

func (s *Server) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	err := s.deps.CatchUp.Trigger(r.Context())
	if errors.Is(err, cob.ErrCatchUpRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		logs.Errorf("trigger catch-up: %+v", err)
		writeError(w, http.StatusInternalServerError, "catch-up failed to start")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIsCatchUpRunning(w http.ResponseWriter, r *http.Request) {
	running, err := s.deps.CatchUp.IsRunning(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isCatchUpRunning": running})
}

func (s *Server) handleOldestCOBClosed(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.CatchUp.OldestProcessed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type inlineRequest struct {
	LoanIDs []int64 `json:"loanIds"`
}

func (s *Server) handleInlineCOB(w http.ResponseWriter, r *http.Request) {
	var req inlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.LoanIDs) == 0 {
		writeError(w, http.StatusBadRequest, "loanIds is required")
		return
	}
	report, err := s.deps.Inline.Run(r.Context(), req.LoanIDs)
	if err != nil {
		logs.Errorf("inline COB: %+v", err)
		writeError(w, http.StatusInternalServerError, "inline COB failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type transferRequest struct {
	Owner              string          `json:"owner"`
	ExternalID         string          `json:"external_id"`
	PurchasePriceRatio decimal.Decimal `json:"purchase_price_ratio"`
	Status             string          `json:"status"`
	SettlementDate     string          `json:"settlement_date"`
}

func (s *Server) handleRegisterTransfer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transfers == nil {
		writeError(w, http.StatusNotImplemented, "transfers are not configured")
		return
	}
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	status := models.TransferStatus(req.Status)
	if status == "" {
		status = models.TransferPending
	}
	if status != models.TransferPending && status != models.TransferBuyback {
		writeError(w, http.StatusBadRequest, "status must be PENDING or BUYBACK")
		return
	}
	if req.Owner == "" || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "owner and external_id are required")
		return
	}
	settlement, err := models.ParseDate(req.SettlementDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "settlement_date must be YYYY-MM-DD")
		return
	}

	t := &models.OwnershipTransfer{
		LoanID:             loanID,
		Owner:              req.Owner,
		ExternalID:         req.ExternalID,
		PurchasePriceRatio: req.PurchasePriceRatio,
		Status:             status,
		SettlementDate:     settlement,
	}
	err = s.deps.Transfers.Register(r.Context(), t)
	if errors.Is(err, investor.ErrNoActiveTransfer) || errors.Is(err, investor.ErrBuybackConflict) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		logs.Errorf("register transfer of loan %d: %+v", loanID, err)
		writeError(w, http.StatusInternalServerError, "register transfer failed")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCurrentOwner(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transfers == nil {
		writeError(w, http.StatusNotImplemented, "transfers are not configured")
		return
	}
	loanID, ok := pathID(w, r)
	if !ok {
		return
	}
	owner, err := s.deps.Transfers.CurrentOwner(r.Context(), loanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if owner == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("loan %d has no external owner", loanID))
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

// handleDLQ returns the dead-lettered partitions.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimited(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.deps.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			d, err := s.deps.Limiter.Allow(r.Context(), route, callerFromRequest(r))
			if err != nil {
				logs.Errorf("rate limit %s: %+v", route, err)
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
			if !d.Allowed {
				telemetry.RateLimitRejects.WithLabelValues(route).Inc()
				if d.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				}
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
