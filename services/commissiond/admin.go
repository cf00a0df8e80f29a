package commissiond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/observability"
)

const maxBodyBytes = 1 << 16

// AdminServer exposes HTTP endpoints for request intake and operator controls.
type AdminServer struct {
	distributor *Distributor
	journal     *Journal
	auth        *Authenticator
	limiter     *RateLimiter
	logger      *slog.Logger
	router      chi.Router
}

// NewAdminServer constructs a server wrapping the provided distributor. journal
// and limiter may be nil.
func NewAdminServer(distributor *Distributor, journal *Journal, auth *Authenticator, limiter *RateLimiter, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AdminServer{
		distributor: distributor,
		journal:     journal,
		auth:        auth,
		limiter:     limiter,
		logger:      logger.With("component", "admin"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware("admin"))

		r.With(s.auth.Require(ScopeReadRequests)).Get("/schedule", s.handleSchedule)
		r.With(s.auth.Require(ScopeReadRequests)).Get("/accounts/{id}", s.handleAccount)

		r.Route("/activations", func(r chi.Router) {
			r.With(s.auth.Require(ScopeWriteRequests)).Post("/", s.handleSubmitActivation)
			r.With(s.auth.Require(ScopeReadRequests)).Get("/", s.handleList(ledger.KindActivation))
			r.With(s.auth.Require(ScopeApproveActivations)).Post("/{id}/approve", s.handleApproveActivation)
			r.With(s.auth.Require(ScopeApproveActivations)).Post("/{id}/reject", s.handleRejectActivation)
		})
		r.Route("/withdrawals", func(r chi.Router) {
			r.With(s.auth.Require(ScopeWriteRequests)).Post("/", s.handleSubmitWithdrawal)
			r.With(s.auth.Require(ScopeReadRequests)).Get("/", s.handleList(ledger.KindWithdrawal))
			r.With(s.auth.Require(ScopeApproveWithdrawals)).Post("/{id}/approve", s.handleApproveWithdrawal)
			r.With(s.auth.Require(ScopeApproveWithdrawals)).Post("/{id}/reject", s.handleRejectWithdrawal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(ScopeProcessorAdmin))
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Get("/status", s.handleStatus)
			r.Get("/reconciliation", s.handleReconciliation)
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry instrumentation.
func (s *AdminServer) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "commissiond.admin")
}

func (s *AdminServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.API().Observe(route, status, time.Since(start))
	})
}

type scheduleResponse struct {
	Tiers         []referral.Tier `json:"tiers"`
	Total         referral.Amount `json:"total"`
	ActivationFee referral.Amount `json:"activation_fee"`
	Retained      referral.Amount `json:"retained"`
}

func (s *AdminServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	schedule := s.distributor.Schedule()
	fee := s.distributor.ActivationFee()
	writeJSON(w, http.StatusOK, scheduleResponse{
		Tiers:         schedule.Tiers(),
		Total:         schedule.Total(),
		ActivationFee: fee,
		Retained:      schedule.Retained(fee),
	})
}

func (s *AdminServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.distributor.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *AdminServer) handleSubmitActivation(w http.ResponseWriter, r *http.Request) {
	var claim ActivationClaim
	if !decodeBody(w, r, &claim) {
		return
	}
	req, err := s.distributor.SubmitActivation(r.Context(), claim)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *AdminServer) handleSubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var claim WithdrawalClaim
	if !decodeBody(w, r, &claim) {
		return
	}
	req, err := s.distributor.SubmitWithdrawal(r.Context(), claim)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *AdminServer) handleList(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status ledger.Status
		if raw := r.URL.Query().Get("status"); raw != "" {
			parsed, err := ledger.ParseStatus(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			status = parsed
		} else {
			status = ledger.StatusPending
		}
		if r.URL.Query().Get("all") == "true" {
			status = ""
		}
		requests, err := s.distributor.Requests(r.Context(), kind, status)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
	}
}

func (s *AdminServer) handleApproveActivation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.distributor.ApproveActivation(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r, "approve_activation", id)
	writeJSON(w, http.StatusOK, result)
}

func (s *AdminServer) handleRejectActivation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.distributor.RejectActivation(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r, "reject_activation", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.distributor.ApproveWithdrawal(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r, "approve_withdrawal", id)
	writeJSON(w, http.StatusOK, req)
}

func (s *AdminServer) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.distributor.RejectWithdrawal(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r, "reject_withdrawal", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.distributor.Pause()
	s.audit(r, "pause", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.distributor.Resume()
	s.audit(r, "resume", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.distributor.Status())
}

func (s *AdminServer) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	var (
		rows []Distribution
		err  error
	)
	if requestID := r.URL.Query().Get("request_id"); requestID != "" {
		rows, err = s.journal.ForRequest(r.Context(), requestID)
	} else {
		rows, err = s.journal.Anomalies(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

func (s *AdminServer) audit(r *http.Request, action, requestID string) {
	s.logger.Info("operator action",
		"action", action,
		"request_id", requestID,
		"subject", SubjectFromContext(r.Context()))
}

func (s *AdminServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

// statusFor maps operation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, referral.ErrPartialCommit):
		return http.StatusInternalServerError
	case errors.Is(err, ErrPaused), errors.Is(err, referral.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, referral.ErrInvalidState), errors.Is(err, ErrInFlight), errors.Is(err, ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, referral.ErrUnknownAccount), errors.Is(err, referral.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidMethod), errors.Is(err, ledger.ErrInvalidKind), errors.Is(err, ledger.ErrInvalidStatus):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
