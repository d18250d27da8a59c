// Package server exposes validation runs and their issues to reviewers over
// HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/ledger"
	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
	"github.com/sells-group/provider-qa/internal/validation"
)

// Options configures the review API.
type Options struct {
	AllowedOrigins []string
}

// Server serves the review API.
type Server struct {
	store  store.Store
	ledger *ledger.Ledger
	runner *validation.Runner
	router chi.Router
}

// New builds the router. runner may be nil, in which case provider lookup
// answers 503.
func New(st store.Store, lg *ledger.Ledger, runner *validation.Runner, opts Options) *Server {
	s := &Server{store: st, ledger: lg, runner: runner}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/issues", s.handleRunIssues)
		r.Post("/{id}/accept-all", s.handleAcceptAll)
		r.Post("/{id}/reject-all", s.handleRejectAll)
	})

	r.Route("/issues", func(r chi.Router) {
		r.Get("/{id}", s.handleGetIssue)
		r.Post("/{id}/accept", s.handleAccept)
		r.Post("/{id}/reject", s.handleReject)
	})

	r.Route("/providers", func(r chi.Router) {
		r.Post("/lookup", s.handleLookup)
		r.Get("/{id}", s.handleGetProvider)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("server: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{Limit: limit, Offset: offset})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.ValidationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunIssues(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		respondErr(w, r, err)
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.IssueFilter{RunID: runID, Limit: limit, Offset: offset}
	if st := r.URL.Query().Get("status"); st != "" {
		status := model.IssueStatus(st)
		if status != model.IssueOpen && !status.Terminal() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(st))
			return
		}
		filter.Status = status
	}
	issues, err := s.store.ListIssues(r.Context(), filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	is, err := s.store.GetIssue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Accept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcceptAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.AcceptAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.RejectAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type lookupRequest struct {
	NPI string `json:"npi"`
}

type lookupResponse struct {
	Run      *model.ValidationRun       `json:"run"`
	Result   *validation.ProviderResult `json:"result"`
	Provider *model.Provider            `json:"provider,omitempty"`
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "npi lookup is not configured")
		return
	}
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NPI == "" {
		writeError(w, http.StatusBadRequest, "npi is required")
		return
	}

	ctx, span := tracing.Start(r.Context(), "server.lookup", attribute.String("npi", req.NPI))
	defer span.End()

	run, res, err := s.runner.ValidateByNPI(ctx, req.NPI)
	if err != nil && run == nil {
		respondErr(w, r, err)
		return
	}
	if err != nil {
		zap.L().Warn("server: lookup validated with errors", zap.String("npi", req.NPI), zap.Error(err))
	}

	out := lookupResponse{Run: run, Result: res}
	if res != nil {
		if p, perr := s.store.GetProvider(ctx, res.ProviderID); perr == nil {
			out.Provider = p
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, validation.ErrNPINotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIssueNotOpen), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnmappedField),
		errors.Is(err, ledger.ErrVerificationFailed),
		errors.Is(err, validation.ErrInvalidNPI):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		zap.L().Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, eris.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, eris.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
