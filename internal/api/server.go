// Package api exposes the HTTP interface for the document intake service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docrag/intake/internal/auth"
	"github.com/docrag/intake/internal/breaker"
	"github.com/docrag/intake/internal/config"
	"github.com/docrag/intake/internal/dedup"
	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/pathguard"
	"github.com/docrag/intake/internal/ratelimit"
	"github.com/docrag/intake/internal/ssrf"
	"github.com/docrag/intake/internal/telemetry"
)

// Deliverer posts completion callbacks. Cached results go through the same
// delivery path as fresh jobs so no webhook check is bypassed.
type Deliverer interface {
	Deliver(ctx context.Context, job intake.Job, url string)
}

// Server wires HTTP handlers to the admission chain and stores.
type Server struct {
	router    chi.Router
	jobStore  intake.JobStore
	queue     intake.Queue
	backend   intake.Backend
	breaker   *breaker.Breaker
	paths     *pathguard.Validator
	webhooks  *ssrf.Guard
	dedup     dedup.Store
	hasher    intake.Hasher
	limiter   *ratelimit.Limiter
	clientKey ratelimit.KeyFunc
	idGen     intake.IDGenerator
	clock     intake.Clock
	deliver   Deliverer
	waiters   *waiterSet
	log       *zap.Logger
	cfg       config.Config
}

// Deps carries the server's collaborators.
type Deps struct {
	JobStore intake.JobStore
	Queue    intake.Queue
	Backend  intake.Backend
	Breaker  *breaker.Breaker
	Paths    *pathguard.Validator
	Webhooks *ssrf.Guard
	Dedup    dedup.Store
	Hasher   intake.Hasher
	Limiter  *ratelimit.Limiter
	IDGen    intake.IDGenerator
	Clock    intake.Clock
	Deliver  Deliverer
	Logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config) *Server {
	s := &Server{
		jobStore:  deps.JobStore,
		queue:     deps.Queue,
		backend:   deps.Backend,
		breaker:   deps.Breaker,
		paths:     deps.Paths,
		webhooks:  deps.Webhooks,
		dedup:     deps.Dedup,
		hasher:    deps.Hasher,
		limiter:   deps.Limiter,
		clientKey: ratelimit.ClientKey(cfg.Limits.TrustProxyHeaders, cfg.Limits.ProxyHops),
		idGen:     deps.IDGen,
		clock:     deps.Clock,
		deliver:   deps.Deliver,
		waiters:   newWaiterSet(),
		log:       deps.Logger,
		cfg:       cfg,
	}

	authn := auth.New(cfg.Auth.APIKey, "/health", "/status", "/metrics")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(bodyLimitMiddleware(cfg.Server.MaxBodyBytes))
	r.Use(telemetry.Middleware)
	r.Use(authn.Middleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Get("/jobs", s.listJobs)
	r.Get("/jobs/{job_id}", s.getJob)
	r.Get("/reset-circuit-breaker", s.resetBreaker)

	r.Post("/process", s.processPDF)
	r.Post("/process/sync", s.processPDFSync)
	r.Post("/query", s.query)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Notify implements intake.CompletionNotifier, unblocking synchronous
// submissions waiting on the job.
func (s *Server) Notify(job intake.Job) {
	s.waiters.notify(job)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Observability endpoints stay reachable for probes and dashboards even when
// a client has exhausted its window.
var rateLimitExempt = map[string]struct{}{
	"/health":  {},
	"/status":  {},
	"/metrics": {},
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := rateLimitExempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		decision := s.limiter.Check(s.clientKey(r))
		if !decision.Allowed {
			telemetry.ObserveRejection("rate_limited")
			retry := int(decision.RetryAfter.Seconds() + 0.5)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success":             false,
				"error":               "rate limit exceeded",
				"retry_after_seconds": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
