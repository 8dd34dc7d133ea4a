package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/docrag/intake/internal/breaker"
	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/ssrf"
	"github.com/docrag/intake/internal/telemetry"
)

type processRequest struct {
	PDFPath        string `json:"pdf_path"`
	PaperID        string `json:"paper_id"`
	ForceParser    string `json:"force_parser"`
	ForceReprocess bool   `json:"force_reprocess"`
	WebhookURL     string `json:"webhook_url"`
}

type queryRequest struct {
	Query       string `json:"query"`
	Mode        string `json:"mode"`
	ContextOnly bool   `json:"context_only"`
}

// admission is the outcome of the guard chain for one submission.
type admission struct {
	job    intake.Job
	cached *intake.Result
}

// processPDF accepts a document for asynchronous processing.
func (s *Server) processPDF(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeProcess(w, r)
	if !ok {
		return
	}
	adm, ok := s.admit(w, r, req)
	if !ok {
		return
	}
	if adm.cached != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"cached":  true,
			"result":  adm.cached,
		})
		return
	}
	queued, running := s.jobStore.ActiveCounts(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"job_id":  adm.job.ID,
		"status":  adm.job.Status,
		"queued":  queued,
		"running": running,
	})
}

// processPDFSync accepts a document and waits for its terminal state. On
// timeout the job keeps running and the client gets its id for polling.
func (s *Server) processPDFSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeProcess(w, r)
	if !ok {
		return
	}

	// Register before admission enqueues the job so a fast completion
	// cannot slip past the waiter.
	var ch chan intake.Job
	adm, ok := s.admitWith(w, r, req, func(jobID string) {
		ch = s.waiters.register(jobID)
	})
	if !ok {
		return
	}
	if adm.cached != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"cached":  true,
			"result":  adm.cached,
		})
		return
	}

	timer := time.NewTimer(s.cfg.SyncTimeout())
	defer timer.Stop()

	select {
	case job := <-ch:
		status := http.StatusOK
		body := map[string]any{
			"success": job.Status == intake.JobStatusSucceeded,
			"job_id":  job.ID,
			"status":  job.Status,
		}
		if job.Result != nil {
			body["result"] = job.Result
		}
		if job.ErrorText != "" {
			body["error"] = job.ErrorText
			status = http.StatusBadGateway
		}
		writeJSON(w, status, body)
	case <-timer.C:
		s.waiters.drop(adm.job.ID)
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"success": false,
			"job_id":  adm.job.ID,
			"error":   "processing timed out; poll /jobs/" + adm.job.ID,
		})
	case <-r.Context().Done():
		s.waiters.drop(adm.job.ID)
	}
}

func (s *Server) decodeProcess(w http.ResponseWriter, r *http.Request) (processRequest, bool) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return processRequest{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return processRequest{}, false
	}
	if strings.TrimSpace(req.PDFPath) == "" {
		writeError(w, http.StatusBadRequest, "pdf_path is required")
		return processRequest{}, false
	}
	return req, true
}

// admit runs the guard chain: path validation, parser and webhook checks,
// dedup lookup, breaker gate, queue admission.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, req processRequest) (admission, bool) {
	return s.admitWith(w, r, req, nil)
}

func (s *Server) admitWith(w http.ResponseWriter, r *http.Request, req processRequest, beforeEnqueue func(jobID string)) (admission, bool) {
	ctx := r.Context()

	resolved, err := s.paths.Validate(req.PDFPath)
	if err != nil {
		s.rejectSubmission(w, err)
		return admission{}, false
	}

	if req.ForceParser != "" && !intake.ValidParser(intake.Parser(req.ForceParser)) {
		telemetry.ObserveRejection("invalid_parser")
		writeError(w, http.StatusBadRequest, intake.ErrUnknownParser.Error())
		return admission{}, false
	}

	if req.WebhookURL != "" {
		if _, err := s.webhooks.Validate(ctx, req.WebhookURL); err != nil {
			telemetry.ObserveRejection("invalid_webhook")
			// Policy rejections are forbidden destinations; everything else is
			// a malformed URL.
			status := http.StatusBadRequest
			if errors.Is(err, ssrf.ErrForbiddenHost) || errors.Is(err, ssrf.ErrForbiddenTarget) {
				status = http.StatusForbidden
			}
			writeError(w, status, fmt.Sprintf("invalid webhook_url: %v", err))
			return admission{}, false
		}
	}

	digest, err := s.hasher.HashFile(resolved)
	if err != nil {
		s.log.Error("hash document", zap.String("path", resolved), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read document")
		return admission{}, false
	}

	paperID := req.PaperID
	if paperID == "" {
		paperID = strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
	}

	if !req.ForceReprocess {
		if rec, ok, err := s.dedup.Lookup(ctx, digest); err != nil {
			s.log.Warn("dedup lookup", zap.Error(err))
		} else if ok {
			telemetry.ObserveDedupHit()
			var result intake.Result
			if err := json.Unmarshal(rec.ResultJSON, &result); err != nil {
				s.log.Warn("decode cached result", zap.Error(err))
			}
			result.Cached = true
			result.CachedAs = rec.PaperID
			result.Digest = digest
			if req.WebhookURL != "" {
				s.deliverCached(resolved, digest, paperID, req.WebhookURL, &result)
			}
			return admission{cached: &result}, true
		}
	}

	if st := s.breaker.Snapshot(); st.RetryAfter > 0 {
		telemetry.ObserveRejection("breaker_open")
		retry := int(st.RetryAfter.Seconds() + 0.5)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success":             false,
			"error":               intake.ErrBreakerOpen.Error(),
			"retry_after_seconds": retry,
		})
		return admission{}, false
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate job id")
		return admission{}, false
	}
	job := intake.Job{
		ID:             jobID,
		PaperID:        paperID,
		PDFPath:        resolved,
		Digest:         digest,
		WebhookURL:     req.WebhookURL,
		ForceParser:    intake.Parser(req.ForceParser),
		ForceReprocess: req.ForceReprocess,
		Status:         intake.JobStatusQueued,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return admission{}, false
	}
	if beforeEnqueue != nil {
		beforeEnqueue(jobID)
	}

	item := intake.QueueItem{
		JobID:          jobID,
		PaperID:        paperID,
		PDFPath:        resolved,
		Digest:         digest,
		PageCount:      intake.CountPDFPages(resolved),
		ForceParser:    intake.Parser(req.ForceParser),
		ForceReprocess: req.ForceReprocess,
		WebhookURL:     req.WebhookURL,
	}
	if err := s.queue.TryEnqueue(item); err != nil {
		telemetry.ObserveRejection("queue_full")
		if _, cErr := s.jobStore.CompleteJob(ctx, jobID, intake.JobStatusFailed, nil, intake.ErrQueueFull.Error()); cErr != nil {
			s.log.Warn("discard rejected job", zap.Error(cErr))
		}
		s.waiters.drop(jobID)
		writeError(w, http.StatusServiceUnavailable, intake.ErrQueueFull.Error())
		return admission{}, false
	}
	telemetry.SetQueueDepth(s.queue.Depth())

	return admission{job: job}, true
}

// deliverCached re-delivers a cached result through the normal webhook path.
// A synthetic completed job gives the delivery outcome a record to land on;
// no queue slot or worker is consumed.
func (s *Server) deliverCached(path, digest, paperID, webhookURL string, result *intake.Result) {
	if s.deliver == nil {
		return
	}
	jobID, err := s.idGen.NewID()
	if err != nil {
		s.log.Warn("generate cached job id", zap.Error(err))
		return
	}
	ctx := context.Background()
	job := intake.Job{
		ID:         jobID,
		PaperID:    paperID,
		PDFPath:    path,
		Digest:     digest,
		WebhookURL: webhookURL,
		Status:     intake.JobStatusQueued,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		s.log.Warn("record cached job", zap.Error(err))
		return
	}
	done, err := s.jobStore.CompleteJob(ctx, jobID, intake.JobStatusSucceeded, result, "")
	if err != nil {
		s.log.Warn("complete cached job", zap.Error(err))
		return
	}
	go s.deliver.Deliver(ctx, done, webhookURL)
}

// rejectSubmission maps path validation failures onto the client statuses.
func (s *Server) rejectSubmission(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrNotFound):
		telemetry.ObserveRejection("not_found")
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, intake.ErrOutsideAllowlist):
		telemetry.ObserveRejection("outside_allowlist")
		writeError(w, http.StatusForbidden, err.Error())
	default:
		telemetry.ObserveRejection("bad_path")
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// query forwards a semantic query to the backend. The circuit breaker does
// not gate reads; a broken ingest path should not block retrieval.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	mode := intake.QueryMode(req.Mode)
	if req.Mode == "" {
		mode = intake.QueryModeHybrid
	}
	if !intake.ValidQueryMode(mode) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mode %q", req.Mode))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.Engine.TimeoutSeconds)*time.Second)
	defer cancel()

	result, err := s.backend.Query(ctx, intake.QueryRequest{
		Query:       req.Query,
		Mode:        mode,
		ContextOnly: req.ContextOnly,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "query timed out")
			return
		}
		writeError(w, http.StatusBadGateway, fmt.Sprintf("query failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mode":    mode,
		"answer":  result.Answer,
		"context": result.Context,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, intake.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobStore.ListActiveJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	queued, running := s.jobStore.ActiveCounts(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    jobs,
		"queued":  queued,
		"running": running,
	})
}

func (s *Server) resetBreaker(w http.ResponseWriter, _ *http.Request) {
	s.breaker.Reset()
	telemetry.SetBreakerState(string(s.breaker.Snapshot().State))
	s.log.Info("circuit breaker reset via API")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   s.breaker.Snapshot().State,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.breaker.Snapshot()
	status := "ok"
	if st.State != breaker.StateClosed {
		status = "degraded"
	}
	queued, running := s.jobStore.ActiveCounts(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"breaker":     st,
		"queue_depth": s.queue.Depth(),
		"queued":      queued,
		"running":     running,
		"tuning": map[string]any{
			"workers":            s.cfg.Jobs.Workers,
			"workers_source":     s.cfg.Jobs.WorkersSource,
			"queue_depth":        s.cfg.Jobs.QueueDepth,
			"queue_depth_source": s.cfg.Jobs.QueueDepthSource,
		},
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	queued, running := s.jobStore.ActiveCounts(r.Context())
	documents := 0
	if n, err := s.dedup.Count(r.Context()); err == nil {
		documents = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"breaker": s.breaker.Snapshot(),
		"jobs": map[string]any{
			"queued":  queued,
			"running": running,
			"depth":   s.queue.Depth(),
			"workers": s.cfg.Jobs.Workers,
		},
		"documents_processed": documents,
		"allowed_roots":       s.paths.Roots(),
		"page_threshold":      s.cfg.Jobs.PageThreshold,
		"default_parser":      s.cfg.Jobs.DefaultParser,
	})
}
