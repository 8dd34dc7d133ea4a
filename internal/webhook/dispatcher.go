// Package webhook delivers job completion callbacks over pinned
// connections.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/ssrf"
	"github.com/docrag/intake/internal/telemetry"
)

// payload is the callback body. Result and error mirror the job record.
type payload struct {
	JobID   string         `json:"job_id"`
	PaperID string         `json:"paper_id"`
	Status  string         `json:"status"`
	Result  *intake.Result `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Dispatcher posts terminal job snapshots to their callback URLs. Each URL
// is re-validated and re-pinned immediately before delivery; a single
// attempt is made and the outcome lands on the job record.
type Dispatcher struct {
	guard    *ssrf.Guard
	store    intake.JobStore
	log      *zap.Logger
	timeout  time.Duration
	perHost  rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Config controls dispatcher construction.
type Config struct {
	// Timeout bounds a single delivery attempt end to end.
	Timeout time.Duration
	// PerHostRate paces deliveries per destination host so one flapping
	// receiver cannot absorb the dispatcher. Zero disables pacing.
	PerHostRate  rate.Limit
	PerHostBurst int
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(guard *ssrf.Guard, store intake.JobStore, log *zap.Logger, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PerHostBurst <= 0 {
		cfg.PerHostBurst = 1
	}
	return &Dispatcher{
		guard:    guard,
		store:    store,
		log:      log,
		timeout:  cfg.Timeout,
		perHost:  cfg.PerHostRate,
		burst:    cfg.PerHostBurst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Deliver posts the job snapshot to url. The outcome is recorded on the
// job; delivery failure never fails the job itself.
func (d *Dispatcher) Deliver(ctx context.Context, job intake.Job, url string) {
	err := d.deliver(ctx, job, url)
	telemetry.ObserveWebhook(err == nil)
	if err != nil {
		d.log.Warn("webhook delivery failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	} else {
		d.log.Info("webhook delivered", zap.String("job_id", job.ID))
	}

	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if storeErr := d.store.SetWebhookOutcome(ctx, job.ID, err == nil, errText); storeErr != nil {
		d.log.Warn("record webhook outcome",
			zap.String("job_id", job.ID),
			zap.Error(storeErr))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job intake.Job, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	target, err := d.guard.Validate(ctx, url)
	if err != nil {
		return fmt.Errorf("revalidate webhook: %w", err)
	}

	if err := d.wait(ctx, target.Hostname); err != nil {
		return fmt.Errorf("pace webhook: %w", err)
	}

	body, err := json.Marshal(payload{
		JobID:   job.ID,
		PaperID: job.PaperID,
		Status:  string(job.Status),
		Result:  job.Result,
		Error:   job.ErrorText,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.clientFor(target).Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// clientFor builds a client that dials the pinned address while presenting
// the original hostname for TLS and the Host header. Redirects are refused;
// a redirect target was never validated.
func (d *Dispatcher) clientFor(target ssrf.PinnedTarget) *http.Client {
	pinned := target.Address()
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:   &tls.Config{ServerName: target.Hostname},
		DisableKeepAlives: true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (d *Dispatcher) wait(ctx context.Context, host string) error {
	if d.perHost <= 0 {
		return nil
	}
	d.mu.Lock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(d.perHost, d.burst)
		d.limiters[host] = lim
	}
	d.mu.Unlock()
	return lim.Wait(ctx)
}
