// Package worker runs the pool that drains the admission queue and drives
// documents through the knowledge-base backend.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docrag/intake/internal/breaker"
	"github.com/docrag/intake/internal/dedup"
	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/telemetry"
)

// Deliverer posts completion callbacks. The webhook dispatcher implements
// it; tests substitute a recorder.
type Deliverer interface {
	Deliver(ctx context.Context, job intake.Job, url string)
}

// Archiver persists terminal jobs out of process. Optional.
type Archiver interface {
	Archive(ctx context.Context, job intake.Job) error
}

// Pool owns n worker goroutines, all draining the same queue.
type Pool struct {
	queue    intake.Queue
	store    intake.JobStore
	backend  intake.Backend
	breaker  *breaker.Breaker
	router   *intake.ParserRouter
	dedup    dedup.Store
	notifier intake.CompletionNotifier
	deliver  Deliverer
	archive  Archiver
	clock    intake.Clock
	log      *zap.Logger

	workers int
	timeout time.Duration
	wg      sync.WaitGroup
}

// Config wires a Pool.
type Config struct {
	Queue    intake.Queue
	Store    intake.JobStore
	Backend  intake.Backend
	Breaker  *breaker.Breaker
	Router   *intake.ParserRouter
	Dedup    dedup.Store
	Notifier intake.CompletionNotifier
	Deliver  Deliverer
	Archive  Archiver
	Clock    intake.Clock
	Logger   *zap.Logger

	Workers        int
	ProcessTimeout time.Duration
}

// NewPool builds a Pool. Workers is clamped to at least 1.
func NewPool(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		queue:    cfg.Queue,
		store:    cfg.Store,
		backend:  cfg.Backend,
		breaker:  cfg.Breaker,
		router:   cfg.Router,
		dedup:    cfg.Dedup,
		notifier: cfg.Notifier,
		deliver:  cfg.Deliver,
		archive:  cfg.Archive,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		workers:  cfg.Workers,
		timeout:  cfg.ProcessTimeout,
	}
}

// Start launches the worker goroutines. They exit when ctx ends or the
// queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug("worker stopping", zap.Error(err))
			}
			return
		}
		telemetry.SetQueueDepth(p.queue.Depth())
		p.process(ctx, log, item)
	}
}

// process drives one job to a terminal state. Processing errors land on the
// job record; only infrastructure errors (store failures) are logged and
// swallowed.
func (p *Pool) process(ctx context.Context, log *zap.Logger, item intake.QueueItem) {
	log = log.With(zap.String("job_id", item.JobID), zap.String("paper_id", item.PaperID))

	if _, err := p.store.MarkRunning(ctx, item.JobID); err != nil {
		log.Error("mark job running", zap.Error(err))
		return
	}
	telemetry.IncRunningJobs()
	defer telemetry.DecRunningJobs()

	result, err := p.execute(ctx, log, item)

	status := intake.JobStatusSucceeded
	errText := ""
	if err != nil {
		status = intake.JobStatusFailed
		errText = err.Error()
		log.Warn("job failed", zap.Error(err))
	} else {
		log.Info("job succeeded", zap.String("parser", string(result.Parser)))
	}

	job, storeErr := p.store.CompleteJob(ctx, item.JobID, status, result, errText)
	if storeErr != nil {
		log.Error("complete job", zap.Error(storeErr))
		return
	}
	telemetry.ObserveJob(string(status))
	telemetry.SetBreakerState(string(p.breaker.Snapshot().State))

	if p.notifier != nil {
		p.notifier.Notify(job)
	}
	if p.archive != nil {
		if err := p.archive.Archive(ctx, job); err != nil {
			log.Warn("archive job", zap.Error(err))
		}
	}
	if item.WebhookURL != "" && p.deliver != nil {
		p.deliver.Deliver(ctx, job, item.WebhookURL)
	}
}

// execute runs the breaker-guarded parse and ingest calls and returns the
// job result.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, item intake.QueueItem) (*intake.Result, error) {
	parser, err := p.router.Choose(item.PageCount, item.ForceParser)
	if err != nil {
		return nil, err
	}

	if err := p.breaker.Allow(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	doc, err := p.backend.Parse(callCtx, item.PDFPath, parser)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, p.classify(callCtx, err)
	}
	doc.PaperID = item.PaperID

	kg, err := p.backend.Ingest(callCtx, doc)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, p.classify(callCtx, err)
	}
	p.breaker.RecordSuccess()

	result := &intake.Result{
		Indexed:       kg.Indexed,
		OutputDir:     kg.OutputDir,
		Parser:        parser,
		MarkdownBytes: doc.MarkdownBytes,
		Digest:        item.Digest,
	}
	p.remember(ctx, log, item, parser, result)
	return result, nil
}

// remember stores the dedup record so the next submission of the same
// content is answered from cache. Failure to record is not a job failure.
func (p *Pool) remember(ctx context.Context, log *zap.Logger, item intake.QueueItem, parser intake.Parser, result *intake.Result) {
	if p.dedup == nil || item.Digest == "" {
		return
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		log.Warn("encode dedup record", zap.Error(err))
		return
	}
	rec := dedup.Record{
		Digest:      item.Digest,
		PaperID:     item.PaperID,
		Path:        item.PDFPath,
		Parser:      string(parser),
		ResultJSON:  resultJSON,
		ProcessedAt: p.clock.Now(),
	}
	if err := p.dedup.Save(ctx, rec); err != nil {
		log.Warn("save dedup record", zap.Error(err))
	}
}

// classify maps deadline expiry onto the timeout sentinel so the API can
// distinguish slow backends from broken ones.
func (p *Pool) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", intake.ErrTimeout, p.timeout)
	}
	return err
}
