package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docrag/intake/internal/backend"
	"github.com/docrag/intake/internal/breaker"
	dedupmem "github.com/docrag/intake/internal/dedup/memory"
	"github.com/docrag/intake/internal/intake"
	"github.com/docrag/intake/internal/queue"
	"github.com/docrag/intake/internal/storage/memory"
	"github.com/docrag/intake/internal/telemetry"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type recordingDeliverer struct {
	mu   sync.Mutex
	jobs []intake.Job
	urls []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, job intake.Job, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	d.urls = append(d.urls, url)
}

func (d *recordingDeliverer) deliveries() ([]intake.Job, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]intake.Job(nil), d.jobs...), append([]string(nil), d.urls...)
}

type notifyRecorder struct {
	mu   sync.Mutex
	jobs []intake.Job
}

func (n *notifyRecorder) Notify(job intake.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

type harness struct {
	pool     *Pool
	queue    *queue.Queue
	store    *memory.JobStore
	backend  *backend.Fake
	breaker  *breaker.Breaker
	dedup    *dedupmem.Store
	deliver  *recordingDeliverer
	notifier *notifyRecorder
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, be *backend.Fake, brk *breaker.Breaker) *harness {
	return newHarnessTimeout(t, be, brk, 2*time.Second)
}

func newHarnessTimeout(t *testing.T, be *backend.Fake, brk *breaker.Breaker, timeout time.Duration) *harness {
	t.Helper()
	telemetry.Init()

	h := &harness{
		queue:    queue.New(8),
		store:    memory.NewJobStore(100, realClock{}),
		backend:  be,
		breaker:  brk,
		dedup:    dedupmem.NewStore(),
		deliver:  &recordingDeliverer{},
		notifier: &notifyRecorder{},
	}
	h.pool = NewPool(Config{
		Queue:          h.queue,
		Store:          h.store,
		Backend:        h.backend,
		Breaker:        h.breaker,
		Router:         intake.NewParserRouter(15, intake.ParserMinerU),
		Dedup:          h.dedup,
		Notifier:       h.notifier,
		Deliver:        h.deliver,
		Clock:          realClock{},
		Logger:         zap.NewNop(),
		Workers:        1,
		ProcessTimeout: timeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.pool.Wait()
	})
	return h
}

func (h *harness) submit(t *testing.T, item intake.QueueItem) {
	t.Helper()
	require.NoError(t, h.store.CreateJob(context.Background(), intake.Job{
		ID:      item.JobID,
		PaperID: item.PaperID,
		Status:  intake.JobStatusQueued,
	}))
	require.NoError(t, h.queue.TryEnqueue(item))
}

func (h *harness) waitTerminal(t *testing.T, id string) intake.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := h.store.GetJob(context.Background(), id)
		if err == nil && job.Status.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_SuccessfulJob(t *testing.T) {
	be := &backend.Fake{
		ParseFunc: func(_ context.Context, path string, parser intake.Parser) (intake.ExtractedDocument, error) {
			return intake.ExtractedDocument{OutputDir: "/out", Parser: parser, MarkdownBytes: 512}, nil
		},
	}
	h := newHarness(t, be, breaker.New(3, time.Minute, realClock{}))

	h.submit(t, intake.QueueItem{
		JobID:      "j1",
		PaperID:    "p1",
		PDFPath:    "/data/a.pdf",
		Digest:     "digest-1",
		PageCount:  5,
		WebhookURL: "https://hooks.example.com/cb",
	})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	require.True(t, job.Result.Indexed)
	require.Equal(t, intake.ParserMinerU, job.Result.Parser)
	require.Equal(t, "digest-1", job.Result.Digest)

	// Dedup record written for the processed digest.
	_, ok, err := h.dedup.Lookup(context.Background(), "digest-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Completion notified and webhook handed off.
	jobs, urls := h.deliver.deliveries()
	require.Len(t, jobs, 1)
	require.Equal(t, []string{"https://hooks.example.com/cb"}, urls)
}

func TestPool_LongDocumentRoutesToDocling(t *testing.T) {
	var gotParser intake.Parser
	be := &backend.Fake{
		ParseFunc: func(_ context.Context, _ string, parser intake.Parser) (intake.ExtractedDocument, error) {
			gotParser = parser
			return intake.ExtractedDocument{Parser: parser}, nil
		},
	}
	h := newHarness(t, be, breaker.New(3, time.Minute, realClock{}))

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf", PageCount: 40})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusSucceeded, job.Status)
	require.Equal(t, intake.ParserDocling, gotParser)
}

func TestPool_BackendFailureFailsJobAndCountsOnBreaker(t *testing.T) {
	be := &backend.Fake{
		ParseFunc: func(context.Context, string, intake.Parser) (intake.ExtractedDocument, error) {
			return intake.ExtractedDocument{}, errors.New("engine exploded")
		},
	}
	brk := breaker.New(2, time.Minute, realClock{})
	h := newHarness(t, be, brk)

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf"})
	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "engine exploded")

	h.submit(t, intake.QueueItem{JobID: "j2", PaperID: "p2", PDFPath: "/data/b.pdf"})
	h.waitTerminal(t, "j2")

	// Two consecutive failures tripped the breaker.
	require.ErrorIs(t, brk.Allow(), intake.ErrBreakerOpen)
}

func TestPool_OpenBreakerFailsQueuedJobs(t *testing.T) {
	be := &backend.Fake{}
	brk := breaker.New(1, time.Hour, realClock{})
	brk.RecordFailure()
	h := newHarness(t, be, brk)

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf"})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "circuit breaker is open")

	parse, _, _ := h.backend.Calls()
	require.Zero(t, parse)
}

func TestPool_TimeoutMarksJobTimedOut(t *testing.T) {
	be := &backend.Fake{
		ParseFunc: func(ctx context.Context, _ string, _ intake.Parser) (intake.ExtractedDocument, error) {
			<-ctx.Done()
			return intake.ExtractedDocument{}, ctx.Err()
		},
	}
	h := newHarnessTimeout(t, be, breaker.New(5, time.Minute, realClock{}), 50*time.Millisecond)

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf"})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "timed out")
}

func TestPool_IngestFailureFailsJob(t *testing.T) {
	be := &backend.Fake{
		IngestFunc: func(context.Context, intake.ExtractedDocument) (intake.KGResult, error) {
			return intake.KGResult{}, errors.New("graph write failed")
		},
	}
	h := newHarness(t, be, breaker.New(5, time.Minute, realClock{}))

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf"})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "graph write failed")

	// Failed jobs leave no dedup record.
	n, err := h.dedup.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPool_UnknownParserOverrideFailsWithoutBackendCall(t *testing.T) {
	be := &backend.Fake{}
	h := newHarness(t, be, breaker.New(5, time.Minute, realClock{}))

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf", ForceParser: "evil"})

	job := h.waitTerminal(t, "j1")
	require.Equal(t, intake.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "invalid parser")

	parse, _, _ := h.backend.Calls()
	require.Zero(t, parse)
}

func TestPool_NotifiesCompletionListeners(t *testing.T) {
	be := &backend.Fake{}
	h := newHarness(t, be, breaker.New(5, time.Minute, realClock{}))

	h.submit(t, intake.QueueItem{JobID: "j1", PaperID: "p1", PDFPath: "/data/a.pdf"})
	h.waitTerminal(t, "j1")

	require.Eventually(t, func() bool {
		h.notifier.mu.Lock()
		defer h.notifier.mu.Unlock()
		return len(h.notifier.jobs) == 1
	}, time.Second, 5*time.Millisecond)
}
