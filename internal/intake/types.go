// Package intake defines core types shared across subsystems.
package intake

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a processing job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Parser identifies which extraction engine handles a document.
type Parser string

// Recognized parser values. MinerU is the default engine, Docling is
// optimized for long documents, OCR is the fallback for scanned input.
const (
	ParserMinerU  Parser = "mineru"
	ParserDocling Parser = "docling"
	ParserOCR     Parser = "ocr"
)

// Job is the metadata persisted for each submitted processing request.
// A Job is owned by the job store from creation until terminal state;
// API callers only ever see snapshots.
type Job struct {
	ID               string     `json:"job_id"`
	PaperID          string     `json:"paper_id"`
	PDFPath          string     `json:"-"`
	Digest           string     `json:"digest,omitempty"`
	WebhookURL       string     `json:"-"`
	ForceParser      Parser     `json:"force_parser,omitempty"`
	ForceReprocess   bool       `json:"force_reprocess,omitempty"`
	Status           JobStatus  `json:"status"`
	Result           *Result    `json:"result,omitempty"`
	ErrorText        string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	WebhookDelivered *bool      `json:"webhook_delivered,omitempty"`
	WebhookError     string     `json:"webhook_error,omitempty"`
}

// Result is the payload stored on a succeeded job and replayed on dedup hits.
type Result struct {
	Indexed       bool   `json:"indexed"`
	OutputDir     string `json:"output_dir,omitempty"`
	Parser        Parser `json:"parser,omitempty"`
	MarkdownBytes int64  `json:"markdown_bytes,omitempty"`
	Digest        string `json:"digest,omitempty"`
	Cached        bool   `json:"cached,omitempty"`
	CachedAs      string `json:"cached_as,omitempty"`
}

// QueueItem is what travels through the bounded job queue.
type QueueItem struct {
	JobID          string
	PaperID        string
	PDFPath        string
	Digest         string
	PageCount      int
	ForceParser    Parser
	ForceReprocess bool
	WebhookURL     string
}

// ExtractedDocument is the opaque output of the external parse step.
type ExtractedDocument struct {
	PaperID       string `json:"paper_id"`
	OutputDir     string `json:"output_dir"`
	Parser        Parser `json:"parser"`
	MarkdownBytes int64  `json:"markdown_bytes"`
}

// KGResult is the opaque output of the external ingest step.
type KGResult struct {
	Indexed   bool   `json:"indexed"`
	OutputDir string `json:"output_dir"`
}

// QueryMode selects the knowledge-graph retrieval strategy.
type QueryMode string

// Supported query modes.
const (
	QueryModeHybrid QueryMode = "hybrid"
	QueryModeLocal  QueryMode = "local"
	QueryModeGlobal QueryMode = "global"
)

// ValidQueryMode reports whether the mode is one the backend accepts.
func ValidQueryMode(m QueryMode) bool {
	switch m {
	case QueryModeHybrid, QueryModeLocal, QueryModeGlobal:
		return true
	default:
		return false
	}
}

// QueryRequest is a semantic query against the knowledge base.
type QueryRequest struct {
	Query       string    `json:"query"`
	Mode        QueryMode `json:"mode"`
	ContextOnly bool      `json:"context_only"`
}

// QueryResult is the opaque answer (or raw context) from the backend.
type QueryResult struct {
	Answer  string `json:"answer,omitempty"`
	Context string `json:"context,omitempty"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and request identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Backend is the external knowledge-base engine. All three operations are
// slow and may fail or time out; callers bound them with contexts.
type Backend interface {
	Parse(ctx context.Context, path string, parser Parser) (ExtractedDocument, error)
	Ingest(ctx context.Context, doc ExtractedDocument) (KGResult, error)
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// JobStore persists job records and exposes read-only snapshots.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	MarkRunning(ctx context.Context, id string) (Job, error)
	CompleteJob(ctx context.Context, id string, status JobStatus, result *Result, errText string) (Job, error)
	SetWebhookOutcome(ctx context.Context, id string, delivered bool, errText string) error
	ActiveCounts(ctx context.Context) (queued, running int)
}

// CompletionNotifier receives terminal job snapshots. The API server uses it
// to unblock synchronous submissions.
type CompletionNotifier interface {
	Notify(job Job)
}

// Queue is the bounded admission queue feeding the worker pool.
type Queue interface {
	TryEnqueue(item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Depth() int
}
