package backend

import (
	"context"
	"sync"

	"github.com/docrag/intake/internal/intake"
)

// Fake is a scriptable intake.Backend for tests. Zero value succeeds with
// empty results.
type Fake struct {
	mu sync.Mutex

	ParseFunc  func(ctx context.Context, path string, parser intake.Parser) (intake.ExtractedDocument, error)
	IngestFunc func(ctx context.Context, doc intake.ExtractedDocument) (intake.KGResult, error)
	QueryFunc  func(ctx context.Context, req intake.QueryRequest) (intake.QueryResult, error)

	ParseCalls  int
	IngestCalls int
	QueryCalls  int
}

// Parse implements intake.Backend.
func (f *Fake) Parse(ctx context.Context, path string, parser intake.Parser) (intake.ExtractedDocument, error) {
	f.mu.Lock()
	f.ParseCalls++
	fn := f.ParseFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, path, parser)
	}
	return intake.ExtractedDocument{Parser: parser}, nil
}

// Ingest implements intake.Backend.
func (f *Fake) Ingest(ctx context.Context, doc intake.ExtractedDocument) (intake.KGResult, error) {
	f.mu.Lock()
	f.IngestCalls++
	fn := f.IngestFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, doc)
	}
	return intake.KGResult{Indexed: true, OutputDir: doc.OutputDir}, nil
}

// Query implements intake.Backend.
func (f *Fake) Query(ctx context.Context, req intake.QueryRequest) (intake.QueryResult, error) {
	f.mu.Lock()
	f.QueryCalls++
	fn := f.QueryFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return intake.QueryResult{Answer: "ok"}, nil
}

// Calls returns call counts under the lock.
func (f *Fake) Calls() (parse, ingest, query int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ParseCalls, f.IngestCalls, f.QueryCalls
}
