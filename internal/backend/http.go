// Package backend talks to the external knowledge-base engine over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docrag/intake/internal/intake"
)

// Client implements intake.Backend against the engine's JSON API. Timeouts
// are the caller's responsibility via context; the client itself never
// retries, since the circuit breaker owns failure policy.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the engine at baseURL. A nil httpClient
// falls back to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type parseRequest struct {
	Path   string        `json:"path"`
	Parser intake.Parser `json:"parser"`
}

type ingestRequest struct {
	Document intake.ExtractedDocument `json:"document"`
}

// Parse implements intake.Backend.
func (c *Client) Parse(ctx context.Context, path string, parser intake.Parser) (intake.ExtractedDocument, error) {
	var doc intake.ExtractedDocument
	err := c.post(ctx, "/parse", parseRequest{Path: path, Parser: parser}, &doc)
	if err != nil {
		return intake.ExtractedDocument{}, fmt.Errorf("parse: %w", err)
	}
	return doc, nil
}

// Ingest implements intake.Backend.
func (c *Client) Ingest(ctx context.Context, doc intake.ExtractedDocument) (intake.KGResult, error) {
	var result intake.KGResult
	err := c.post(ctx, "/ingest", ingestRequest{Document: doc}, &result)
	if err != nil {
		return intake.KGResult{}, fmt.Errorf("ingest: %w", err)
	}
	return result, nil
}

// Query implements intake.Backend.
func (c *Client) Query(ctx context.Context, req intake.QueryRequest) (intake.QueryResult, error) {
	var result intake.QueryResult
	err := c.post(ctx, "/query", req, &result)
	if err != nil {
		return intake.QueryResult{}, fmt.Errorf("query: %w", err)
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
