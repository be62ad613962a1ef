// Package rag talks to the external document-store sidecar. The sidecar
// owns chunking, embedding, and vector search; this client only consumes
// its four opaque operations: upload, list, delete, and query.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// ErrNotConfigured is returned when no sidecar base URL is set.
var ErrNotConfigured = errors.New("document store is not configured")

// Document is the sidecar's view of one ingested file.
type Document struct {
	FileName   string `json:"fileName"`
	FilePath   string `json:"filePath"`
	ChunkCount int    `json:"chunkCount"`
}

// UploadResult is the outcome of an upload request.
type UploadResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Chunk is one retrieved context snippet.
type Chunk struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// Client communicates with the RAG sidecar over HTTP. A nil base URL
// yields ErrNotConfigured from every method, so callers don't need a
// separate "is RAG enabled" check.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the sidecar at baseURL. Empty baseURL is
// allowed and means the document features are disabled.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Configured reports whether a sidecar base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// UploadDocument asks the sidecar to ingest the file at path. PDFs are
// preflighted locally (see Preflight) before the request is made, so an
// unreadable file fails fast without a round trip.
func (c *Client) UploadDocument(ctx context.Context, path string) (UploadResult, error) {
	if !c.Configured() {
		return UploadResult{}, ErrNotConfigured
	}

	info, err := Preflight(path)
	if err != nil {
		return UploadResult{Success: false, Error: err.Error()}, err
	}

	body, err := json.Marshal(map[string]any{
		"path":  path,
		"pages": info.Pages,
	})
	if err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return UploadResult{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return UploadResult{}, fmt.Errorf("decoding upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if result.Error == "" {
			result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		result.Success = false
	}
	return result, nil
}

// ListDocuments returns all documents known to the sidecar.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/documents", nil)
	if err != nil {
		return nil, fmt.Errorf("creating list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list documents: unexpected status %d", resp.StatusCode)
	}

	var docs []Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decoding document list: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes the named document from the sidecar.
func (c *Client) DeleteDocument(ctx context.Context, name string) (bool, error) {
	if !c.Configured() {
		return false, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/documents/"+url.PathEscape(name), nil)
	if err != nil {
		return false, fmt.Errorf("creating delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("delete document: unexpected status %d", resp.StatusCode)
	}
}

// Query retrieves up to topK context chunks relevant to query.
func (c *Client) Query(ctx context.Context, query string, topK int) ([]Chunk, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if topK <= 0 {
		topK = 5
	}

	body, err := json.Marshal(map[string]any{"query": query, "top_k": topK})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query: unexpected status %d", resp.StatusCode)
	}

	var chunks []Chunk
	if err := json.NewDecoder(resp.Body).Decode(&chunks); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return chunks, nil
}
