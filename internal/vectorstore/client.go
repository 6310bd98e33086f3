package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to a remote vector service over its HTTP surface and
// satisfies the same interface as the in-process Service.
type Client struct {
	baseURL string
	http    *http.Client
	poll    time.Duration
}

// NewClient prepares a client for the given base URL, e.g.
// "http://127.0.0.1:941".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		poll:    500 * time.Millisecond,
	}
}

// WaitUntilReady polls the status endpoint until the remote engine reports
// ready, fails terminally, or the context ends.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := c.Status(ctx)
		if err == nil {
			switch State(status.Status) {
			case StateReady:
				return nil
			case StateError:
				return &FailedError{Reason: status.Error}
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("vectorstore: service not ready: %w", lastErr)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status fetches the remote lifecycle snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// EnsureCollection creates a remote collection when missing.
func (c *Client) EnsureCollection(ctx context.Context, name string, chunkSize, chunkOverlap int) (CollectionConfig, error) {
	req := map[string]any{
		"name":          name,
		"chunk_size":    chunkSize,
		"chunk_overlap": chunkOverlap,
	}
	var resp struct {
		Config CollectionConfig `json:"config"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/collections", req, &resp); err != nil {
		return CollectionConfig{}, err
	}
	resp.Config.Name = name
	return resp.Config, nil
}

// ListCollections returns the remote collection names.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var resp struct {
		Collections []string `json:"collections"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/collections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

// Upsert replaces a document's chunks remotely and returns the chunk count.
func (c *Client) Upsert(ctx context.Context, collection, docID, text string, metadata map[string]any) (int, error) {
	req := map[string]any{
		"doc_id":   docID,
		"text":     text,
		"metadata": metadata,
	}
	var resp struct {
		ChunksCreated int `json:"chunks_created"`
	}
	if err := c.do(ctx, http.MethodPost, c.collectionPath(collection, "upsert"), req, &resp); err != nil {
		return 0, err
	}
	return resp.ChunksCreated, nil
}

// Search runs a semantic query against one remote collection.
func (c *Client) Search(ctx context.Context, collection, query string, topN int, scoreThreshold float64, criteria map[string]any) ([]SearchHit, error) {
	req := map[string]any{
		"query":           query,
		"top_n":           topN,
		"score_threshold": scoreThreshold,
	}
	if len(criteria) > 0 {
		req["filter_criteria"] = criteria
	}
	var resp struct {
		Results []SearchHit `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, c.collectionPath(collection, "search"), req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Exists probes for any chunk of docID.
func (c *Client) Exists(ctx context.Context, collection, docID string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	path := c.collectionPath(collection, "documents") + "/" + url.PathEscape(docID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// DeleteDocument removes a document's chunks. A missing document reports
// (false, nil); the service answers that case with its warning status.
func (c *Client) DeleteDocument(ctx context.Context, collection, docID string) (bool, error) {
	path := c.collectionPath(collection, "documents") + "/" + url.PathEscape(docID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err == nil {
		return true, nil
	}
	var missing *documentMissingError
	if errors.As(err, &missing) {
		return false, nil
	}
	return false, err
}

// Count returns the remote chunk count of a collection.
func (c *Client) Count(ctx context.Context, collection string) (int, error) {
	var resp struct {
		ChunkCount int `json:"chunk_count"`
	}
	if err := c.do(ctx, http.MethodGet, c.collectionPath(collection, "stats"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.ChunkCount, nil
}

// ListDocuments returns one page of remote chunks.
func (c *Client) ListDocuments(ctx context.Context, collection string, limit, offset int) (*DocumentPage, error) {
	path := fmt.Sprintf("%s?limit=%d&offset=%d", c.collectionPath(collection, "documents"), limit, offset)
	var page DocumentPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Clear wipes a remote collection.
func (c *Client) Clear(ctx context.Context, collection string) error {
	return c.do(ctx, http.MethodPost, c.collectionPath(collection, "clear"), nil, nil)
}

// Backup streams the remote backup archive into w.
func (c *Client) Backup(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/admin/backup", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: backup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp, "")
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("vectorstore: download backup: %w", err)
	}
	return nil
}

// Restore uploads a local archive to the remote restore endpoint.
func (c *Client) Restore(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("vectorstore: open archive: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(archivePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/restore", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	// Restores move every point; the default timeout is far too short.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: restore request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp, "")
	}
	return nil
}

func (c *Client) collectionPath(collection, suffix string) string {
	return "/api/collections/" + url.PathEscape(collection) + "/" + suffix
}

// do performs one JSON round trip; out may be nil when the body does not
// matter.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vectorstore: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp, collectionFromPath(path))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vectorstore: decode response: %w", err)
	}
	return nil
}

// documentMissingError distinguishes the delete-miss answer from real
// failures so DeleteDocument can report (false, nil).
type documentMissingError struct{}

func (*documentMissingError) Error() string { return "document not found" }

// decodeError maps the wire error contract back onto the package errors.
func (c *Client) decodeError(resp *http.Response, collection string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var body struct {
		Error   string `json:"error"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return ErrInitializing
	case http.StatusNotFound:
		if body.Status == "warning" {
			return &documentMissingError{}
		}
		if collection != "" {
			return &NotFoundError{Collection: collection}
		}
	case http.StatusInternalServerError:
		if reason := strings.TrimPrefix(body.Error, "Engine failed to start: "); reason != body.Error {
			return &FailedError{Reason: reason}
		}
	}

	message := body.Error
	if message == "" {
		message = body.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = resp.Status
	}
	return fmt.Errorf("vectorstore: service answered %d: %s", resp.StatusCode, message)
}

// collectionFromPath recovers the collection segment of an API path for
// error reporting.
func collectionFromPath(path string) string {
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	// api / collections / {collection} / ...
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "collections" {
		name, err := url.PathUnescape(parts[2])
		if err == nil {
			return name
		}
	}
	return ""
}

var _ VectorIndex = (*Client)(nil)
