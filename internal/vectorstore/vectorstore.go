// Package vectorstore holds the semantic index for archived intelligence:
// a qdrant-backed collection engine with delete-then-insert upserts keyed
// on the parent document, a lifecycle façade that gates callers until the
// embedding backend is reachable, and an HTTP server/client pair so the
// index can run in-process or as a standalone service.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Payload keys every chunk carries alongside caller metadata. original_doc_id
// links a chunk back to its parent document and drives the replace-on-upsert
// semantics.
const (
	payloadContent     = "content"
	payloadChunkID     = "chunk_id"
	payloadParentDoc   = "original_doc_id"
	payloadChunkIndex  = "chunk_index"
	payloadTotalChunks = "total_chunks"
)

// ErrInitializing is returned by data operations while the engine is still
// loading. The HTTP layer maps it to 503 with a retry hint.
var ErrInitializing = errors.New("vectorstore: engine initializing")

// FailedError reports a terminal initialization failure. Data operations
// keep returning it until the process is restarted or a restore succeeds.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	return "Engine failed to start: " + e.Reason
}

// NotFoundError reports an operation against a collection nobody created.
type NotFoundError struct {
	Collection string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Collection '%s' not found. Please create it via POST /api/collections first.", e.Collection)
}

// CollectionConfig names a collection and fixes its chunking parameters.
// Reconfiguring an existing collection only affects future writes.
type CollectionConfig struct {
	Name         string `json:"name,omitempty"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

// SearchHit is one collapsed search result: the best-scoring chunk of a
// parent document. Metadata carries the chunk payload minus the content.
type SearchHit struct {
	DocID    string         `json:"doc_id"`
	ChunkID  string         `json:"chunk_id"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// DocumentRow is one chunk in a browse page.
type DocumentRow struct {
	ChunkID  string         `json:"chunk_id"`
	DocID    string         `json:"doc_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// DocumentPage is a paginated chunk listing.
type DocumentPage struct {
	Items  []DocumentRow `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Status is the lifecycle snapshot served at /api/status.
type Status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	DBPath string `json:"db_path"`
	Model  string `json:"model"`
}

// VectorIndex is the full operation surface of the vector service. The
// in-process Service and the HTTP Client both satisfy it, so the hub and
// the tooling run identically whether the index lives in this process or
// behind the standalone server.
type VectorIndex interface {
	// WaitUntilReady blocks until the engine reports ready, the context
	// ends, or initialization fails terminally.
	WaitUntilReady(ctx context.Context) error

	// Status reports the lifecycle snapshot. It never blocks on readiness.
	Status(ctx context.Context) (*Status, error)

	// EnsureCollection creates the named collection when missing and
	// registers its chunking parameters, returning the effective config.
	EnsureCollection(ctx context.Context, name string, chunkSize, chunkOverlap int) (CollectionConfig, error)

	// ListCollections returns the collection names known to the index.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert replaces every chunk of docID with chunks split from text.
	// Returns the number of chunks written; empty text deletes the old
	// chunks and writes nothing.
	Upsert(ctx context.Context, collection, docID, text string, metadata map[string]any) (int, error)

	// Search returns the best chunk per parent document, highest
	// similarity first, after applying the Mongo-style criteria filter.
	Search(ctx context.Context, collection, query string, topN int, scoreThreshold float64, criteria map[string]any) ([]SearchHit, error)

	// Exists reports whether any chunk of docID is present.
	Exists(ctx context.Context, collection, docID string) (bool, error)

	// DeleteDocument removes every chunk of docID, reporting whether
	// anything was there to remove.
	DeleteDocument(ctx context.Context, collection, docID string) (bool, error)

	// Count returns the chunk count of a collection.
	Count(ctx context.Context, collection string) (int, error)

	// ListDocuments returns one page of chunks for browsing.
	ListDocuments(ctx context.Context, collection string, limit, offset int) (*DocumentPage, error)

	// Clear wipes a collection, keeping its configuration.
	Clear(ctx context.Context, collection string) error

	// Backup streams a zip archive of every collection to w.
	Backup(ctx context.Context, w io.Writer) error

	// Restore replaces the index contents from a backup archive on disk.
	Restore(ctx context.Context, archivePath string) error
}
