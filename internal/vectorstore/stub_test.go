package vectorstore

import (
	"context"
	"io"
	"sync"
)

// stubIndex is a canned VectorIndex for handler and adapter tests. Every
// operation fails with err when it is set, mirroring the lifecycle gate.
type stubIndex struct {
	mu sync.Mutex

	err    error
	status *Status

	collections  []string
	upsertChunks int
	hits         map[string][]SearchHit
	exists       bool
	deleted      bool
	count        int
	page         *DocumentPage
	backupData   []byte

	ensured      []CollectionConfig
	upserts      []stubUpsert
	searches     []stubSearch
	cleared      []string
	restoredPath string
}

type stubUpsert struct {
	Collection string
	DocID      string
	Text       string
	Metadata   map[string]any
}

type stubSearch struct {
	Collection string
	Query      string
	TopN       int
	Threshold  float64
	Criteria   map[string]any
}

func (s *stubIndex) WaitUntilReady(_ context.Context) error { return s.err }

func (s *stubIndex) Status(_ context.Context) (*Status, error) {
	if s.status != nil {
		return s.status, nil
	}
	return &Status{Status: string(StateReady), DBPath: "qdrant://stub:0", Model: "stub-embedder"}, nil
}

func (s *stubIndex) EnsureCollection(_ context.Context, name string, chunkSize, chunkOverlap int) (CollectionConfig, error) {
	if s.err != nil {
		return CollectionConfig{}, s.err
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap <= 0 {
		chunkOverlap = defaultChunkOverlap
	}
	cfg := CollectionConfig{Name: name, ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
	s.mu.Lock()
	s.ensured = append(s.ensured, cfg)
	s.mu.Unlock()
	return cfg, nil
}

func (s *stubIndex) ListCollections(_ context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.collections, nil
}

func (s *stubIndex) Upsert(_ context.Context, collection, docID, text string, metadata map[string]any) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	s.upserts = append(s.upserts, stubUpsert{Collection: collection, DocID: docID, Text: text, Metadata: metadata})
	s.mu.Unlock()
	return s.upsertChunks, nil
}

func (s *stubIndex) Search(_ context.Context, collection, query string, topN int, scoreThreshold float64, criteria map[string]any) ([]SearchHit, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.searches = append(s.searches, stubSearch{Collection: collection, Query: query, TopN: topN, Threshold: scoreThreshold, Criteria: criteria})
	s.mu.Unlock()
	return s.hits[collection], nil
}

func (s *stubIndex) Exists(_ context.Context, _, _ string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.exists, nil
}

func (s *stubIndex) DeleteDocument(_ context.Context, _, _ string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.deleted, nil
}

func (s *stubIndex) Count(_ context.Context, _ string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.count, nil
}

func (s *stubIndex) ListDocuments(_ context.Context, _ string, limit, offset int) (*DocumentPage, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.page != nil {
		return s.page, nil
	}
	return &DocumentPage{Items: []DocumentRow{}, Limit: limit, Offset: offset}, nil
}

func (s *stubIndex) Clear(_ context.Context, collection string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.cleared = append(s.cleared, collection)
	s.mu.Unlock()
	return nil
}

func (s *stubIndex) Backup(_ context.Context, w io.Writer) error {
	if s.err != nil {
		return s.err
	}
	_, err := w.Write(s.backupData)
	return err
}

func (s *stubIndex) Restore(_ context.Context, archivePath string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.restoredPath = archivePath
	s.mu.Unlock()
	return nil
}

var _ VectorIndex = (*stubIndex)(nil)
