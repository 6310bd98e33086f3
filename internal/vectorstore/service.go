package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"intelligence-hub/internal/embeddings"
	"intelligence-hub/internal/logging"
)

// State is the façade lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateError        State = "error"
)

// ServiceOptions configure the façade and its backends.
type ServiceOptions struct {
	QdrantHost string
	QdrantPort int
	APIKey     string
	UseTLS     bool
	Embedder   embeddings.EmbeddingService
	Logger     logging.Logger
}

// Service owns the engine lifecycle. A background initializer moves it
// from initializing to ready, or to a terminal error; data operations are
// gated on the state and a coarse lock serializes structural mutations
// (collection creation, clear, backup, restore).
type Service struct {
	opts   ServiceOptions
	logger logging.Logger

	mu sync.Mutex // structural operations

	stateMu sync.RWMutex
	state   State
	reason  string
	engine  *Engine

	ready     chan struct{}
	failed    chan struct{}
	readyOnce sync.Once
	failOnce  sync.Once
}

// NewService prepares the façade in the initializing state. Call Start to
// launch the background initializer.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("vectorstore: embedding service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Service{
		opts:   opts,
		logger: logger,
		state:  StateInitializing,
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}, nil
}

// Start launches the initializer. The context bounds initialization only,
// not the service lifetime.
func (s *Service) Start(ctx context.Context) {
	go s.initialize(ctx)
}

func (s *Service) initialize(ctx context.Context) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   s.opts.QdrantHost,
		Port:   s.opts.QdrantPort,
		APIKey: s.opts.APIKey,
		UseTLS: s.opts.UseTLS,
	})
	if err != nil {
		s.fail(fmt.Errorf("connect qdrant: %w", err))
		return
	}

	engine := NewEngine(client, s.opts.Embedder, s.logger)
	if err := engine.Ping(ctx); err != nil {
		s.fail(err)
		return
	}
	if err := s.opts.Embedder.HealthCheck(ctx); err != nil {
		s.fail(fmt.Errorf("embedding backend: %w", err))
		return
	}

	s.stateMu.Lock()
	s.engine = engine
	s.state = StateReady
	s.stateMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("Vector engine ready",
		"qdrant", fmt.Sprintf("%s:%d", s.opts.QdrantHost, s.opts.QdrantPort),
		"model", s.opts.Embedder.GetModel())
}

func (s *Service) fail(err error) {
	s.stateMu.Lock()
	s.state = StateError
	s.reason = err.Error()
	s.stateMu.Unlock()
	s.failOnce.Do(func() { close(s.failed) })
	s.logger.Error("Vector engine initialization failed", "error", err)
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Ready reports whether data operations will be accepted.
func (s *Service) Ready() bool {
	return s.State() == StateReady
}

// InitDone is closed when initialization succeeds. It stays open on
// failure; use WaitUntilReady to observe both outcomes.
func (s *Service) InitDone() <-chan struct{} {
	return s.ready
}

// WaitUntilReady blocks until ready, the context ends, or initialization
// fails terminally.
func (s *Service) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.failed:
		s.stateMu.RLock()
		reason := s.reason
		s.stateMu.RUnlock()
		return &FailedError{Reason: reason}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the lifecycle snapshot; it never blocks on readiness.
func (s *Service) Status(_ context.Context) (*Status, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return &Status{
		Status: string(s.state),
		Error:  s.reason,
		DBPath: fmt.Sprintf("qdrant://%s:%d", s.opts.QdrantHost, s.opts.QdrantPort),
		Model:  s.opts.Embedder.GetModel(),
	}, nil
}

// gate returns the engine when the service is ready, or the distinguished
// not-ready error otherwise.
func (s *Service) gate() (*Engine, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	switch s.state {
	case StateReady:
		return s.engine, nil
	case StateError:
		return nil, &FailedError{Reason: s.reason}
	default:
		return nil, ErrInitializing
	}
}

// EnsureCollection creates a collection when missing and registers its
// chunking parameters, returning the effective configuration.
func (s *Service) EnsureCollection(ctx context.Context, name string, chunkSize, chunkOverlap int) (CollectionConfig, error) {
	engine, err := s.gate()
	if err != nil {
		return CollectionConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.EnsureCollection(ctx, CollectionConfig{Name: name, ChunkSize: chunkSize, ChunkOverlap: chunkOverlap})
}

// ListCollections returns the collection names known to the index.
func (s *Service) ListCollections(ctx context.Context) ([]string, error) {
	engine, err := s.gate()
	if err != nil {
		return nil, err
	}
	return engine.ListCollections(ctx)
}

// Upsert replaces every chunk of docID with chunks split from text.
func (s *Service) Upsert(ctx context.Context, collection, docID, text string, metadata map[string]any) (int, error) {
	engine, err := s.gate()
	if err != nil {
		return 0, err
	}
	return engine.UpsertDocument(ctx, collection, docID, text, metadata)
}

// Search returns the best chunk per parent document, highest similarity
// first.
func (s *Service) Search(ctx context.Context, collection, query string, topN int, scoreThreshold float64, criteria map[string]any) ([]SearchHit, error) {
	engine, err := s.gate()
	if err != nil {
		return nil, err
	}
	return engine.Search(ctx, collection, query, topN, scoreThreshold, criteria)
}

// Exists reports whether any chunk of docID is present.
func (s *Service) Exists(ctx context.Context, collection, docID string) (bool, error) {
	engine, err := s.gate()
	if err != nil {
		return false, err
	}
	return engine.Exists(ctx, collection, docID)
}

// DeleteDocument removes every chunk of docID.
func (s *Service) DeleteDocument(ctx context.Context, collection, docID string) (bool, error) {
	engine, err := s.gate()
	if err != nil {
		return false, err
	}
	return engine.DeleteDocument(ctx, collection, docID)
}

// Count returns the chunk count of a collection.
func (s *Service) Count(ctx context.Context, collection string) (int, error) {
	engine, err := s.gate()
	if err != nil {
		return 0, err
	}
	return engine.Count(ctx, collection)
}

// ListDocuments returns one page of chunks for browsing.
func (s *Service) ListDocuments(ctx context.Context, collection string, limit, offset int) (*DocumentPage, error) {
	engine, err := s.gate()
	if err != nil {
		return nil, err
	}
	return engine.ListDocuments(ctx, collection, limit, offset)
}

// Clear wipes a collection, keeping its configuration.
func (s *Service) Clear(ctx context.Context, collection string) error {
	engine, err := s.gate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.Clear(ctx, collection)
}

// Engine exposes the underlying engine for in-process tooling that needs
// point-level access. Returns the not-ready error before initialization
// completes.
func (s *Service) Engine() (*Engine, error) {
	return s.gate()
}

var _ VectorIndex = (*Service)(nil)
