package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"intelligence-hub/internal/chunking"
	"intelligence-hub/internal/embeddings"
	"intelligence-hub/internal/logging"
)

const (
	// candidateFactor widens the raw fetch so the per-document collapse
	// still fills top_n when several chunks of one parent rank high.
	candidateFactor = 3

	defaultTopN         = 5
	defaultChunkSize    = 512
	defaultChunkOverlap = 50

	// maxScrollPage caps a single browse scroll.
	maxScrollPage = 10000

	// dumpBatch is the scroll page size used by backups.
	dumpBatch = 500
)

// Engine manages the qdrant collections and the per-collection chunking
// registry. It has no lifecycle of its own; Service wraps it with one.
type Engine struct {
	client   *qdrant.Client
	embedder embeddings.EmbeddingService
	logger   logging.Logger

	mu    sync.RWMutex
	repos map[string]*repository
}

// repository pairs a collection with the splitter its writes use.
type repository struct {
	cfg      CollectionConfig
	splitter *chunking.Splitter
}

// NewEngine wraps an established qdrant client and an embedding backend.
func NewEngine(client *qdrant.Client, embedder embeddings.EmbeddingService, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Engine{
		client:   client,
		embedder: embedder,
		logger:   logger,
		repos:    make(map[string]*repository),
	}
}

// Ping verifies the index answers at all.
func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("vectorstore: ping: %w", err)
	}
	return nil
}

// EnsureCollection creates the qdrant collection when missing and registers
// (or reconfigures) its splitter. Returns the effective configuration.
func (e *Engine) EnsureCollection(ctx context.Context, cfg CollectionConfig) (CollectionConfig, error) {
	if cfg.Name == "" {
		return CollectionConfig{}, fmt.Errorf("vectorstore: collection name is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}

	exists, err := e.collectionExists(ctx, cfg.Name)
	if err != nil {
		return CollectionConfig{}, err
	}
	if !exists {
		if err := e.createCollection(ctx, cfg.Name); err != nil {
			return CollectionConfig{}, err
		}
		e.logger.Info("Created vector collection",
			"collection", cfg.Name,
			"chunk_size", cfg.ChunkSize,
			"chunk_overlap", cfg.ChunkOverlap)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if repo, ok := e.repos[cfg.Name]; ok {
		repo.cfg = cfg
		repo.splitter = chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	} else {
		e.repos[cfg.Name] = &repository{
			cfg:      cfg,
			splitter: chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		}
	}
	return cfg, nil
}

// Collections lists the registered collections in name order.
func (e *Engine) Collections() []CollectionConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CollectionConfig, 0, len(e.repos))
	for _, repo := range e.repos {
		out = append(out, repo.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListCollections returns collection names known to the index itself,
// including ones this process never registered.
func (e *Engine) ListCollections(ctx context.Context) ([]string, error) {
	names, err := e.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list collections: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// repository resolves a collection handle. A collection that physically
// exists but was registered by an earlier process is adopted with default
// chunking parameters.
func (e *Engine) repository(ctx context.Context, name string) (*repository, error) {
	e.mu.RLock()
	repo, ok := e.repos[name]
	e.mu.RUnlock()
	if ok {
		return repo, nil
	}

	exists, err := e.collectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Collection: name}
	}
	if _, err := e.EnsureCollection(ctx, CollectionConfig{Name: name, ChunkSize: defaultChunkSize, ChunkOverlap: defaultChunkOverlap}); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.repos[name], nil
}

// UpsertDocument replaces every chunk of docID with chunks split from text.
// Delete-then-insert: shortening a document must not leave stale chunks
// behind. Returns the number of chunks written.
func (e *Engine) UpsertDocument(ctx context.Context, collection, docID, text string, metadata map[string]any) (int, error) {
	repo, err := e.repository(ctx, collection)
	if err != nil {
		return 0, err
	}
	if docID == "" {
		return 0, fmt.Errorf("vectorstore: doc_id is required")
	}

	if err := e.deleteByParent(ctx, collection, docID); err != nil {
		e.logger.Warn("Clearing old chunks failed, document may be new",
			"collection", collection, "doc_id", docID, "error", err)
	}

	chunks := repo.splitter.Split(text)
	if len(chunks) == 0 {
		e.logger.Warn("Document produced no chunks", "collection", collection, "doc_id", docID)
		return 0, nil
	}

	vectors, err := e.embedder.GenerateBatchEmbeddings(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: embed %d chunks of %s: %w", len(chunks), docID, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("vectorstore: embedding count mismatch: %d texts, %d vectors", len(chunks), len(vectors))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("%s#chunk_%d", docID, i)
		payload := map[string]*qdrant.Value{
			payloadContent:     stringValue(chunk),
			payloadChunkID:     stringValue(chunkID),
			payloadParentDoc:   stringValue(docID),
			payloadChunkIndex:  intValue(int64(i)),
			payloadTotalChunks: intValue(int64(len(chunks))),
		}
		for k, v := range metadata {
			payload[k] = anyToValue(v)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      chunkPointID(collection, chunkID),
			Vectors: denseVector(toFloat32(vectors[i])),
			Payload: payload,
		})
	}

	_, err = e.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: upsert %s into %s: %w", docID, collection, err)
	}
	return len(chunks), nil
}

// Search embeds the query and returns the best chunk per parent document,
// highest similarity first.
func (e *Engine) Search(ctx context.Context, collection, query string, topN int, scoreThreshold float64, criteria map[string]any) ([]SearchHit, error) {
	if _, err := e.repository(ctx, collection); err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = defaultTopN
	}

	vector, err := e.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}
	filter, err := CriteriaFilter(criteria)
	if err != nil {
		return nil, err
	}

	points, err := e.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(toFloat32(vector)...),
		Limit:          qdrant.PtrOf(uint64(topN * candidateFactor)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %s: %w", collection, err)
	}
	return collapseHits(points, topN, scoreThreshold), nil
}

// collapseHits drops sub-threshold candidates, keeps the best chunk per
// parent document, and returns the topN by similarity. Qdrant reports
// cosine similarity directly, so the score needs no distance conversion.
func collapseHits(points []*qdrant.ScoredPoint, topN int, threshold float64) []SearchHit {
	best := make(map[string]SearchHit)
	for _, pt := range points {
		score := float64(pt.GetScore())
		if score < threshold {
			continue
		}
		payload := pt.GetPayload()
		hit := SearchHit{
			DocID:    payloadString(payload, payloadParentDoc),
			ChunkID:  payloadString(payload, payloadChunkID),
			Score:    score,
			Content:  payloadString(payload, payloadContent),
			Metadata: hitMetadata(payload),
		}
		if hit.DocID == "" {
			hit.DocID = "unknown"
		}
		if prev, ok := best[hit.DocID]; !ok || hit.Score > prev.Score {
			best[hit.DocID] = hit
		}
	}

	hits := make([]SearchHit, 0, len(best))
	for _, hit := range best {
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits
}

// Exists reports whether any chunk of docID is present in the collection.
func (e *Engine) Exists(ctx context.Context, collection, docID string) (bool, error) {
	n, err := e.countByParent(ctx, collection, docID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasDocument reports whether any registered collection holds chunks of
// docID.
func (e *Engine) HasDocument(ctx context.Context, docID string) (bool, error) {
	for _, cfg := range e.Collections() {
		ok, err := e.Exists(ctx, cfg.Name, docID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// DeleteDocument removes every chunk of docID. The bool reports whether
// anything was there to remove.
func (e *Engine) DeleteDocument(ctx context.Context, collection, docID string) (bool, error) {
	n, err := e.countByParent(ctx, collection, docID)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := e.deleteByParent(ctx, collection, docID); err != nil {
		return false, fmt.Errorf("vectorstore: delete %s from %s: %w", docID, collection, err)
	}
	return true, nil
}

// Clear wipes a collection by dropping and recreating it. The registered
// chunking configuration survives.
func (e *Engine) Clear(ctx context.Context, collection string) error {
	if _, err := e.repository(ctx, collection); err != nil {
		return err
	}
	if err := e.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("vectorstore: drop %s: %w", collection, err)
	}
	if err := e.createCollection(ctx, collection); err != nil {
		return err
	}
	e.logger.Info("Cleared vector collection", "collection", collection)
	return nil
}

// Count returns the chunk count, not the parent document count.
func (e *Engine) Count(ctx context.Context, collection string) (int, error) {
	if _, err := e.repository(ctx, collection); err != nil {
		return 0, err
	}
	n, err := e.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %s: %w", collection, err)
	}
	return int(n), nil
}

// ListDocuments returns one page of chunks for browsing. Pagination follows
// scroll order, which is stable between calls on a quiet collection.
func (e *Engine) ListDocuments(ctx context.Context, collection string, limit, offset int) (*DocumentPage, error) {
	if _, err := e.repository(ctx, collection); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	total, err := e.Count(ctx, collection)
	if err != nil {
		return nil, err
	}

	scrollLimit := uint32(limit + offset)
	if scrollLimit > maxScrollPage {
		scrollLimit = maxScrollPage
	}
	points, err := e.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(scrollLimit),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list %s: %w", collection, err)
	}

	page := &DocumentPage{Items: []DocumentRow{}, Total: total, Limit: limit, Offset: offset}
	if offset >= len(points) {
		return page, nil
	}
	for _, pt := range points[offset:] {
		payload := pt.GetPayload()
		docID := payloadString(payload, payloadParentDoc)
		if docID == "" {
			docID = "unknown"
		}
		page.Items = append(page.Items, DocumentRow{
			ChunkID:  payloadString(payload, payloadChunkID),
			DocID:    docID,
			Content:  payloadString(payload, payloadContent),
			Metadata: hitMetadata(payload),
		})
		if len(page.Items) >= limit {
			break
		}
	}
	return page, nil
}

// PointDump is one raw point in a backup stream.
type PointDump struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// DumpPoints streams every point of a collection through fn in scroll
// order. Returns the number of points visited.
func (e *Engine) DumpPoints(ctx context.Context, collection string, fn func(PointDump) error) (int, error) {
	if _, err := e.repository(ctx, collection); err != nil {
		return 0, err
	}

	var offset *qdrant.PointId
	lastID := ""
	count := 0
	for {
		points, err := e.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Limit:          qdrant.PtrOf(uint32(dumpBatch)),
			Offset:         offset,
			WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &qdrant.WithVectorsSelector{SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return count, fmt.Errorf("vectorstore: dump %s: %w", collection, err)
		}

		// The offset id is included in its own page; skip the repeat.
		fresh := points
		if offset != nil && len(points) > 0 && points[0].GetId().GetUuid() == lastID {
			fresh = points[1:]
		}
		if len(fresh) == 0 {
			return count, nil
		}

		for _, pt := range fresh {
			dump := PointDump{
				ID:      pt.GetId().GetUuid(),
				Payload: payloadToMap(pt.GetPayload()),
			}
			if vectors := pt.GetVectors(); vectors != nil {
				if vector := vectors.GetVector(); vector != nil {
					dump.Vector = vector.GetData()
				}
			}
			if err := fn(dump); err != nil {
				return count, err
			}
			count++
		}

		lastID = points[len(points)-1].GetId().GetUuid()
		offset = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: lastID}}
	}
}

// RestorePoints writes raw dumped points back, preserving ids and vectors.
func (e *Engine) RestorePoints(ctx context.Context, collection string, points []PointDump) error {
	if len(points) == 0 {
		return nil
	}
	batch := make([]*qdrant.PointStruct, 0, len(points))
	for i := range points {
		p := &points[i]
		payload := make(map[string]*qdrant.Value, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = anyToValue(v)
		}
		batch = append(batch, &qdrant.PointStruct{
			Id:      &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: p.ID}},
			Vectors: denseVector(p.Vector),
			Payload: payload,
		})
	}
	_, err := e.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         batch,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: restore %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

func (e *Engine) collectionExists(ctx context.Context, name string) (bool, error) {
	names, err := e.client.ListCollections(ctx)
	if err != nil {
		return false, fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) createCollection(ctx context.Context, name string) error {
	err := e.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(e.embedder.GetDimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", name, err)
	}
	return nil
}

func (e *Engine) countByParent(ctx context.Context, collection, docID string) (int, error) {
	if _, err := e.repository(ctx, collection); err != nil {
		return 0, err
	}
	n, err := e.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         parentFilter(docID),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %s in %s: %w", docID, collection, err)
	}
	return int(n), nil
}

func (e *Engine) deleteByParent(ctx context.Context, collection, docID string) error {
	_, err := e.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: parentFilter(docID)},
		},
		Wait: qdrant.PtrOf(true),
	})
	return err
}

func parentFilter(docID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   payloadParentDoc,
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: docID}},
					},
				},
			},
		},
	}
}

// chunkPointID derives the qdrant point id. Qdrant point ids must be UUIDs
// or integers, so the human-readable chunk id is hashed deterministically
// and kept in the payload instead. Determinism keeps re-upserts idempotent.
func chunkPointID(collection, chunkID string) *qdrant.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(collection+"/"+chunkID))
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id.String()}}
}

func denseVector(values []float32) *qdrant.Vectors {
	return &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: values}}}
}

func toFloat32(values []float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}
