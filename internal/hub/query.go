package hub

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"intelligence-hub/internal/docstore"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

// Databases addressable by the read surface.
const (
	DBCache   = "cache"
	DBArchive = "archive"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 500
)

// QueryFilter is the structured archive/cache query.
type QueryFilter struct {
	Period        *types.Period `json:"period,omitempty"`
	Locations     []string      `json:"locations,omitempty"`
	Peoples       []string      `json:"peoples,omitempty"`
	Organizations []string      `json:"organizations,omitempty"`
	Keywords      []string      `json:"keywords,omitempty"`
	// Threshold filters on the computed max-rate score.
	Threshold int    `json:"threshold,omitempty"`
	Skip      int64  `json:"skip,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	DB        string `json:"db,omitempty"`
}

func (f *QueryFilter) filter() bson.M {
	filter := bson.M{}
	if f.Period != nil {
		filter[types.FieldPubTime] = bson.M{"$gte": f.Period.Start, "$lte": f.Period.End}
	}
	if len(f.Locations) > 0 {
		filter["LOCATIONS"] = bson.M{"$in": f.Locations}
	}
	if len(f.Peoples) > 0 {
		filter["PEOPLES"] = bson.M{"$in": f.Peoples}
	}
	if len(f.Organizations) > 0 {
		filter["ORGANIZATIONS"] = bson.M{"$in": f.Organizations}
	}
	if len(f.Keywords) > 0 {
		filter["KEYWORDS"] = bson.M{"$in": f.Keywords}
	}
	if f.Threshold > 0 {
		scorePath := types.FieldAppendix + "." + types.AppendixMaxRateScore
		filter[scorePath] = bson.M{"$gte": f.Threshold}
	}
	return filter
}

// storeFor resolves the db selector; the archive is the default.
func (h *Hub) storeFor(db string) (Collection, error) {
	switch db {
	case DBArchive, "":
		return h.archive, nil
	case DBCache:
		return h.cache, nil
	}
	return nil, huberrors.NewValidationError("db", "must be cache or archive", db)
}

// Get returns one record by UUID.
func (h *Hub) Get(ctx context.Context, id, db string) (types.Document, error) {
	store, err := h.storeFor(db)
	if err != nil {
		return nil, err
	}
	doc, err := store.FindOne(ctx, bson.M{types.FieldUUID: id})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, huberrors.NewNotFoundError("intelligence", id)
	}
	return doc, nil
}

// GetMany returns every record matching one of the UUIDs, unmatched ids
// silently absent.
func (h *Hub) GetMany(ctx context.Context, ids []string, db string) ([]types.Document, error) {
	store, err := h.storeFor(db)
	if err != nil {
		return nil, err
	}
	return store.Find(ctx, bson.M{types.FieldUUID: bson.M{"$in": ids}}, nil)
}

// Query runs the structured filter and returns the page plus the total
// match count. Results come newest first.
func (h *Hub) Query(ctx context.Context, q QueryFilter) ([]types.Document, int64, error) {
	store, err := h.storeFor(q.DB)
	if err != nil {
		return nil, 0, err
	}
	filter := q.filter()
	total, err := store.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	docs, err := store.Find(ctx, filter, &docstore.FindOptions{
		Sort:  bson.D{{Key: types.FieldPubTime, Value: -1}},
		Skip:  q.Skip,
		Limit: limit,
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// VectorSearch runs a semantic query over the selected collections.
// Results are unique per parent document, best chunk score first.
func (h *Hub) VectorSearch(ctx context.Context, text string, inSummary, inFullText bool, topN int, scoreThreshold float64) ([]vectorstore.SearchResult, error) {
	if text == "" {
		return nil, huberrors.NewValidationError("text", "must not be empty", nil)
	}
	if h.vectors == nil {
		return nil, huberrors.NewUnavailableError("vector pipeline disabled", 0)
	}
	if !h.vectorOn.Load() {
		return nil, huberrors.NewUnavailableError("vector service not ready", 5*time.Second)
	}
	return h.vectors.Search(ctx, text, inSummary, inFullText, vectorstore.QueryOptions{
		TopN:           topN,
		ScoreThreshold: scoreThreshold,
	})
}

// SummaryReport is the hub-wide health and volume overview.
type SummaryReport struct {
	Cached          int64            `json:"cached"`
	Archived        int64            `json:"archived"`
	Recommendations int64            `json:"recommendations"`
	Flags           map[string]int64 `json:"flags"`
	VectorStatus    string           `json:"vector_status"`
	Statistics      types.Statistics `json:"statistics"`
}

// Summary counts the collections, breaks the cache down by flag and
// reports the vector service state.
func (h *Hub) Summary(ctx context.Context) (*SummaryReport, error) {
	report := &SummaryReport{
		Flags:        make(map[string]int64),
		VectorStatus: "disabled",
		Statistics:   h.Statistics(),
	}

	var err error
	if report.Cached, err = h.cache.Count(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if report.Archived, err = h.archive.Count(ctx, bson.M{}); err != nil {
		return nil, err
	}
	if h.board != nil {
		if report.Recommendations, err = h.board.Count(ctx, bson.M{}); err != nil {
			return nil, err
		}
	}
	for _, flag := range []types.ArchiveFlag{
		types.FlagArchived, types.FlagDropped, types.FlagError, types.FlagSensitive,
	} {
		n, err := h.cache.Count(ctx, bson.M{flagPath(): string(flag)})
		if err != nil {
			return nil, err
		}
		report.Flags[string(flag)] = n
	}
	if h.index != nil {
		if status, err := h.index.Status(ctx); err == nil {
			report.VectorStatus = status.Status
		} else {
			report.VectorStatus = "unreachable"
		}
	}
	return report, nil
}

// Aggregate runs a raw aggregation pipeline against the selected store.
func (h *Hub) Aggregate(ctx context.Context, pipeline mongo.Pipeline, db string) ([]types.Document, error) {
	store, err := h.storeFor(db)
	if err != nil {
		return nil, err
	}
	return store.Aggregate(ctx, pipeline)
}

// Count counts the records matching a raw filter.
func (h *Hub) Count(ctx context.Context, filter bson.M, db string) (int64, error) {
	store, err := h.storeFor(db)
	if err != nil {
		return 0, err
	}
	return store.Count(ctx, filter)
}

// Recommendations returns the current board, newest first.
func (h *Hub) Recommendations(ctx context.Context) ([]types.Document, error) {
	if h.recommender == nil {
		return nil, huberrors.NewUnavailableError("recommendations disabled", 0)
	}
	return h.recommender.Latest(ctx)
}

// SubmitManualRating overrides the computed rating of an archived record.
// The override feeds the recommendation threshold, not the stored RATE.
func (h *Hub) SubmitManualRating(ctx context.Context, id string, rating int) error {
	if rating < 0 || rating > 10 {
		return huberrors.NewValidationError("rating", "must be between 0 and 10", rating)
	}
	path := types.FieldAppendix + "." + types.AppendixManualRating
	matched, _, err := h.archive.Update(ctx, bson.M{types.FieldUUID: id}, bson.M{path: rating})
	if err != nil {
		return err
	}
	if matched == 0 {
		return huberrors.NewNotFoundError("intelligence", id)
	}
	h.logger.Info("Manual rating recorded", "uuid", id, "rating", rating)
	return nil
}

// ExecuteTask triggers a registered scheduled task out of band.
func (h *Hub) ExecuteTask(id string) error {
	if h.schedule == nil {
		return huberrors.NewUnavailableError("scheduler disabled", 0)
	}
	return h.schedule.ExecuteTask(id, 0)
}
