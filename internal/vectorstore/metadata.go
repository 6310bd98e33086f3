package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"intelligence-hub/internal/logging"
	"intelligence-hub/pkg/types"
)

// Default collection names. Deployments can rename them in the vectordb
// stores config; the defaults match what the rest of the fleet expects.
const (
	SummaryCollection  = "intelligence_summary"
	FullTextCollection = "intelligence_full_text"
)

// Full-text source selectors.
const (
	FullTextSourceRaw      = "raw"
	FullTextSourceEnriched = "enriched"
)

// Adapter shapes archived intelligence into the two vector collections and
// translates query options into index filters. It is the only component
// that knows which payload fields intelligence chunks carry.
type Adapter struct {
	index    VectorIndex
	logger   logging.Logger
	summary  string
	fullText string
	source   string
}

// NewAdapter binds an index to the intelligence collections. Empty names
// select the defaults; fullTextSource decides whether the full-text
// collection holds the raw scraped content or the enriched event text.
func NewAdapter(index VectorIndex, summaryCollection, fullTextCollection, fullTextSource string, logger logging.Logger) *Adapter {
	if summaryCollection == "" {
		summaryCollection = SummaryCollection
	}
	if fullTextCollection == "" {
		fullTextCollection = FullTextCollection
	}
	if fullTextSource == "" {
		fullTextSource = FullTextSourceRaw
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Adapter{
		index:    index,
		logger:   logger,
		summary:  summaryCollection,
		fullText: fullTextCollection,
		source:   fullTextSource,
	}
}

// SummaryText joins the event title, brief, and body for the summary
// collection, skipping blanks.
func SummaryText(item *types.ArchivedItem) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{item.EventTitle, item.EventBrief, item.EventText} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}

// FullText selects the full-text collection content: the raw scraped
// content by default, or the enriched event text when configured.
func FullText(item *types.ArchivedItem, source string) string {
	if source == FullTextSourceEnriched {
		return item.EventText
	}
	if content, ok := item.RawData["content"].(string); ok {
		return content
	}
	return ""
}

// ChunkMetadata builds the per-chunk metadata for one archived item.
// archived_timestamp is always present, falling back to the ingest instant;
// pub_timestamp is omitted when the publish time is unknown, so time-range
// filters naturally exclude records with untrusted dates.
func ChunkMetadata(item *types.ArchivedItem) map[string]any {
	md := map[string]any{
		"uuid":           item.UUID,
		"informant":      item.Informant,
		"max_rate_class": appendixString(item.Appendix, types.AppendixMaxRateClass),
		"max_rate_score": appendixFloat(item.Appendix, types.AppendixMaxRateScore),
	}

	if archived, ok := types.ParseTimeValue(item.Appendix[types.AppendixTimeArchived]); ok {
		md["archived_timestamp"] = epochSeconds(archived)
	} else {
		md["archived_timestamp"] = epochSeconds(time.Now())
	}
	if !item.PubTime.IsZero() {
		md["pub_timestamp"] = epochSeconds(item.PubTime)
	}
	return md
}

// IndexItem writes one archived item into both collections. A collection
// whose text comes out blank is skipped; index failures propagate so the
// post-processor can flag the item.
func (a *Adapter) IndexItem(ctx context.Context, item *types.ArchivedItem) error {
	md := ChunkMetadata(item)

	if text := SummaryText(item); strings.TrimSpace(text) != "" {
		if _, err := a.index.Upsert(ctx, a.summary, item.UUID, text, md); err != nil {
			return fmt.Errorf("index summary of %s: %w", item.UUID, err)
		}
	} else {
		a.logger.Debug("Summary text empty, skipping vector write", "uuid", item.UUID)
	}

	if text := FullText(item, a.source); strings.TrimSpace(text) != "" {
		if _, err := a.index.Upsert(ctx, a.fullText, item.UUID, text, md); err != nil {
			return fmt.Errorf("index full text of %s: %w", item.UUID, err)
		}
	} else {
		a.logger.Debug("Full text empty, skipping vector write", "uuid", item.UUID)
	}
	return nil
}

// RemoveItem deletes the item's chunks from both collections.
func (a *Adapter) RemoveItem(ctx context.Context, uuid string) error {
	if _, err := a.index.DeleteDocument(ctx, a.summary, uuid); err != nil {
		return err
	}
	if _, err := a.index.DeleteDocument(ctx, a.fullText, uuid); err != nil {
		return err
	}
	return nil
}

// HasItem reports whether either collection already holds the item.
func (a *Adapter) HasItem(ctx context.Context, uuid string) (bool, error) {
	ok, err := a.index.Exists(ctx, a.summary, uuid)
	if err != nil || ok {
		return ok, err
	}
	return a.index.Exists(ctx, a.fullText, uuid)
}

// QueryOptions narrows a semantic search over the intelligence collections.
type QueryOptions struct {
	TopN           int
	ScoreThreshold float64
	EventPeriod    *types.Period
	ArchivePeriod  *types.Period
	RateClass      string
	RateThreshold  *float64
}

// Criteria renders the options into the Mongo-style document the engine
// filter understands. Returns nil when nothing narrows the search.
func (o *QueryOptions) Criteria() map[string]any {
	var filters []map[string]any
	if o.EventPeriod != nil {
		filters = append(filters, map[string]any{
			"pub_timestamp": map[string]any{
				"$gte": epochSeconds(o.EventPeriod.Start),
				"$lte": epochSeconds(o.EventPeriod.End),
			},
		})
	}
	if o.ArchivePeriod != nil {
		filters = append(filters, map[string]any{
			"archived_timestamp": map[string]any{
				"$gte": epochSeconds(o.ArchivePeriod.Start),
				"$lte": epochSeconds(o.ArchivePeriod.End),
			},
		})
	}
	if o.RateClass != "" {
		filters = append(filters, map[string]any{"max_rate_class": o.RateClass})
	}
	if o.RateThreshold != nil {
		filters = append(filters, map[string]any{
			"max_rate_score": map[string]any{"$gte": *o.RateThreshold},
		})
	}

	switch len(filters) {
	case 0:
		return nil
	case 1:
		return filters[0]
	default:
		items := make([]any, len(filters))
		for i, f := range filters {
			items[i] = f
		}
		return map[string]any{"$and": items}
	}
}

// SearchResult is one merged search row surfaced by the hub API.
type SearchResult struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	ChunkText string  `json:"chunk_text"`
}

// Search queries the selected collections and merges the rows per parent
// document, keeping the best score across collections. Order follows first
// appearance, matching the per-collection ranking.
func (a *Adapter) Search(ctx context.Context, text string, inSummary, inFullText bool, opts QueryOptions) ([]SearchResult, error) {
	criteria := opts.Criteria()

	var combined []SearchHit
	if inSummary {
		hits, err := a.index.Search(ctx, a.summary, text, opts.TopN, opts.ScoreThreshold, criteria)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", a.summary, err)
		}
		combined = append(combined, hits...)
	}
	if inFullText {
		hits, err := a.index.Search(ctx, a.fullText, text, opts.TopN, opts.ScoreThreshold, criteria)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", a.fullText, err)
		}
		combined = append(combined, hits...)
	}

	best := make(map[string]int)
	results := make([]SearchResult, 0, len(combined))
	for _, hit := range combined {
		if idx, ok := best[hit.DocID]; ok {
			if hit.Score > results[idx].Score {
				results[idx] = SearchResult{ID: hit.DocID, Score: hit.Score, ChunkText: hit.Content}
			}
			continue
		}
		best[hit.DocID] = len(results)
		results = append(results, SearchResult{ID: hit.DocID, Score: hit.Score, ChunkText: hit.Content})
	}
	return results, nil
}

// SummaryCollectionName returns the bound summary collection.
func (a *Adapter) SummaryCollectionName() string { return a.summary }

// FullTextCollectionName returns the bound full-text collection.
func (a *Adapter) FullTextCollectionName() string { return a.fullText }

func appendixString(appendix map[string]any, key string) string {
	if appendix == nil {
		return ""
	}
	v, ok := appendix[key]
	if !ok || v == nil {
		return ""
	}
	if s, isString := v.(string); isString {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func appendixFloat(appendix map[string]any, key string) float64 {
	if appendix == nil {
		return 0
	}
	switch v := appendix[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
