// Package recommend distills fresh archives into a short ranked
// reading list: a scheduled scan collects well-rated items, a model
// picks the ones worth attention, and the picks land in their own
// collection for the API and RSS layers.
package recommend

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/docstore"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/retry"
	"intelligence-hub/pkg/types"
)

// Board row fields on top of the identity fields carried over from the
// archived item.
const (
	FieldRank          = "RANK"
	FieldRateClass     = "RATE_CLASS"
	FieldRateScore     = "RATE_SCORE"
	FieldRecommendedAt = "RECOMMENDED_AT"
)

// DefaultPrompt asks the model for a ranked pick list. Rows reach it as
// a markdown table built from the candidate set.
const DefaultPrompt = `You are an intelligence curator. The user message is a markdown table
of recently archived intelligence items with the columns UUID,
EVENT_TITLE, EVENT_BRIEF and RATE_SCORE.

Pick the items most worth a reader's attention and rank them from most
to least important. Judge by impact, novelty and credibility, and
prefer breadth over near-duplicate stories.

Reply with ONLY a JSON array of the chosen UUID strings in rank order,
for example:

["uuid-1", "uuid-2"]

Pick at most 10 items. Never invent a UUID that is not in the table and
never add any text outside the JSON array.`

// rankPolicy budgets retries of the ranking exchange.
var rankPolicy = retry.AnalysisConfig()

// Store is the slice of the document store the manager works against.
// Both the archive collection and the recommendation board satisfy it.
type Store interface {
	Find(ctx context.Context, filter bson.M, opts *docstore.FindOptions) ([]types.Document, error)
	Upsert(ctx context.Context, filter, patch bson.M) (int64, int64, error)
}

// Manager owns the recommendation board.
type Manager struct {
	archive Store
	board   Store
	pool    *aipool.Manager
	proxy   *analyzer.Analyzer
	prompt  string
	retrier *retry.Retrier
	logger  logging.Logger
	now     func() time.Time
}

// NewManager wires the manager to the archive it reads and the board it
// writes. An empty prompt selects DefaultPrompt.
func NewManager(archive, board Store, pool *aipool.Manager, proxy *analyzer.Analyzer, prompt string, logger logging.Logger) *Manager {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Manager{
		archive: archive,
		board:   board,
		pool:    pool,
		proxy:   proxy,
		prompt:  prompt,
		retrier: retry.New(rankPolicy),
		logger:  logger.WithComponent("recommend"),
		now:     time.Now,
	}
}

// Generate refreshes the board. It pulls archived items from the period
// whose rating clears the threshold, newest first up to limit, asks a
// model to rank the best of them and upserts one row per pick. A manual
// rating replaces the computed score in the threshold check.
func (m *Manager) Generate(ctx context.Context, period types.Period, threshold int, limit int64) error {
	candidates, err := m.candidates(ctx, period, threshold, limit)
	if err != nil {
		return fmt.Errorf("collect candidates: %w", err)
	}
	if len(candidates) == 0 {
		m.logger.Info("No recommendation candidates in period",
			"start", period.Start, "end", period.End, "threshold", threshold)
		return nil
	}

	picks, err := m.rank(ctx, candidates)
	if err != nil {
		return err
	}
	if len(picks) == 0 {
		m.logger.Info("Model picked nothing", "candidates", len(candidates))
		return nil
	}

	stored, err := m.publish(ctx, candidates, picks)
	m.logger.Info("Recommendation board refreshed",
		"candidates", len(candidates), "picked", len(picks), "stored", stored)
	return err
}

// Latest returns the newest generation batch in rank order. The board
// keeps one row per item, so a later run that picks the same item moves
// it into the newer batch instead of duplicating it.
func (m *Manager) Latest(ctx context.Context) ([]types.Document, error) {
	head, err := m.board.Find(ctx, bson.M{}, &docstore.FindOptions{
		Sort:  bson.D{{Key: FieldRecommendedAt, Value: -1}},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("probe board: %w", err)
	}
	if len(head) == 0 {
		return nil, nil
	}
	rows, err := m.board.Find(ctx, bson.M{FieldRecommendedAt: head[0][FieldRecommendedAt]},
		&docstore.FindOptions{Sort: bson.D{{Key: FieldRank, Value: 1}}})
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	return rows, nil
}

// candidates selects the period's qualifying items, newest first. The
// threshold is applied store-side so the limit counts qualifying items,
// not scanned ones.
func (m *Manager) candidates(ctx context.Context, period types.Period, threshold int, limit int64) ([]types.Document, error) {
	archivedAt := types.FieldAppendix + "." + types.AppendixTimeArchived
	manual := types.FieldAppendix + "." + types.AppendixManualRating
	computed := types.FieldAppendix + "." + types.AppendixMaxRateScore

	filter := bson.M{
		archivedAt: bson.M{"$gte": epochSeconds(period.Start), "$lte": epochSeconds(period.End)},
		"$or": []bson.M{
			{manual: bson.M{"$gte": threshold}},
			{manual: bson.M{"$exists": false}, computed: bson.M{"$gte": threshold}},
		},
	}
	return m.archive.Find(ctx, filter, &docstore.FindOptions{
		Sort:  bson.D{{Key: archivedAt, Value: -1}},
		Limit: limit,
	})
}

// rank asks a leased model to order the candidates. Every attempt
// leases afresh so a retry may land on another provider.
func (m *Manager) rank(ctx context.Context, candidates []types.Document) ([]string, error) {
	table := make([]types.Document, len(candidates))
	for i, doc := range candidates {
		table[i] = tableRow(doc)
	}

	var picks []string
	result := m.retrier.Do(ctx, func(ctx context.Context) error {
		lease, err := m.pool.Acquire(ctx, aipool.Constraints{Owner: "recommendation"})
		if err != nil {
			return err
		}
		chosen, err := m.proxy.Recommend(ctx, lease.Client, m.prompt, table)
		lease.Release(nil, err)
		if err != nil {
			return err
		}
		picks = chosen
		return nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("rank candidates: %w", result.Err)
	}
	return picks, nil
}

// publish upserts one board row per pick, keyed by UUID, all stamped
// with the same generation instant. Unknown and repeated picks are
// dropped; a failed row does not stop the rest.
func (m *Manager) publish(ctx context.Context, candidates []types.Document, picks []string) (int, error) {
	byID := make(map[string]types.Document, len(candidates))
	for _, doc := range candidates {
		byID[doc.UUID()] = doc
	}

	stamp := m.now().UTC()
	stored, failed, rank := 0, 0, 0
	seen := make(map[string]bool, len(picks))
	for _, id := range picks {
		doc, ok := byID[id]
		if !ok {
			m.logger.Warn("Model picked an unknown UUID", "uuid", id)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		rank++

		row := bson.M{
			types.FieldUUID:       id,
			types.FieldEventTitle: doc.StringField(types.FieldEventTitle),
			types.FieldEventBrief: doc.StringField(types.FieldEventBrief),
			types.FieldInformant:  doc.Informant(),
			FieldRank:             rank,
			FieldRecommendedAt:    stamp,
		}
		if v, ok := doc[types.FieldPubTime]; ok {
			row[types.FieldPubTime] = v
		}
		if class := doc.Appendix().StringField(types.AppendixMaxRateClass); class != "" {
			row[FieldRateClass] = class
		}
		if score, ok := effectiveScore(doc); ok {
			row[FieldRateScore] = score
		}

		if _, _, err := m.board.Upsert(ctx, bson.M{types.FieldUUID: id}, row); err != nil {
			failed++
			m.logger.Error("Recommendation row not stored", "uuid", id, "error", err)
			continue
		}
		stored++
	}
	if failed > 0 {
		return stored, fmt.Errorf("store recommendations: %d of %d rows failed", failed, stored+failed)
	}
	return stored, nil
}

// tableRow trims a candidate to what the model needs to judge it. Full
// texts at the 500-item limit would blow the context window.
func tableRow(doc types.Document) types.Document {
	row := types.Document{
		types.FieldUUID:       doc.UUID(),
		types.FieldEventTitle: doc.StringField(types.FieldEventTitle),
		types.FieldEventBrief: doc.StringField(types.FieldEventBrief),
	}
	if score, ok := effectiveScore(doc); ok {
		row[FieldRateScore] = score
	}
	return row
}

/// effectiveScore is the rating the threshold check ran against: the
// manual rating when one exists, otherwise the computed maximum.
func effectiveScore(doc types.Document) (int, bool) {
	appendix := doc.Appendix()
	if v, ok := appendix[types.AppendixManualRating]; ok {
		if n, ok := types.CoerceInt(v); ok {
			return n, true
		}
	}
	n, ok := types.CoerceInt(appendix[types.AppendixMaxRateScore])
	return n, ok
}

// epochSeconds renders an instant the way __TIME_ARCHIVED__ is stored.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
