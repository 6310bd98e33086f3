package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"intelligence-hub/internal/aiclient"
	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/docstore"
	"intelligence-hub/internal/logging"
	"intelligence-hub/pkg/types"
)

// fakeStore serves canned Find pages in order and records every call.
type fakeStore struct {
	mu      sync.Mutex
	results [][]types.Document
	filters []bson.M
	opts    []*docstore.FindOptions
	findErr error

	upserts   []upsertCall
	upsertErr error
}

type upsertCall struct {
	filter bson.M
	patch  bson.M
}

var _ Store = (*fakeStore)(nil)

func (s *fakeStore) Find(_ context.Context, filter bson.M, opts *docstore.FindOptions) ([]types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	s.opts = append(s.opts, opts)
	if s.findErr != nil {
		return nil, s.findErr
	}
	if len(s.results) == 0 {
		return nil, nil
	}
	out := s.results[0]
	s.results = s.results[1:]
	return out, nil
}

func (s *fakeStore) Upsert(_ context.Context, filter, patch bson.M) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, 0, s.upsertErr
	}
	s.upserts = append(s.upserts, upsertCall{filter: filter, patch: patch})
	return 1, 0, nil
}

// fakeClient answers every chat with a canned reply.
type fakeClient struct {
	reply string
	err   error
	calls int
}

func (f *fakeClient) Chat(_ context.Context, _ aiclient.Request) (*aiclient.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &aiclient.Response{Content: f.reply, Model: "ranker"}, nil
}

func (f *fakeClient) Name() string                { return "fake" }
func (f *fakeClient) Model() string               { return "fake-model" }
func (f *fakeClient) BaseURL() string             { return "http://fake" }
func (f *fakeClient) Priority() aiclient.Priority { return aiclient.PriorityNormal }
func (f *fakeClient) Group() string               { return "test" }
func (f *fakeClient) Available() bool             { return true }
func (f *fakeClient) UpdateBalance(float64)       {}
func (f *fakeClient) Balance() float64            { return 0 }

func (f *fakeClient) CheckBalance(context.Context) (float64, error) {
	return 0, aiclient.ErrNoBalanceProbe
}
func (f *fakeClient) InFlight() int { return 0 }
func (f *fakeClient) BeginLease()   {}
func (f *fakeClient) EndLease()     {}

func candidate(uuid string, score int) types.Document {
	return types.Document{
		"UUID":        uuid,
		"EVENT_TITLE": "Title " + uuid,
		"EVENT_BRIEF": "Brief " + uuid,
		"INFORMANT":   "https://feed/" + uuid,
		"PUB_TIME":    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		"APPENDIX": map[string]any{
			types.AppendixMaxRateScore: score,
			types.AppendixMaxRateClass: "Importance",
		},
	}
}

func newTestManager(t *testing.T, reply string) (*Manager, *fakeStore, *fakeStore, *fakeClient) {
	t.Helper()
	archive := &fakeStore{}
	board := &fakeStore{}
	client := &fakeClient{reply: reply}

	pool := aipool.NewManager(logging.NewNoOpLogger(), nil)
	require.NoError(t, pool.RegisterClient(client))

	m := NewManager(archive, board, pool,
		analyzer.New("rank the table", nil, nil), "", logging.NewNoOpLogger())
	return m, archive, board, client
}

func testPeriod() types.Period {
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return types.Period{Start: end.Add(-24 * time.Hour), End: end}
}

func TestGeneratePublishesRankedPicks(t *testing.T) {
	m, archive, board, _ := newTestManager(t, `["c", "a"]`)
	archive.results = [][]types.Document{{
		candidate("a", 7), candidate("b", 6), candidate("c", 9),
	}}
	stamp := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return stamp }

	require.NoError(t, m.Generate(context.Background(), testPeriod(), 6, 500))

	require.Len(t, board.upserts, 2)

	first := board.upserts[0]
	assert.Equal(t, bson.M{"UUID": "c"}, first.filter)
	assert.Equal(t, 1, first.patch[FieldRank])
	assert.Equal(t, "Title c", first.patch["EVENT_TITLE"])
	assert.Equal(t, "Brief c", first.patch["EVENT_BRIEF"])
	assert.Equal(t, "https://feed/c", first.patch["INFORMANT"])
	assert.Equal(t, 9, first.patch[FieldRateScore])
	assert.Equal(t, "Importance", first.patch[FieldRateClass])
	assert.Equal(t, stamp, first.patch[FieldRecommendedAt])

	second := board.upserts[1]
	assert.Equal(t, bson.M{"UUID": "a"}, second.filter)
	assert.Equal(t, 2, second.patch[FieldRank])
	assert.Equal(t, stamp, second.patch[FieldRecommendedAt],
		"one generation shares a single stamp")
}

func TestGenerateCandidateFilter(t *testing.T) {
	m, archive, _, _ := newTestManager(t, `[]`)
	period := testPeriod()

	require.NoError(t, m.Generate(context.Background(), period, 6, 500))

	require.Len(t, archive.filters, 1)
	filter := archive.filters[0]

	rng, ok := filter["APPENDIX.__TIME_ARCHIVED__"].(bson.M)
	require.True(t, ok, "archived-at bound missing: %v", filter)
	assert.InDelta(t, float64(period.Start.Unix()), rng["$gte"].(float64), 0.001)
	assert.InDelta(t, float64(period.End.Unix()), rng["$lte"].(float64), 0.001)

	branches, ok := filter["$or"].([]bson.M)
	require.True(t, ok)
	require.Len(t, branches, 2)
	assert.Equal(t, bson.M{"$gte": 6}, branches[0]["APPENDIX.__MANUAL_RATING__"])
	assert.Equal(t, bson.M{"$exists": false}, branches[1]["APPENDIX.__MANUAL_RATING__"])
	assert.Equal(t, bson.M{"$gte": 6}, branches[1]["APPENDIX.__MAX_RATE_SCORE__"])

	opts := archive.opts[0]
	require.NotNil(t, opts)
	assert.Equal(t, int64(500), opts.Limit)
	assert.Equal(t, bson.D{{Key: "APPENDIX.__TIME_ARCHIVED__", Value: -1}}, opts.Sort)
}

func TestGenerateWithoutCandidatesSkipsModel(t *testing.T) {
	m, _, board, client := newTestManager(t, `["a"]`)

	require.NoError(t, m.Generate(context.Background(), testPeriod(), 6, 500))

	assert.Zero(t, client.calls)
	assert.Empty(t, board.upserts)
}

func TestGenerateEmptyPickListStoresNothing(t *testing.T) {
	m, archive, board, client := newTestManager(t, `[]`)
	archive.results = [][]types.Document{{candidate("a", 8)}}

	require.NoError(t, m.Generate(context.Background(), testPeriod(), 6, 500))

	assert.Equal(t, 1, client.calls)
	assert.Empty(t, board.upserts)
}

func TestGenerateDropsUnknownAndRepeatedPicks(t *testing.T) {
	m, archive, board, _ := newTestManager(t, `["ghost", "a", "a"]`)
	archive.results = [][]types.Document{{candidate("a", 8)}}

	require.NoError(t, m.Generate(context.Background(), testPeriod(), 6, 500))

	require.Len(t, board.upserts, 1)
	assert.Equal(t, bson.M{"UUID": "a"}, board.upserts[0].filter)
	assert.Equal(t, 1, board.upserts[0].patch[FieldRank])
}

func TestGenerateReportsFailedRows(t *testing.T) {
	m, archive, board, _ := newTestManager(t, `["a"]`)
	archive.results = [][]types.Document{{candidate("a", 8)}}
	board.upsertErr = errors.New("board down")

	err := m.Generate(context.Background(), testPeriod(), 6, 500)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 rows failed")
}

func TestGenerateManualRatingWinsInRows(t *testing.T) {
	m, archive, board, _ := newTestManager(t, `["a"]`)
	doc := candidate("a", 3)
	doc.Appendix()[types.AppendixManualRating] = 9
	archive.results = [][]types.Document{{doc}}

	require.NoError(t, m.Generate(context.Background(), testPeriod(), 6, 500))

	require.Len(t, board.upserts, 1)
	assert.Equal(t, 9, board.upserts[0].patch[FieldRateScore])
}

func TestLatestReturnsNewestBatchInRankOrder(t *testing.T) {
	m, _, board, _ := newTestManager(t, `[]`)
	newer := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	rows := []types.Document{
		{"UUID": "c", FieldRank: 1, FieldRecommendedAt: newer},
		{"UUID": "a", FieldRank: 2, FieldRecommendedAt: newer},
	}
	board.results = [][]types.Document{{rows[0]}, rows}

	got, err := m.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].UUID())

	require.Len(t, board.filters, 2)
	assert.Equal(t, bson.M{}, board.filters[0])
	assert.Equal(t, bson.M{FieldRecommendedAt: newer}, board.filters[1])
	assert.Equal(t, bson.D{{Key: FieldRecommendedAt, Value: -1}}, board.opts[0].Sort)
	assert.Equal(t, int64(1), board.opts[0].Limit)
	assert.Equal(t, bson.D{{Key: FieldRank, Value: 1}}, board.opts[1].Sort)
}

func TestLatestEmptyBoard(t *testing.T) {
	m, _, _, _ := newTestManager(t, `[]`)

	got, err := m.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}
