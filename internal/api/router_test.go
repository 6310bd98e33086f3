package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/hub"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

const testToken = "SleepySoft"

// fakeHub records calls and serves canned answers.
type fakeHub struct {
	mu sync.Mutex

	collected []types.Document
	processed []types.Document
	// failUUIDs makes submissions of those items fail.
	failUUIDs map[string]error

	stats      types.Statistics
	summary    *hub.SummaryReport
	summaryErr error

	items    map[string]types.Document
	lastDB   string
	queryOut []types.Document
	queryN   int64
	queryErr error
	queries  []hub.QueryFilter

	searchOut []vectorstore.SearchResult
	searchErr error
	searches  []vectorSearchCall

	recommendations []types.Document
	recsErr         error

	ratings   map[string]int
	ratingErr error

	tasks   []string
	taskErr error
}

type vectorSearchCall struct {
	text              string
	inSummary, inFull bool
	topN              int
	threshold         float64
}

var _ HubService = (*fakeHub)(nil)

func newFakeHub() *fakeHub {
	return &fakeHub{
		failUUIDs: make(map[string]error),
		items:     make(map[string]types.Document),
		ratings:   make(map[string]int),
		summary:   &hub.SummaryReport{VectorStatus: "ready"},
	}
}

func (f *fakeHub) SubmitCollectedData(_ context.Context, doc types.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUUIDs[doc.UUID()]; err != nil {
		return err
	}
	f.collected = append(f.collected, doc)
	return nil
}

func (f *fakeHub) SubmitProcessedData(_ context.Context, doc types.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUUIDs[doc.UUID()]; err != nil {
		return err
	}
	f.processed = append(f.processed, doc)
	return nil
}

func (f *fakeHub) Statistics() types.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeHub) setStats(stats types.Statistics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

func (f *fakeHub) Summary(context.Context) (*hub.SummaryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return f.summary, nil
}

func (f *fakeHub) Get(_ context.Context, id, db string) (types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDB = db
	doc, ok := f.items[id]
	if !ok {
		return nil, huberrors.NewNotFoundError("intelligence", id)
	}
	return doc, nil
}

func (f *fakeHub) GetMany(_ context.Context, ids []string, db string) ([]types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDB = db
	out := make([]types.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := f.items[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeHub) Query(_ context.Context, q hub.QueryFilter) ([]types.Document, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.queryErr != nil {
		return nil, 0, f.queryErr
	}
	return f.queryOut, f.queryN, nil
}

func (f *fakeHub) VectorSearch(_ context.Context, text string, inSummary, inFullText bool, topN int, scoreThreshold float64) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, vectorSearchCall{
		text: text, inSummary: inSummary, inFull: inFullText,
		topN: topN, threshold: scoreThreshold,
	})
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchOut, nil
}

func (f *fakeHub) Recommendations(context.Context) ([]types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recsErr != nil {
		return nil, f.recsErr
	}
	return f.recommendations, nil
}

func (f *fakeHub) SubmitManualRating(_ context.Context, id string, rating int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ratingErr != nil {
		return f.ratingErr
	}
	f.ratings[id] = rating
	return nil
}

func (f *fakeHub) ExecuteTask(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taskErr != nil {
		return f.taskErr
	}
	f.tasks = append(f.tasks, id)
	return nil
}

// newTestRouter builds a router over a fake hub with default tokens.
func newTestRouter(t *testing.T, opts ...func(*Options)) (*Router, *fakeHub) {
	t.Helper()
	fake := newFakeHub()
	options := Options{Config: config.DefaultConfig(), Hub: fake}
	for _, opt := range opts {
		opt(&options)
	}
	router, err := New(options)
	require.NoError(t, err)
	return router, fake
}

func doRequest(t *testing.T, router *Router, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

// errorCode digs the semantic code out of an error envelope body.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	return envelope.Error.Code
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Hub: newFakeHub()})
	require.ErrorContains(t, err, "config")

	_, err = New(Options{Config: config.DefaultConfig()})
	require.ErrorContains(t, err, "hub")
}

func TestPingHeartbeat(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/ping", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestWrongMethodAnswersJSON(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/api/rpc", testToken, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", errorCode(t, rec))
}

func TestRequestIDStamped(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")

	req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Request-ID", "trace-42")
	rec = httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"), "caller's id kept")
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/rpc", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestStatisticsEndpoint(t *testing.T) {
	router, fake := newTestRouter(t)
	fake.setStats(types.Statistics{WaitingProcess: 4, Archived: 9})

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.Statistics
	decodeBody(t, rec, &stats)
	assert.Equal(t, 4, stats.WaitingProcess)
	assert.Equal(t, 9, stats.Archived)
}

func TestHealthReportsDependencies(t *testing.T) {
	router, fake := newTestRouter(t)
	fake.mu.Lock()
	fake.summary = &hub.SummaryReport{Cached: 12, Archived: 5, VectorStatus: "ready"}
	fake.mu.Unlock()

	rec := doRequest(t, router, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status       string `json:"status"`
		VectorStatus string `json:"vector_status"`
		Cached       int64  `json:"cached"`
		Archived     int64  `json:"archived"`
	}
	decodeBody(t, rec, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ready", health.VectorStatus)
	assert.Equal(t, int64(12), health.Cached)
	assert.Equal(t, int64(5), health.Archived)
}

func TestHealthDegradesWhenStoreDown(t *testing.T) {
	router, fake := newTestRouter(t)
	fake.mu.Lock()
	fake.summaryErr = huberrors.NewInternalError("mongo down", nil)
	fake.mu.Unlock()

	rec := doRequest(t, router, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code, "liveness stays 200")

	var health struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &health)
	assert.Equal(t, "degraded", health.Status)
}

func TestOpenAPIEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, func(o *Options) {
		o.OpenAPI = func() ([]byte, error) {
			return []byte(`{"openapi":"3.0.3"}`), nil
		}
	})
	rec := doRequest(t, router, http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"openapi"`)

	bare, _ := newTestRouter(t)
	rec = doRequest(t, bare, http.MethodGet, "/openapi.json", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryLimiter(2, time.Minute)
	defer limiter.Stop()
	router, _ := newTestRouter(t, func(o *Options) {
		o.Limiter = limiter
	})

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = doRequest(t, router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "probes are exempt")
}
