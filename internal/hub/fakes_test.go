package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"intelligence-hub/internal/aiclient"
	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/config"
	"intelligence-hub/internal/docstore"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/retry"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

// fakeCollection is an in-memory Collection speaking just enough of the
// query language the hub uses: equality on dotted paths, $or, $in,
// $exists, $gte and $lte, plus $set/$push patches.
type fakeCollection struct {
	mu   sync.Mutex
	name string
	docs []types.Document

	insertErr error
	findErr   error
	updateErr error

	aggErr  error
	aggDocs []types.Document

	indexed []bson.D
}

func newFakeCollection(name string) *fakeCollection {
	return &fakeCollection{name: name}
}

var _ Collection = (*fakeCollection)(nil)

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) seed(docs ...types.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		c.docs = append(c.docs, doc.Clone())
	}
}

func (c *fakeCollection) snapshot() []types.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Document, len(c.docs))
	for i, doc := range c.docs {
		out[i] = doc.Clone()
	}
	return out
}

func (c *fakeCollection) Insert(_ context.Context, doc types.Document) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return "", c.insertErr
	}
	c.docs = append(c.docs, doc.Clone())
	return fmt.Sprintf("oid-%d", len(c.docs)), nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter bson.M) (types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			return doc.Clone(), nil
		}
	}
	return nil, nil
}

func (c *fakeCollection) Find(_ context.Context, filter bson.M, opts *docstore.FindOptions) ([]types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	var out []types.Document
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			out = append(out, doc.Clone())
		}
	}
	if opts != nil {
		sortDocs(out, opts.Sort)
		if opts.Skip > 0 {
			if opts.Skip >= int64(len(out)) {
				out = nil
			} else {
				out = out[opts.Skip:]
			}
		}
		if opts.Limit > 0 && int64(len(out)) > opts.Limit {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

func (c *fakeCollection) Update(_ context.Context, filter, patch bson.M) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return 0, 0, c.updateErr
	}
	var matched int64
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			matched++
			applyPatch(doc, patch)
		}
	}
	return matched, matched, nil
}

func (c *fakeCollection) Upsert(_ context.Context, filter, patch bson.M) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return 0, 0, c.updateErr
	}
	var matched int64
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			matched++
			applyPatch(doc, patch)
		}
	}
	if matched > 0 {
		return matched, matched, nil
	}
	doc := types.Document{}
	for key, value := range filter {
		if strings.HasPrefix(key, "$") {
			continue
		}
		if _, isOps := operatorDoc(value); isOps {
			continue
		}
		setPath(doc, key, value)
	}
	applyPatch(doc, patch)
	c.docs = append(c.docs, doc)
	return 0, 1, nil
}

func (c *fakeCollection) Count(_ context.Context, filter bson.M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return 0, c.findErr
	}
	var n int64
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCollection) Aggregate(_ context.Context, _ mongo.Pipeline) ([]types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggDocs, c.aggErr
}

func (c *fakeCollection) EnsureIndex(_ context.Context, keys bson.D, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexed = append(c.indexed, keys)
	return nil
}

// applyPatch mimics the store's update semantics: a patch without
// operators is a $set of dotted paths; $set and $push pass through.
func applyPatch(doc types.Document, patch bson.M) {
	for key, value := range patch {
		switch key {
		case "$set":
			if fields, ok := value.(bson.M); ok {
				for path, v := range fields {
					setPath(doc, path, v)
				}
			}
		case "$push":
			if fields, ok := value.(bson.M); ok {
				for path, v := range fields {
					pushPath(doc, path, v)
				}
			}
		default:
			if !strings.HasPrefix(key, "$") {
				setPath(doc, key, value)
			}
		}
	}
}

func matchFilter(doc types.Document, filter bson.M) bool {
	for key, want := range filter {
		if key == "$or" {
			if !matchAnyBranch(doc, want) {
				return false
			}
			continue
		}
		got, exists := lookupPath(doc, key)
		if ops, ok := operatorDoc(want); ok {
			if !matchOperators(got, exists, ops) {
				return false
			}
			continue
		}
		if !exists || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func matchAnyBranch(doc types.Document, branches any) bool {
	switch list := branches.(type) {
	case []bson.M:
		for _, branch := range list {
			if matchFilter(doc, branch) {
				return true
			}
		}
	case []any:
		for _, raw := range list {
			if branch, ok := raw.(bson.M); ok && matchFilter(doc, branch) {
				return true
			}
		}
	}
	return false
}

func operatorDoc(v any) (bson.M, bool) {
	m, ok := v.(bson.M)
	if !ok {
		return nil, false
	}
	for key := range m {
		if strings.HasPrefix(key, "$") {
			return m, true
		}
	}
	return nil, false
}

func matchOperators(got any, exists bool, ops bson.M) bool {
	for op, arg := range ops {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if want != exists {
				return false
			}
		case "$in":
			if !exists || !anyOverlap(got, arg) {
				return false
			}
		case "$gte":
			cmp, ok := compareValues(got, arg)
			if !exists || !ok || cmp < 0 {
				return false
			}
		case "$lte":
			cmp, ok := compareValues(got, arg)
			if !exists || !ok || cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func lookupPath(doc types.Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Document:
		return m, true
	case bson.M:
		return m, true
	}
	return nil, false
}

func setPath(doc types.Document, path string, value any) {
	segs := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := toMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

func pushPath(doc types.Document, path string, value any) {
	existing, ok := lookupPath(doc, path)
	if !ok {
		setPath(doc, path, []any{value})
		return
	}
	list, _ := existing.([]any)
	setPath(doc, path, append(list, value))
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func anyOverlap(got, want any) bool {
	wants, ok := asList(want)
	if !ok {
		wants = []any{want}
	}
	gots, ok := asList(got)
	if !ok {
		gots = []any{got}
	}
	for _, g := range gots {
		for _, w := range wants {
			if looseEqual(g, w) {
				return true
			}
		}
	}
	return false
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok2 := toFloat(b)
		return ok2 && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok2 := b.(time.Time)
		return ok2 && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok2 := toFloat(b)
		if !ok2 {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok2 := b.(time.Time)
		if !ok2 {
			return 0, false
		}
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok2 := b.(string)
		if !ok2 {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func sortDocs(docs []types.Document, order bson.D) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range order {
			av, _ := lookupPath(docs[i], key.Key)
			bv, _ := lookupPath(docs[j], key.Key)
			cmp, ok := compareValues(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if dir, _ := key.Value.(int); dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// scriptedClient replays canned chat outcomes in call order; the last
// entry repeats once the script runs out.
type scriptedClient struct {
	mu      sync.Mutex
	name    string
	model   string
	replies []scriptedReply
	calls   int

	inflight int
}

type scriptedReply struct {
	content string
	err     error
}

func reply(content string) scriptedReply { return scriptedReply{content: content} }
func failWith(err error) scriptedReply   { return scriptedReply{err: err} }

func newScriptedClient(replies ...scriptedReply) *scriptedClient {
	return &scriptedClient{name: "fake-ai", model: "fake-model", replies: replies}
}

var _ aiclient.Client = (*scriptedClient)(nil)

func (c *scriptedClient) script(replies ...scriptedReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = replies
	c.calls = 0
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) Chat(_ context.Context, _ aiclient.Request) (*aiclient.Response, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	if len(c.replies) == 0 {
		c.mu.Unlock()
		return nil, huberrors.NewAITransportError(errors.New("no scripted reply"))
	}
	if idx >= len(c.replies) {
		idx = len(c.replies) - 1
	}
	r := c.replies[idx]
	model := c.model
	c.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return &aiclient.Response{
		Content: r.content,
		Model:   model,
		Usage:   aiclient.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	}, nil
}

func (c *scriptedClient) Name() string                { return c.name }
func (c *scriptedClient) Model() string               { return c.model }
func (c *scriptedClient) BaseURL() string             { return "http://fake.test" }
func (c *scriptedClient) Priority() aiclient.Priority { return aiclient.PriorityNormal }
func (c *scriptedClient) Group() string               { return "test" }
func (c *scriptedClient) Available() bool             { return true }
func (c *scriptedClient) UpdateBalance(float64)       {}
func (c *scriptedClient) Balance() float64            { return 0 }

func (c *scriptedClient) CheckBalance(context.Context) (float64, error) {
	return 0, aiclient.ErrNoBalanceProbe
}

func (c *scriptedClient) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *scriptedClient) BeginLease() {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
}

func (c *scriptedClient) EndLease() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

// fakeIndex is a canned vector service for pipeline tests.
type fakeIndex struct {
	mu        sync.Mutex
	status    *vectorstore.Status
	statusErr error
	ensureErr error
	upsertErr error
	searchErr error

	ensured  []vectorstore.CollectionConfig
	writes   []indexWrite
	hits     map[string][]vectorstore.SearchHit
	searches []indexSearch
}

type indexWrite struct {
	collection string
	docID      string
	text       string
	metadata   map[string]any
}

type indexSearch struct {
	collection string
	query      string
	topN       int
	threshold  float64
}

var _ vectorstore.VectorIndex = (*fakeIndex)(nil)

func (f *fakeIndex) ensuredNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ensured))
	for i, cfg := range f.ensured {
		out[i] = cfg.Name
	}
	return out
}

func (f *fakeIndex) writesTo(collection string) []indexWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []indexWrite
	for _, w := range f.writes {
		if w.collection == collection {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeIndex) WaitUntilReady(context.Context) error { return f.statusErr }

func (f *fakeIndex) Status(context.Context) (*vectorstore.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status != nil {
		return f.status, nil
	}
	return &vectorstore.Status{Status: string(vectorstore.StateReady), Model: "fake-embedder"}, nil
}

func (f *fakeIndex) EnsureCollection(_ context.Context, name string, chunkSize, chunkOverlap int) (vectorstore.CollectionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return vectorstore.CollectionConfig{}, f.ensureErr
	}
	cfg := vectorstore.CollectionConfig{Name: name, ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
	f.ensured = append(f.ensured, cfg)
	return cfg, nil
}

func (f *fakeIndex) ListCollections(context.Context) ([]string, error) {
	return f.ensuredNames(), nil
}

func (f *fakeIndex) Upsert(_ context.Context, collection, docID, text string, metadata map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.writes = append(f.writes, indexWrite{collection: collection, docID: docID, text: text, metadata: metadata})
	return 1, nil
}

func (f *fakeIndex) Search(_ context.Context, collection, query string, topN int, scoreThreshold float64, _ map[string]any) ([]vectorstore.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.searches = append(f.searches, indexSearch{collection: collection, query: query, topN: topN, threshold: scoreThreshold})
	return f.hits[collection], nil
}

func (f *fakeIndex) Exists(_ context.Context, collection, docID string) (bool, error) {
	for _, w := range f.writesTo(collection) {
		if w.docID == docID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIndex) DeleteDocument(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeIndex) Count(_ context.Context, collection string) (int, error) {
	return len(f.writesTo(collection)), nil
}

func (f *fakeIndex) ListDocuments(_ context.Context, _ string, limit, offset int) (*vectorstore.DocumentPage, error) {
	return &vectorstore.DocumentPage{Items: []vectorstore.DocumentRow{}, Limit: limit, Offset: offset}, nil
}

func (f *fakeIndex) Clear(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.writes[:0]
	for _, w := range f.writes {
		if w.collection != collection {
			kept = append(kept, w)
		}
	}
	f.writes = kept
	return nil
}

func (f *fakeIndex) Backup(context.Context, io.Writer) error { return nil }
func (f *fakeIndex) Restore(context.Context, string) error   { return nil }

// fakeExporter records the export calls the scheduled jobs issue.
type fakeExporter struct {
	mu      sync.Mutex
	weekly  []exportCall
	monthly []exportCall
}

type exportCall struct {
	year      int
	week      int
	month     time.Month
	dir       string
	timeField string
}

var _ Exporter = (*fakeExporter)(nil)

func (f *fakeExporter) ExportByWeek(_ context.Context, year, week int, dir, timeField string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weekly = append(f.weekly, exportCall{year: year, week: week, dir: dir, timeField: timeField})
	return filepath.Join(dir, "weekly.json"), nil
}

func (f *fakeExporter) ExportByMonth(_ context.Context, year int, month time.Month, dir, timeField string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monthly = append(f.monthly, exportCall{year: year, month: month, dir: dir, timeField: timeField})
	return filepath.Join(dir, "monthly.json"), nil
}

func (f *fakeExporter) weeklyCalls() []exportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exportCall(nil), f.weekly...)
}

func (f *fakeExporter) monthlyCalls() []exportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exportCall(nil), f.monthly...)
}

// testHub bundles a hub with handles on its fakes.
type testHub struct {
	hub     *Hub
	cache   *fakeCollection
	archive *fakeCollection
	client  *scriptedClient
	index   *fakeIndex
}

// newTestHub assembles a hub over in-memory fakes with one analysis worker
// and a fast retry policy. The mutate hook adjusts the options before New.
func newTestHub(t *testing.T, mutate func(*Options)) *testHub {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Hub.Analysis.Workers = 1

	cache := newFakeCollection(CacheCollection)
	archive := newFakeCollection(ArchiveCollection)
	client := newScriptedClient()
	index := &fakeIndex{}

	pool := aipool.NewManager(logging.NewNoOpLogger(), nil)
	require.NoError(t, pool.RegisterClient(client))

	opts := Options{
		Config:   cfg,
		Logger:   logging.NewNoOpLogger(),
		Cache:    cache,
		Archive:  archive,
		Index:    index,
		Vectors:  vectorstore.NewAdapter(index, "", "", vectorstore.FullTextSourceRaw, nil),
		Pool:     pool,
		Analyzer: analyzer.New("analysis system prompt", nil, nil),
	}
	if mutate != nil {
		mutate(&opts)
	}

	h, err := New(opts)
	require.NoError(t, err)
	h.retryPolicy = &retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		RetryIf:      retry.DefaultRetryIf,
	}
	return &testHub{hub: h, cache: cache, archive: archive, client: client, index: index}
}

func (th *testHub) start(t *testing.T) {
	t.Helper()
	require.NoError(t, th.hub.Startup(context.Background()))
	t.Cleanup(func() { _ = th.hub.Shutdown(5 * time.Second) })
}

// errorCode unwraps the standardized error envelope.
func errorCode(t *testing.T, err error) huberrors.ErrorCode {
	t.Helper()
	var std *huberrors.StandardError
	require.ErrorAs(t, err, &std)
	return std.ErrorInfo.Code
}
