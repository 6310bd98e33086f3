// Package hub is the intelligence pipeline core. It owns the work queues,
// the analysis workers and the post-processor, tracks the archival flag of
// every cached item, and exposes the read surface the transports serve.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/config"
	"intelligence-hub/internal/docstore"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/recommend"
	"intelligence-hub/internal/retry"
	"intelligence-hub/internal/scheduler"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

// Document store collections the hub works against.
const (
	CacheCollection          = "intelligence_cached"
	ArchiveCollection        = "intelligence_archived"
	RecommendationCollection = "intelligence_recommendation"
)

const (
	// queuePopWait bounds every blocking queue pop so the shutdown flag
	// is observed promptly.
	queuePopWait = time.Second
	// vectorWaitSlice bounds the per-iteration wait for the vector
	// readiness event.
	vectorWaitSlice = time.Second
	// vectorProbePeriod is the backoff between vector service probes.
	vectorProbePeriod = 5 * time.Second
	// storeOpTimeout bounds flag and archive writes issued from workers,
	// which must finish even while the hub is winding down.
	storeOpTimeout = 10 * time.Second
	// maxRequeues caps how often a transiently failed item re-enters the
	// low-priority queue before it is left to the next startup reload.
	maxRequeues = 2

	defaultAnalysisWorkers = 3
)

// Collection is the slice of the document store the hub needs. The
// docstore.Store satisfies it; tests substitute an in-memory fake.
type Collection interface {
	Name() string
	Insert(ctx context.Context, doc types.Document) (string, error)
	FindOne(ctx context.Context, filter bson.M) (types.Document, error)
	Find(ctx context.Context, filter bson.M, opts *docstore.FindOptions) ([]types.Document, error)
	Update(ctx context.Context, filter, patch bson.M) (int64, int64, error)
	Upsert(ctx context.Context, filter, patch bson.M) (int64, int64, error)
	Count(ctx context.Context, filter bson.M) (int64, error)
	Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]types.Document, error)
	EnsureIndex(ctx context.Context, keys bson.D, unique bool) error
}

// Exporter is the export slice of a document store collection, used by the
// weekly and monthly jobs.
type Exporter interface {
	ExportByWeek(ctx context.Context, year, week int, dir, timeField string, addTimestamp bool) (string, error)
	ExportByMonth(ctx context.Context, year int, month time.Month, dir, timeField string, addTimestamp bool) (string, error)
}

// Options wires the hub's collaborators. Config, Logger, Cache, Archive,
// Pool and Analyzer are required; everything else degrades to a disabled
// feature when absent.
type Options struct {
	Config *config.Config
	Logger logging.Logger

	Cache   Collection
	Archive Collection
	// Board is the recommendation collection, used only for summary
	// counts; the recommendation manager owns its writes.
	Board Collection

	// Index is the vector service handle, nil when the vector pipeline
	// is disabled. Vectors is the metadata adapter over the same index.
	Index   vectorstore.VectorIndex
	Vectors *vectorstore.Adapter

	Pool     *aipool.Manager
	Analyzer *analyzer.Analyzer

	Recommender *recommend.Manager
	Scheduler   *scheduler.Scheduler

	// CacheExporter and ArchiveExporter serve the scheduled exports.
	CacheExporter   Exporter
	ArchiveExporter Exporter

	// CloseStores releases the document store connection during
	// shutdown. Called at most once.
	CloseStores func(ctx context.Context) error
}

// counters are the cumulative pipeline statistics, mutated only under the
// hub mutex.
type counters struct {
	archived    int
	dropped     int
	errors      int
	convWarning int
	convError   int
	convTotal   int
}

// worker is the join bookkeeping for one background goroutine. Joining a
// worker that never started returns immediately instead of blocking on a
// channel nobody closes.
type worker struct {
	name    string
	started bool
	done    chan struct{}
}

// Hub runs the intelligence pipeline.
type Hub struct {
	cfg    *config.Config
	logger logging.Logger

	cache   Collection
	archive Collection
	board   Collection

	index   vectorstore.VectorIndex
	vectors *vectorstore.Adapter

	pool  *aipool.Manager
	proxy *analyzer.Analyzer

	recommender *recommend.Manager
	schedule    *scheduler.Scheduler

	cacheExport   Exporter
	archiveExport Exporter
	closeStores   func(ctx context.Context) error

	originalQueue   *itemQueue
	unarchivedQueue *itemQueue
	processedQueue  *itemQueue

	// runCtx is cancelled when shutdown begins; it aborts waits, never
	// in-flight model calls.
	runCtx  context.Context
	stopRun context.CancelFunc

	shutdown  chan struct{}
	stopOnce  sync.Once
	closing   atomic.Bool
	closeOnce sync.Once

	vectorReady chan struct{}
	readyOnce   sync.Once
	vectorOn    atomic.Bool

	retryPolicy *retry.Config

	mu       sync.Mutex
	counters counters
	// pending maps a reserved or in-flight UUID to its informant. An
	// entry blocks any concurrent submission claiming either identity.
	pending  map[string]string
	requeued map[string]int

	workers []*worker
	started atomic.Bool
}

// New assembles a hub from its collaborators. No goroutine starts until
// Startup.
func New(opts Options) (*Hub, error) {
	if opts.Config == nil {
		return nil, errors.New("hub: config is required")
	}
	if opts.Cache == nil || opts.Archive == nil {
		return nil, errors.New("hub: cache and archive collections are required")
	}
	if opts.Pool == nil || opts.Analyzer == nil {
		return nil, errors.New("hub: client pool and analyzer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	return &Hub{
		cfg:             opts.Config,
		logger:          logger.WithComponent("hub"),
		cache:           opts.Cache,
		archive:         opts.Archive,
		board:           opts.Board,
		index:           opts.Index,
		vectors:         opts.Vectors,
		pool:            opts.Pool,
		proxy:           opts.Analyzer,
		recommender:     opts.Recommender,
		schedule:        opts.Scheduler,
		cacheExport:     opts.CacheExporter,
		archiveExport:   opts.ArchiveExporter,
		closeStores:     opts.CloseStores,
		originalQueue:   newItemQueue(),
		unarchivedQueue: newItemQueue(),
		processedQueue:  newItemQueue(),
		runCtx:          runCtx,
		stopRun:         stopRun,
		shutdown:        make(chan struct{}),
		vectorReady:     make(chan struct{}),
		retryPolicy:     retry.AnalysisConfig(),
		pending:         make(map[string]string),
		requeued:        make(map[string]int),
	}, nil
}

// Startup loads the unarchived backlog, launches the workers and starts
// the scheduled jobs.
func (h *Hub) Startup(ctx context.Context) error {
	if h.started.Swap(true) {
		return errors.New("hub: already started")
	}

	h.ensureIndexes(ctx)

	loaded, err := h.loadBacklog(ctx)
	if err != nil {
		// Degraded start: analysis of fresh submissions still works.
		h.logger.Error("Unarchived backlog not loaded", "error", err)
	} else if loaded > 0 {
		h.logger.Info("Unarchived backlog loaded", "items", loaded)
	}

	h.launch("vector-init", h.vectorInitWorker)
	n := h.cfg.Hub.Analysis.Workers
	if n <= 0 {
		n = defaultAnalysisWorkers
	}
	for i := 1; i <= n; i++ {
		h.launch(fmt.Sprintf("analysis-%d", i), h.analysisWorker)
	}
	h.launch("post-process", h.postProcessWorker)

	if err := h.registerJobs(); err != nil {
		return err
	}
	h.pool.StartMonitoring(h.runCtx, 0)

	h.logger.Info("Hub started", "analysis_workers", n,
		"vector_enabled", h.index != nil)
	return nil
}

// Shutdown stops intake, drops whatever is still waiting in the original
// queue back onto the next startup reload, joins the workers and closes
// the stores. In-flight model calls are not aborted; the join timeout
// bounds how long they may run on.
func (h *Hub) Shutdown(timeout time.Duration) error {
	if h.closing.Swap(true) {
		return nil
	}
	h.logger.Info("Hub shutting down")

	if dropped := h.originalQueue.Drain(); len(dropped) > 0 {
		h.logger.Warn("Unprocessed submissions left for next start", "items", len(dropped))
	}
	h.unarchivedQueue.Drain()

	h.stopOnce.Do(func() { close(h.shutdown) })
	h.stopRun()

	if h.schedule != nil {
		if err := h.schedule.Stop(timeout); err != nil {
			h.logger.Warn("Scheduler stop", "error", err)
		}
	}

	joinErr := h.joinWorkers(timeout)

	stats := h.Statistics()
	h.logger.Info("Hub stopped",
		"archived", stats.Archived, "dropped", stats.Dropped, "error", stats.Error)

	if h.closeStores != nil {
		h.closeOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			defer cancel()
			if err := h.closeStores(ctx); err != nil {
				h.logger.Error("Store close failed", "error", err)
			}
		})
	}
	return joinErr
}

// launch starts one named worker goroutine and registers it for joining.
func (h *Hub) launch(name string, body func()) {
	w := &worker{name: name, started: true, done: make(chan struct{})}
	h.mu.Lock()
	h.workers = append(h.workers, w)
	h.mu.Unlock()
	go func() {
		defer close(w.done)
		body()
	}()
}

// joinWorkers waits for every started worker, sharing one deadline.
func (h *Hub) joinWorkers(timeout time.Duration) error {
	h.mu.Lock()
	workers := make([]*worker, len(h.workers))
	copy(workers, h.workers)
	h.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, w := range workers {
		if !w.started {
			continue
		}
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-w.done:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("hub: worker %s still running after %s", w.name, timeout)
		}
	}
	return nil
}

// stopping reports whether shutdown has been requested.
func (h *Hub) stopping() bool {
	select {
	case <-h.shutdown:
		return true
	default:
		return false
	}
}

// Statistics snapshots the queue depths and counters.
func (h *Hub) Statistics() types.Statistics {
	h.mu.Lock()
	c := h.counters
	h.mu.Unlock()
	return types.Statistics{
		WaitingProcess:      h.originalQueue.Len(),
		UnarchivedQueue:     h.unarchivedQueue.Len(),
		PostProcess:         h.processedQueue.Len(),
		Archived:            c.archived,
		Dropped:             c.dropped,
		Error:               c.errors,
		ConversationWarning: c.convWarning,
		ConversationError:   c.convError,
		ConversationTotal:   c.convTotal,
	}
}

// flagPath is the dotted cache field holding the archival flag.
func flagPath() string {
	return types.FieldAppendix + "." + types.AppendixArchivedFlag
}

// markFlag writes the archival flag on every cache row carrying the UUID.
// Last write wins; the write must succeed even during wind-down, so it
// runs on its own bounded context.
func (h *Hub) markFlag(uuid string, flag types.ArchiveFlag) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if _, _, err := h.cache.Update(ctx, bson.M{types.FieldUUID: uuid},
		bson.M{flagPath(): string(flag)}); err != nil {
		h.logger.Error("Archival flag not written", "uuid", uuid, "flag", flag, "error", err)
	}
}

// settle gives the item its resulting flag and bumps the matching counter.
func (h *Hub) settle(uuid string, flag types.ArchiveFlag) {
	h.markFlag(uuid, flag)
	h.mu.Lock()
	switch flag {
	case types.FlagArchived:
		h.counters.archived++
	case types.FlagDropped:
		h.counters.dropped++
	default:
		h.counters.errors++
	}
	if flag.Terminal() {
		delete(h.requeued, uuid)
	}
	h.mu.Unlock()
}

// reserveIdentity claims the UUID for one submission or analysis. It fails
// when a queued, reserved or in-flight item already carries the UUID, or
// the informant when one is given. Of two concurrent submissions of the
// same identity exactly one wins the reservation.
func (h *Hub) reserveIdentity(uuid, informant string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[uuid]; ok {
		return false
	}
	if informant != "" {
		for _, inf := range h.pending {
			if inf == informant {
				return false
			}
		}
	}
	match := func(doc types.Document) bool {
		if doc.UUID() == uuid {
			return true
		}
		return informant != "" && doc.Informant() == informant
	}
	if h.originalQueue.Any(match) || h.unarchivedQueue.Any(match) || h.processedQueue.Any(match) {
		return false
	}
	h.pending[uuid] = informant
	return true
}

// releaseIdentity drops the reservation taken by reserveIdentity.
func (h *Hub) releaseIdentity(uuid string) {
	h.mu.Lock()
	delete(h.pending, uuid)
	h.mu.Unlock()
}

// archivedAlready probes the archive for the item's identity. The $or
// shape is kept even with an empty informant; legacy records were written
// against exactly this clause.
func (h *Hub) archivedAlready(ctx context.Context, uuid, informant, title string) (bool, error) {
	found, err := h.archive.FindOne(ctx, bson.M{"$or": []bson.M{
		{types.FieldUUID: uuid},
		{types.FieldInformant: informant, types.FieldEventTitle: title},
	}})
	if err != nil {
		return false, err
	}
	return found != nil, nil
}

// allowRequeue spends one unit of the item's requeue budget.
func (h *Hub) allowRequeue(uuid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.requeued[uuid] >= maxRequeues {
		return false
	}
	h.requeued[uuid]++
	return true
}

// loadBacklog queues every cache item without a terminal flag: rows the
// last run never reached and rows flagged E for another pass.
func (h *Hub) loadBacklog(ctx context.Context) (int, error) {
	filter := bson.M{"$or": []bson.M{
		{flagPath(): bson.M{"$exists": false}},
		{flagPath(): string(types.FlagError)},
	}}
	docs, err := h.cache.Find(ctx, filter, &docstore.FindOptions{
		Sort: bson.D{{Key: types.AppendixTimeGot, Value: 1}},
	})
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		h.unarchivedQueue.Push(doc)
	}
	return len(docs), nil
}

// ensureIndexes backs the dedupe probe and the flag queries. Failures are
// logged only; the collections stay usable without the indexes.
func (h *Hub) ensureIndexes(ctx context.Context) {
	if err := h.cache.EnsureIndex(ctx, bson.D{{Key: types.FieldUUID, Value: 1}}, false); err != nil {
		h.logger.Warn("Cache index", "error", err)
	}
	if err := h.archive.EnsureIndex(ctx, bson.D{{Key: types.FieldUUID, Value: 1}}, false); err != nil {
		h.logger.Warn("Archive index", "error", err)
	}
	if err := h.archive.EnsureIndex(ctx, bson.D{
		{Key: types.FieldInformant, Value: 1},
		{Key: types.FieldEventTitle, Value: 1},
	}, false); err != nil {
		h.logger.Warn("Archive identity index", "error", err)
	}
}

// epochSeconds renders an instant the way the wire format stores loose
// timestamps.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
