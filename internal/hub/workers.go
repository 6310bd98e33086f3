package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"intelligence-hub/internal/aipool"
	"intelligence-hub/internal/analyzer"
	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/retry"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

// analysisWorker drains the work queues. The original queue is strictly
// preferred: the low-priority queue is only touched after the high one was
// observed empty in the same iteration.
func (h *Hub) analysisWorker() {
	for !h.stopping() {
		h.awaitVectorSignal()

		doc, ok := h.originalQueue.Pop(queuePopWait)
		if !ok {
			doc, ok = h.unarchivedQueue.Pop(0)
		}
		if !ok {
			continue
		}
		h.analyzeOne(doc)
	}
}

// awaitVectorSignal holds analysis until the vector pipeline has settled,
// so the first archived items are indexable. The wait is sliced; once the
// event fired it costs nothing.
func (h *Hub) awaitVectorSignal() {
	timer := time.NewTimer(vectorWaitSlice)
	defer timer.Stop()
	select {
	case <-h.vectorReady:
	case <-h.shutdown:
	case <-timer.C:
	}
}

// analyzeOne runs the full analysis of one queued item. Every exit path
// leaves the cache row flagged or deliberately unflagged for the next
// startup reload, and never holds a client lease.
func (h *Hub) analyzeOne(doc types.Document) {
	id := doc.UUID()
	if id == "" {
		id = uuid.NewString()
		doc[types.FieldUUID] = id
		h.logger.Warn("Queued item had no UUID", "generated", id)
	}
	informant := doc.Informant()

	if !h.reserveIdentity(id, informant) {
		h.logger.Info("Collected message duplicated", "uuid", id)
		h.settle(id, types.FlagDropped)
		return
	}
	defer h.releaseIdentity(id)

	item, err := types.CollectedFromDocument(doc)
	if err != nil {
		// Legacy cache rows can miss the content entirely; there is
		// nothing to analyze now or on any later pass.
		h.logger.Warn("Queued item not analyzable", "uuid", id, "error", err)
		h.settle(id, types.FlagDropped)
		return
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	dup, err := h.archivedAlready(probeCtx, id, item.Informant, item.Title)
	cancel()
	if err != nil {
		// Degraded store: leave the row unflagged so the next startup
		// reload retries it.
		h.logger.Error("Archive dedupe probe failed", "uuid", id, "error", err)
		return
	}
	if dup {
		h.logger.Info("Collected message duplicated", "uuid", id)
		h.settle(id, types.FlagDropped)
		return
	}

	lease, err := h.pool.Acquire(h.runCtx, aipool.Constraints{Owner: "analysis"})
	if err != nil {
		// Only shutdown interrupts the acquisition wait.
		h.logger.Warn("Analysis interrupted before client acquisition", "uuid", id)
		return
	}

	analysis, callErr := h.runAnalysis(lease, item)
	if callErr != nil {
		h.flagFailedAnalysis(id, doc, callErr)
		return
	}
	if analysis.Discard {
		h.logger.Info("No intelligence value", "uuid", id, "record", analysis.RecordPath)
		h.settle(id, types.FlagDropped)
		return
	}

	result := analysis.Document
	// The model's identity fields are advisory; the originals win.
	result[types.FieldUUID] = item.UUID
	result[types.FieldInformant] = item.Informant

	archived, err := types.ArchivedFromDocument(result)
	if err != nil {
		h.logger.Error("Analysis result rejected", "uuid", id,
			"record", analysis.RecordPath, "error", err)
		h.settle(id, types.FlagError)
		return
	}
	if archived.PubTime.IsZero() {
		pub := time.Now()
		if t, ok := types.ParseTimeValue(item.PubTime); ok {
			pub = t
		}
		result[types.FieldPubTime] = pub
	}

	result[types.FieldRawData] = map[string]any(doc)
	appendix := result.EnsureAppendix()
	appendix[types.AppendixAIService] = lease.Client.Name()
	model := lease.Client.Model()
	if analysis.Response != nil && analysis.Response.Model != "" {
		model = analysis.Response.Model
	}
	appendix[types.AppendixAIModel] = model

	h.processedQueue.Push(result)
	h.logger.Info("Analysis complete", "uuid", id, "record", analysis.RecordPath)
}

// runAnalysis drives the retry policy around the analyzer and releases the
// lease on every path. Chat contexts are detached from the run context so
// shutdown never aborts an in-flight model call; only the waits between
// attempts are interruptible.
func (h *Hub) runAnalysis(lease *aipool.Lease, item types.CollectedItem) (*analyzer.Analysis, error) {
	var analysis *analyzer.Analysis
	result := retry.New(h.retryPolicy).Do(h.runCtx, func(context.Context) error {
		res, err := h.proxy.Analyze(context.Background(), lease.Client, item)
		h.noteExchange(res, err)
		if err != nil {
			return err
		}
		analysis = res
		return nil
	})
	if result.Err != nil {
		lease.Release(nil, result.Err)
		return nil, result.Err
	}
	lease.Release(analysis.Response, nil)
	return analysis, nil
}

// noteExchange folds one model exchange into the conversation counters.
// Chat-level failures never reached the model, so they do not count.
func (h *Hub) noteExchange(res *analyzer.Analysis, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case err == nil && res != nil:
		h.counters.convTotal++
		if res.Repaired {
			h.counters.convWarning++
		}
		if res.RecordFailed {
			h.counters.convError++
		}
	case err != nil:
		if aiErr, ok := huberrors.AsAIError(err); ok && aiErr.APICode == "PARSE" {
			h.counters.convTotal++
			h.counters.convError++
		}
	}
}

// flagFailedAnalysis maps a final call error onto the flag machine: the
// provider refusal is terminal S, everything else is E. An E item with
// budget left re-enters the low-priority queue right away; otherwise the
// next startup reload picks it up.
func (h *Hub) flagFailedAnalysis(id string, doc types.Document, callErr error) {
	if aiErr, ok := huberrors.AsAIError(callErr); ok && aiErr.Sensitive() {
		h.logger.Warn("Provider refused the content", "uuid", id, "error", callErr)
		h.settle(id, types.FlagSensitive)
		return
	}
	h.logger.Error("Analysis failed", "uuid", id, "error", callErr)
	h.settle(id, types.FlagError)
	if !h.stopping() && h.allowRequeue(id) {
		// Free the identity first so the next pass can reserve it.
		h.releaseIdentity(id)
		h.unarchivedQueue.Push(doc)
	}
}

// postProcessWorker archives validated analysis results.
func (h *Hub) postProcessWorker() {
	for !h.stopping() {
		doc, ok := h.processedQueue.Pop(queuePopWait)
		if !ok {
			continue
		}
		h.archiveOne(doc)
	}
}

// archiveOne enriches one processed document, indexes it and archives it.
// Any failure flags the source row E so a later pass can try again.
func (h *Hub) archiveOne(doc types.Document) {
	id := doc.UUID()
	item, err := types.ArchivedFromDocument(doc)
	if err != nil {
		h.logger.Error("Processed item rejected", "uuid", id, "error", err)
		h.settle(id, types.FlagError)
		return
	}
	if item.Appendix == nil {
		item.Appendix = make(map[string]any)
	}
	if len(item.Rate) == 0 {
		item.Rate = types.DefaultRate()
	}

	class, score := types.MaxRate(item.Rate, nil, h.excludeRateKey())
	item.Appendix[types.AppendixMaxRateClass] = class
	item.Appendix[types.AppendixMaxRateScore] = score
	item.Appendix[types.AppendixTimeArchived] = epochSeconds(time.Now())
	item.Appendix[types.AppendixArchivedFlag] = string(types.FlagArchived)

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if h.vectors != nil && h.vectorOn.Load() {
		if err := h.vectors.IndexItem(ctx, &item); err != nil {
			h.logger.Error("Vector upsert failed", "uuid", item.UUID, "error", err)
			h.settle(item.UUID, types.FlagError)
			return
		}
	}

	if _, _, err := h.archive.Upsert(ctx,
		bson.M{types.FieldUUID: item.UUID}, bson.M(item.Document())); err != nil {
		h.logger.Error("Archive write failed", "uuid", item.UUID, "error", err)
		h.settle(item.UUID, types.FlagError)
		return
	}

	h.linkParent(ctx, &item)
	h.settle(item.UUID, types.FlagArchived)
	h.logger.Info("Intelligence archived", "uuid", item.UUID, "title", item.EventTitle)
}

// linkParent appends this item to its parent's child list when the
// analysis related it to an earlier record. The child keeps the parent id
// as a plain string; graphs are walked by repeated lookups.
func (h *Hub) linkParent(ctx context.Context, item *types.ArchivedItem) {
	parent, _ := item.Appendix[types.AppendixParentItem].(string)
	if parent == "" || parent == item.UUID {
		return
	}
	path := types.FieldAppendix + "." + types.AppendixParentItem
	if _, _, err := h.archive.Update(ctx, bson.M{types.FieldUUID: parent},
		bson.M{"$push": bson.M{path: item.UUID}}); err != nil {
		h.logger.Error("Parent link not recorded", "uuid", item.UUID,
			"parent", parent, "error", err)
	}
}

// vectorInitWorker probes the vector service until it settles, provisions
// the collections and opens the gate. The readiness event fires on every
// outcome so analysis never waits forever; the gate opens only on success.
func (h *Hub) vectorInitWorker() {
	defer h.signalVectorReady()

	if h.index == nil {
		h.logger.Info("Vector pipeline disabled")
		return
	}
	for {
		status, err := h.index.Status(h.runCtx)
		switch {
		case err == nil && status.Status == string(vectorstore.StateReady):
			if err := h.provisionVectorCollections(); err != nil {
				h.logger.Error("Vector collections not provisioned", "error", err)
				return
			}
			h.vectorOn.Store(true)
			h.logger.Info("Vector pipeline ready")
			return
		case err == nil && status.Status == string(vectorstore.StateError):
			h.logger.Error("Vector service failed to start", "error", status.Error)
			return
		case err != nil:
			var failed *vectorstore.FailedError
			if errors.As(err, &failed) {
				h.logger.Error("Vector service failed to start", "error", failed)
				return
			}
			h.logger.Warn("Vector service not reachable yet", "error", err)
		}

		select {
		case <-h.shutdown:
			return
		case <-time.After(vectorProbePeriod):
		}
	}
}

func (h *Hub) signalVectorReady() {
	h.readyOnce.Do(func() { close(h.vectorReady) })
}

// provisionVectorCollections creates or reconciles the configured
// collections with their chunking profiles.
func (h *Hub) provisionVectorCollections() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	for _, p := range h.storeProfiles() {
		if _, err := h.index.EnsureCollection(ctx, p.Name, p.ChunkSize, p.ChunkOverlap); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) storeProfiles() []config.StoreProfile {
	if stores := h.cfg.Hub.VectorDB.Stores; len(stores) > 0 {
		return stores
	}
	return []config.StoreProfile{
		{Name: vectorstore.SummaryCollection, ChunkSize: 256, ChunkOverlap: 30},
		{Name: vectorstore.FullTextCollection, ChunkSize: 512, ChunkOverlap: 50},
	}
}

func (h *Hub) excludeRateKey() string {
	if k := h.cfg.Hub.Analysis.ExcludeRateKey; k != "" {
		return k
	}
	return types.DefaultExcludeRateKey
}
