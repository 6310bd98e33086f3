package hub

import (
	"context"
	"fmt"
	"time"

	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/pkg/types"
)

// SubmitCollectedData validates a collector submission, caches it and puts
// it on the high-priority queue. Duplicates are rejected before anything
// is written: a queued, in-flight or archived item claiming the same UUID
// or informant wins.
func (h *Hub) SubmitCollectedData(ctx context.Context, doc types.Document) error {
	if h.closing.Load() {
		return huberrors.NewUnavailableError("hub is shutting down", 0)
	}
	item, err := types.CollectedFromDocument(doc)
	if err != nil {
		return huberrors.NewValidationError("data", err.Error(), nil)
	}

	if !h.reserveIdentity(item.UUID, item.Informant) {
		return duplicateError(item.UUID)
	}
	defer h.releaseIdentity(item.UUID)

	dup, err := h.archivedAlready(ctx, item.UUID, item.Informant, item.Title)
	if err != nil {
		return huberrors.NewInternalError("archive lookup failed", err)
	}
	if dup {
		return duplicateError(item.UUID)
	}

	record := collectedRecord(item)
	if _, err := h.cache.Insert(ctx, record); err != nil {
		return huberrors.NewInternalError("cache write failed", err)
	}
	h.originalQueue.Push(record)
	h.logger.Info("Intelligence collected", "uuid", item.UUID, "informant", item.Informant)
	return nil
}

// SubmitProcessedData accepts an already analyzed record from an external
// processor and hands it straight to the post-processor.
func (h *Hub) SubmitProcessedData(ctx context.Context, doc types.Document) error {
	if h.closing.Load() {
		return huberrors.NewUnavailableError("hub is shutting down", 0)
	}
	item, err := types.ArchivedFromDocument(doc)
	if err != nil {
		return huberrors.NewValidationError("data", err.Error(), nil)
	}
	h.processedQueue.Push(item.Document())
	h.logger.Info("Processed intelligence accepted", "uuid", item.UUID)
	return nil
}

// collectedRecord renders the validated item back into its cache shape,
// dropping unknown fields and stamping the intake instant.
func collectedRecord(item types.CollectedItem) types.Document {
	record := types.Document{
		types.FieldUUID: item.UUID,
		"content":       item.Content,
	}
	if item.Title != "" {
		record["title"] = item.Title
	}
	if len(item.Authors) > 0 {
		record["authors"] = item.Authors
	}
	if item.PubTime != "" {
		record["pub_time"] = item.PubTime
	}
	if item.Informant != "" {
		record["informant"] = item.Informant
	}
	record[types.AppendixTimeGot] = epochSeconds(time.Now())
	return record
}

func duplicateError(uuid string) error {
	return huberrors.NewDuplicateError(fmt.Sprintf("Collected message duplicated %s.", uuid))
}
