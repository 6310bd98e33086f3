package hub

import (
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"intelligence-hub/internal/docstore"
	"intelligence-hub/pkg/types"
)

// Scheduled task identifiers, also addressable through ExecuteTask.
const (
	TaskRecommendations   = "recommendations"
	TaskWeeklyExport      = "weekly_export"
	TaskMonthlyExport     = "monthly_export"
	TaskVectorMaintenance = "vector_maintenance"
)

const (
	recommendWindow       = 24 * time.Hour
	recommendThreshold    = 6
	recommendLimit        = 500
	recommendStartupDelay = 2 * time.Second

	// The maintenance window overlaps the hourly cadence so items archived
	// right at a boundary get a second look.
	maintenanceWindow = 25 * time.Hour
	maintenanceLimit  = 500
)

// registerJobs binds the hub's periodic work to the scheduler and starts
// it. The recommendation pass also runs once shortly after startup so a
// fresh deployment has a board before the first full hour.
func (h *Hub) registerJobs() error {
	if h.schedule == nil {
		return nil
	}
	if h.recommender != nil {
		if err := h.schedule.RegisterHourly(TaskRecommendations, h.runRecommendations); err != nil {
			return err
		}
	}
	if h.vectors != nil {
		if err := h.schedule.RegisterHourly(TaskVectorMaintenance, h.runVectorMaintenance); err != nil {
			return err
		}
	}
	if h.cacheExport != nil || h.archiveExport != nil {
		if err := h.schedule.RegisterWeekly(TaskWeeklyExport, time.Sunday, h.runWeeklyExport); err != nil {
			return err
		}
		if err := h.schedule.RegisterMonthly(TaskMonthlyExport, 1, h.runMonthlyExport); err != nil {
			return err
		}
	}
	h.schedule.Start()
	if h.recommender != nil {
		if err := h.schedule.ExecuteTask(TaskRecommendations, recommendStartupDelay); err != nil {
			h.logger.Warn("Startup recommendation pass not triggered", "error", err)
		}
	}
	return nil
}

func (h *Hub) runRecommendations() {
	now := time.Now()
	period := types.Period{Start: now.Add(-recommendWindow), End: now}
	if err := h.recommender.Generate(h.runCtx, period, recommendThreshold, recommendLimit); err != nil {
		h.logger.Error("Recommendation pass failed", "error", err)
	}
}

// runVectorMaintenance backfills index entries for recently archived items
// whose vector write was lost, for example while the engine was still
// initializing or briefly down.
func (h *Hub) runVectorMaintenance() {
	if !h.vectorOn.Load() {
		h.logger.Debug("Vector maintenance skipped, index not ready")
		return
	}

	cutoff := epochSeconds(time.Now().Add(-maintenanceWindow))
	timeField := types.FieldAppendix + "." + types.AppendixTimeArchived
	docs, err := h.archive.Find(h.runCtx,
		bson.M{timeField: bson.M{"$gte": cutoff}},
		&docstore.FindOptions{Limit: maintenanceLimit})
	if err != nil {
		h.logger.Error("Vector maintenance scan failed", "error", err)
		return
	}

	var backfilled, failed int
	for _, doc := range docs {
		uuid := doc.UUID()
		if uuid == "" {
			continue
		}
		exists, err := h.vectors.HasItem(h.runCtx, uuid)
		if err != nil {
			h.logger.Error("Vector maintenance probe failed", "uuid", uuid, "error", err)
			return
		}
		if exists {
			continue
		}
		item, err := types.ArchivedFromDocument(doc)
		if err != nil {
			h.logger.Warn("Archived item not indexable", "uuid", uuid, "error", err)
			failed++
			continue
		}
		if err := h.vectors.IndexItem(h.runCtx, &item); err != nil {
			h.logger.Error("Vector backfill write failed", "uuid", uuid, "error", err)
			failed++
			continue
		}
		backfilled++
	}

	if backfilled > 0 || failed > 0 {
		h.logger.Info("Vector maintenance done", "scanned", len(docs),
			"backfilled", backfilled, "failed", failed)
	}
}

// exportTarget pairs a collection's exporter with the field its records
// are timestamped by.
type exportTarget struct {
	name      string
	exporter  Exporter
	timeField string
}

func (h *Hub) exportTargets() []exportTarget {
	var targets []exportTarget
	if h.cacheExport != nil {
		targets = append(targets, exportTarget{
			name:      h.cache.Name(),
			exporter:  h.cacheExport,
			timeField: types.AppendixTimeGot,
		})
	}
	if h.archiveExport != nil {
		targets = append(targets, exportTarget{
			name:      h.archive.Name(),
			exporter:  h.archiveExport,
			timeField: types.FieldAppendix + "." + types.AppendixTimeArchived,
		})
	}
	return targets
}

// runWeeklyExport snapshots the current ISO week of every target.
func (h *Hub) runWeeklyExport() {
	year, week := time.Now().ISOWeek()
	for _, t := range h.exportTargets() {
		dir := filepath.Join(h.cfg.Export.Path, t.name)
		if _, err := t.exporter.ExportByWeek(h.runCtx, year, week, dir, t.timeField, true); err != nil {
			h.logger.Error("Weekly export failed", "collection", t.name, "error", err)
		}
	}
}

// runMonthlyExport snapshots the previous calendar month of every target.
func (h *Hub) runMonthlyExport() {
	now := time.Now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.Local)
	prev := first.AddDate(0, -1, 0)
	for _, t := range h.exportTargets() {
		dir := filepath.Join(h.cfg.Export.Path, t.name)
		if _, err := t.exporter.ExportByMonth(h.runCtx, prev.Year(), prev.Month(), dir, t.timeField, true); err != nil {
			h.logger.Error("Monthly export failed", "collection", t.name, "error", err)
		}
	}
}
