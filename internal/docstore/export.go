package docstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"intelligence-hub/pkg/types"
)

const (
	defaultTimeField      = "created_at"
	exportBatchSize       = 500
	exportTimestampLayout = "20060102150405"
)

// Split granularities for ExportAll.
const (
	SplitNone  = ""
	SplitYear  = "year"
	SplitMonth = "month"
	SplitWeek  = "week"
)

// timeKind is how the time field is stored in this collection.
type timeKind int

const (
	kindDateTime timeKind = iota
	kindEpoch
)

// ExportOptions tunes the export family.
type ExportOptions struct {
	TimeField    string // defaults to "created_at"
	Prefix       string // defaults to "export"
	AddTimestamp bool   // append the current timestamp to the file name
	NameOverride string // replaces the derived time token in the file name
}

func (o ExportOptions) withDefaults() ExportOptions {
	if o.TimeField == "" {
		o.TimeField = defaultTimeField
	}
	if o.Prefix == "" {
		o.Prefix = "export"
	}
	return o
}

// ExportRange streams every document whose time field falls in [start, end)
// into a JSON array file. The file is written as <path>.tmp and renamed on
// success; an empty range still produces a valid [] file.
func (s *Store) ExportRange(ctx context.Context, start, end time.Time, dir string, opts ExportOptions) (string, error) {
	opts = opts.withDefaults()

	kind := s.probeTimeKind(ctx, opts.TimeField)
	filter := rangeFilter(opts.TimeField, start, end, kind)

	token := opts.NameOverride
	if token == "" {
		token = rangeToken(start, end)
	}
	path := exportPath(dir, opts.Prefix, token, opts.AddTimestamp)

	count, err := s.streamExport(ctx, filter, path)
	if err != nil {
		return "", err
	}
	s.logger.Info("Export finished",
		"collection", s.name, "path", path, "records", count)
	return path, nil
}

// ExportByMonth exports one calendar month, named like monthly_2023_11.json.
func (s *Store) ExportByMonth(ctx context.Context, year int, month time.Month, dir, timeField string, addTimestamp bool) (string, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.Local)
	end := start.AddDate(0, 1, 0)
	return s.ExportRange(ctx, start, end, dir, ExportOptions{
		TimeField:    timeField,
		Prefix:       "monthly",
		AddTimestamp: addTimestamp,
		NameOverride: fmt.Sprintf("%d_%02d", year, int(month)),
	})
}

// ExportByWeek exports one ISO week, named like weekly_2023_W42.json.
func (s *Store) ExportByWeek(ctx context.Context, year, week int, dir, timeField string, addTimestamp bool) (string, error) {
	start := isoWeekStart(year, week)
	end := start.AddDate(0, 0, 7)
	return s.ExportRange(ctx, start, end, dir, ExportOptions{
		TimeField:    timeField,
		Prefix:       "weekly",
		AddTimestamp: addTimestamp,
		NameOverride: fmt.Sprintf("%d_W%02d", year, week),
	})
}

// ExportAll exports the whole collection, either as one file or split by
// year, month, or ISO week. The split range comes from probing the oldest
// and newest values of the time field.
func (s *Store) ExportAll(ctx context.Context, dir, splitBy, timeField string, addTimestamp bool) ([]string, error) {
	if timeField == "" {
		timeField = defaultTimeField
	}

	if splitBy == SplitNone {
		start := time.Date(1970, time.January, 1, 0, 0, 0, 0, time.Local)
		end := time.Now().Add(24 * time.Hour)
		path, err := s.ExportRange(ctx, start, end, dir, ExportOptions{
			TimeField:    timeField,
			Prefix:       "all_data",
			AddTimestamp: addTimestamp,
			NameOverride: "full_dump",
		})
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	oldest, newest, ok, err := s.timeBounds(ctx, timeField)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn("No data available to export", "collection", s.name)
		return nil, nil
	}

	var paths []string
	switch splitBy {
	case SplitMonth:
		cursor := time.Date(oldest.Year(), oldest.Month(), 1, 0, 0, 0, 0, time.Local)
		for !cursor.After(newest) {
			path, err := s.ExportByMonth(ctx, cursor.Year(), cursor.Month(), dir, timeField, addTimestamp)
			if err != nil {
				return paths, err
			}
			paths = append(paths, path)
			cursor = cursor.AddDate(0, 1, 0)
		}
	case SplitWeek:
		year, week := oldest.ISOWeek()
		cursor := isoWeekStart(year, week)
		for !cursor.After(newest) {
			y, w := cursor.ISOWeek()
			path, err := s.ExportByWeek(ctx, y, w, dir, timeField, addTimestamp)
			if err != nil {
				return paths, err
			}
			paths = append(paths, path)
			cursor = cursor.AddDate(0, 0, 7)
		}
	case SplitYear:
		cursor := time.Date(oldest.Year(), time.January, 1, 0, 0, 0, 0, time.Local)
		for !cursor.After(newest) {
			next := cursor.AddDate(1, 0, 0)
			path, err := s.ExportRange(ctx, cursor, next, dir, ExportOptions{
				TimeField:    timeField,
				Prefix:       "yearly",
				AddTimestamp: addTimestamp,
				NameOverride: strconv.Itoa(cursor.Year()),
			})
			if err != nil {
				return paths, err
			}
			paths = append(paths, path)
			cursor = next
		}
	default:
		return nil, opErr("export all", fmt.Errorf("unknown split %q", splitBy))
	}
	return paths, nil
}

// probeTimeKind inspects one document to learn whether the time field holds
// a datetime or a numeric epoch, so range bounds use the right encoding.
func (s *Store) probeTimeKind(ctx context.Context, field string) timeKind {
	var doc types.Document
	err := s.coll.FindOne(ctx,
		bson.M{field: bson.M{"$exists": true}},
		options.FindOne().
			SetSort(bson.D{{Key: field, Value: 1}}).
			SetProjection(bson.M{field: 1}),
	).Decode(&doc)
	if err != nil {
		return kindDateTime
	}

	switch fieldAtPath(doc, field).(type) {
	case float64, int64, int32:
		return kindEpoch
	default:
		return kindDateTime
	}
}

// timeBounds probes the oldest and newest values of the time field.
func (s *Store) timeBounds(ctx context.Context, field string) (oldest, newest time.Time, ok bool, err error) {
	oldest, ok, err = s.timeEdge(ctx, field, 1)
	if err != nil || !ok {
		return time.Time{}, time.Time{}, ok, err
	}
	newest, ok, err = s.timeEdge(ctx, field, -1)
	if err != nil || !ok {
		return time.Time{}, time.Time{}, ok, err
	}
	return oldest, newest, true, nil
}

func (s *Store) timeEdge(ctx context.Context, field string, direction int) (time.Time, bool, error) {
	var doc types.Document
	err := s.coll.FindOne(ctx,
		bson.M{field: bson.M{"$exists": true}},
		options.FindOne().
			SetSort(bson.D{{Key: field, Value: direction}}).
			SetProjection(bson.M{field: 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, opErr("export probe", err)
	}

	raw := fieldAtPath(doc, field)
	if dt, isDateTime := raw.(bson.DateTime); isDateTime {
		raw = dt.Time()
	}
	t, ok := types.ParseTimeValue(raw)
	if !ok {
		return time.Time{}, false, opErr("export probe",
			fmt.Errorf("field %q does not hold a time value", field))
	}
	return t.In(time.Local), true, nil
}

func (s *Store) streamExport(ctx context.Context, filter bson.M, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, opErr("export", err)
	}

	cur, err := s.coll.Find(ctx, normalizeFilter(filter),
		options.Find().SetBatchSize(exportBatchSize))
	if err != nil {
		return 0, opErr("export find", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, opErr("export", err)
	}

	count, werr := writeJSONArray(ctx, cur, f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = cur.Err()
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return 0, opErr("export write", werr)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, opErr("export", err)
	}
	return count, nil
}

// writeJSONArray streams the cursor into w as a JSON array, one document
// per line. An exhausted cursor yields [].
func writeJSONArray(ctx context.Context, cur *mongo.Cursor, w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return 0, err
	}

	count := 0
	for cur.Next(ctx) {
		var doc types.Document
		if err := cur.Decode(&doc); err != nil {
			return count, err
		}
		data, err := json.Marshal(processOutput(doc))
		if err != nil {
			return count, err
		}
		if count > 0 {
			if _, err := bw.WriteString(","); err != nil {
				return count, err
			}
		}
		if _, err := bw.WriteString("\n  "); err != nil {
			return count, err
		}
		if _, err := bw.Write(data); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		if _, err := bw.WriteString("\n"); err != nil {
			return count, err
		}
	}
	if _, err := bw.WriteString("]\n"); err != nil {
		return count, err
	}
	return count, bw.Flush()
}

func rangeFilter(field string, start, end time.Time, kind timeKind) bson.M {
	return bson.M{field: bson.M{
		"$gte": timeBound(start, kind),
		"$lt":  timeBound(end, kind),
	}}
}

func timeBound(t time.Time, kind timeKind) any {
	if kind == kindEpoch {
		return float64(t.UnixMilli()) / 1000.0
	}
	return t
}

func exportPath(dir, prefix, token string, addTimestamp bool) string {
	name := prefix + "_" + token
	if addTimestamp {
		name += "_" + time.Now().Format(exportTimestampLayout)
	}
	return filepath.Join(dir, name+".json")
}

// rangeToken derives the file name token from the range bounds. Midnight
// bounds keep the short date form.
func rangeToken(start, end time.Time) string {
	layout := "20060102"
	if start.Hour() != 0 || start.Minute() != 0 {
		layout = "200601021504"
	}
	return start.Format(layout) + "_" + end.Format(layout)
}

// isoWeekStart returns the local Monday opening the given ISO week.
func isoWeekStart(year, week int) time.Time {
	// January 4th always falls in ISO week 1.
	t := time.Date(year, time.January, 4, 0, 0, 0, 0, time.Local)
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, (week-1)*7-(weekday-1))
}

// fieldAtPath resolves a dotted field path through nested documents.
func fieldAtPath(doc types.Document, path string) any {
	var current any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asPlainMap(current)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func asPlainMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return m, true
	case types.Document:
		return m, true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}
