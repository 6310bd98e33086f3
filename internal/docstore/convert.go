package docstore

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"intelligence-hub/pkg/types"
)

// normalizeInput copies a document for writing, converting every time.Time
// to UTC on the way.
func normalizeInput(doc types.Document) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = toUTC(v)
	}
	return out
}

// normalizeFilter applies the same conversion to query values so time
// bounds compare in UTC.
func normalizeFilter(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	out := make(bson.M, len(filter))
	for k, v := range filter {
		out[k] = toUTC(v)
	}
	return out
}

func normalizePipeline(pipeline mongo.Pipeline) mongo.Pipeline {
	out := make(mongo.Pipeline, len(pipeline))
	for i, stage := range pipeline {
		conv, _ := toUTC(stage).(bson.D)
		out[i] = conv
	}
	return out
}

func toUTC(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC()
	case types.Document:
		return utcMap(map[string]any(val))
	case bson.M:
		return utcMap(map[string]any(val))
	case map[string]any:
		return utcMap(val)
	case bson.D:
		out := make(bson.D, len(val))
		for i, e := range val {
			out[i] = bson.E{Key: e.Key, Value: toUTC(e.Value)}
		}
		return out
	case bson.A:
		return utcSlice([]any(val))
	case []any:
		return utcSlice(val)
	case []bson.M:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = utcMap(map[string]any(m))
		}
		return out
	case []types.Document:
		out := make([]any, len(val))
		for i, d := range val {
			out[i] = utcMap(map[string]any(d))
		}
		return out
	default:
		return v
	}
}

func utcMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toUTC(v)
	}
	return out
}

func utcSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = toUTC(v)
	}
	return out
}

// processOutput converts a decoded document for callers: object ids become
// hex strings, datetimes become local time.Time, and the driver's container
// types become plain maps and slices so type assertions behave.
func processOutput(doc types.Document) types.Document {
	if doc == nil {
		return nil
	}
	out := make(types.Document, len(doc))
	for k, v := range doc {
		out[k] = toLocal(v)
	}
	return out
}

func toLocal(v any) any {
	switch val := v.(type) {
	case bson.DateTime:
		return val.Time().In(time.Local)
	case time.Time:
		return val.In(time.Local)
	case bson.ObjectID:
		return val.Hex()
	case bson.M:
		return localMap(map[string]any(val))
	case types.Document:
		return localMap(map[string]any(val))
	case map[string]any:
		return localMap(val)
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = toLocal(e.Value)
		}
		return out
	case bson.A:
		return localSlice([]any(val))
	case []any:
		return localSlice(val)
	default:
		return v
	}
}

func localMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toLocal(v)
	}
	return out
}

func localSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = toLocal(v)
	}
	return out
}
