package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// CriteriaFilter converts a Mongo-style criteria document into a qdrant
// filter. Supported shapes:
//
//	{"field": value}                      equality
//	{"field": {"$gte": n, "$lte": n}}     numeric ranges ($gt/$lt too)
//	{"field": {"$eq": v}} / {"$ne": v}    explicit (in)equality
//	{"$and": [...]} / {"$or": [...]}      combinators over sub-criteria
//
// A nil or empty criteria map yields a nil filter (match everything).
func CriteriaFilter(criteria map[string]any) (*qdrant.Filter, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	var must, should, mustNot []*qdrant.Condition
	for _, key := range sortedKeys(criteria) {
		value := criteria[key]
		switch key {
		case "$and":
			subs, err := subCriteria(key, value)
			if err != nil {
				return nil, err
			}
			for _, sub := range subs {
				filter, err := CriteriaFilter(sub)
				if err != nil {
					return nil, err
				}
				if filter != nil {
					must = append(must, nestedCondition(filter))
				}
			}
		case "$or":
			subs, err := subCriteria(key, value)
			if err != nil {
				return nil, err
			}
			for _, sub := range subs {
				filter, err := CriteriaFilter(sub)
				if err != nil {
					return nil, err
				}
				if filter != nil {
					should = append(should, nestedCondition(filter))
				}
			}
		default:
			if strings.HasPrefix(key, "$") {
				return nil, fmt.Errorf("vectorstore: unsupported operator %q", key)
			}
			fieldMust, fieldMustNot, err := fieldConditions(key, value)
			if err != nil {
				return nil, err
			}
			must = append(must, fieldMust...)
			mustNot = append(mustNot, fieldMustNot...)
		}
	}

	if len(must) == 0 && len(should) == 0 && len(mustNot) == 0 {
		return nil, nil
	}
	return &qdrant.Filter{Must: must, Should: should, MustNot: mustNot}, nil
}

// fieldConditions renders one field entry into qdrant conditions. Operator
// maps become range or (in)equality conditions; anything else is a plain
// equality match.
func fieldConditions(field string, value any) (must, mustNot []*qdrant.Condition, err error) {
	ops, isMap := value.(map[string]any)
	if !isMap {
		cond, err := matchCondition(field, value)
		if err != nil {
			return nil, nil, err
		}
		return []*qdrant.Condition{cond}, nil, nil
	}

	rng := &qdrant.Range{}
	ranged := false
	for _, op := range sortedKeys(ops) {
		operand := ops[op]
		switch op {
		case "$gte", "$lte", "$gt", "$lt":
			f, ok := toFloat64(operand)
			if !ok {
				return nil, nil, fmt.Errorf("vectorstore: %s %s needs a numeric operand, got %T", field, op, operand)
			}
			switch op {
			case "$gte":
				rng.Gte = qdrant.PtrOf(f)
			case "$lte":
				rng.Lte = qdrant.PtrOf(f)
			case "$gt":
				rng.Gt = qdrant.PtrOf(f)
			case "$lt":
				rng.Lt = qdrant.PtrOf(f)
			}
			ranged = true
		case "$eq":
			cond, err := matchCondition(field, operand)
			if err != nil {
				return nil, nil, err
			}
			must = append(must, cond)
		case "$ne":
			cond, err := matchCondition(field, operand)
			if err != nil {
				return nil, nil, err
			}
			mustNot = append(mustNot, cond)
		default:
			return nil, nil, fmt.Errorf("vectorstore: unsupported operator %q on field %s", op, field)
		}
	}
	if ranged {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: field, Range: rng},
			},
		})
	}
	return must, mustNot, nil
}

func matchCondition(field string, value any) (*qdrant.Condition, error) {
	match := &qdrant.Match{}
	switch v := value.(type) {
	case string:
		match.MatchValue = &qdrant.Match_Keyword{Keyword: v}
	case bool:
		match.MatchValue = &qdrant.Match_Boolean{Boolean: v}
	case int:
		match.MatchValue = &qdrant.Match_Integer{Integer: int64(v)}
	case int64:
		match.MatchValue = &qdrant.Match_Integer{Integer: v}
	case float64:
		// JSON decodes every number to float64; whole values match as
		// integers, fractional ones have no keyword representation.
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("vectorstore: cannot equality-match fractional number on field %s, use a range", field)
		}
		match.MatchValue = &qdrant.Match_Integer{Integer: int64(v)}
	default:
		return nil, fmt.Errorf("vectorstore: cannot match %T on field %s", value, field)
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: field, Match: match},
		},
	}, nil
}

func nestedCondition(filter *qdrant.Filter) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: filter}}
}

// subCriteria normalizes a combinator operand into criteria maps. Both
// []any (decoded JSON) and []map[string]any (built in-process) arrive here.
func subCriteria(op string, value any) ([]map[string]any, error) {
	switch list := value.(type) {
	case []map[string]any:
		return list, nil
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("vectorstore: %s items must be objects, got %T", op, item)
			}
			out = append(out, sub)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("vectorstore: %s needs an array, got %T", op, value)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// anyToValue converts a metadata value into a qdrant payload value.
// Unknown types fall back to their string form rather than failing a
// whole upsert.
func anyToValue(v any) *qdrant.Value {
	switch x := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{NullValue: qdrant.NullValue_NULL_VALUE}}
	case string:
		return stringValue(x)
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: x}}
	case int:
		return intValue(int64(x))
	case int32:
		return intValue(int64(x))
	case int64:
		return intValue(x)
	case float32:
		return doubleValue(float64(x))
	case float64:
		return doubleValue(x)
	case []string:
		values := make([]*qdrant.Value, len(x))
		for i, s := range x {
			values[i] = stringValue(s)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	case []any:
		values := make([]*qdrant.Value, len(x))
		for i, item := range x {
			values[i] = anyToValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	case map[string]any:
		fields := make(map[string]*qdrant.Value, len(x))
		for k, item := range x {
			fields[k] = anyToValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}
	default:
		return stringValue(fmt.Sprintf("%v", x))
	}
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]any, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			items = append(items, valueToAny(item))
		}
		return items
	case *qdrant.Value_StructValue:
		fields := make(map[string]any, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			fields[key] = valueToAny(item)
		}
		return fields
	default:
		return nil
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func doubleValue(f float64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: f}}
}

// payloadToMap decodes a full point payload, chunk bookkeeping included.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

// hitMetadata decodes the payload minus the content and chunk id, which
// search results surface as their own fields.
func hitMetadata(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == payloadContent || k == payloadChunkID {
			continue
		}
		out[k] = valueToAny(v)
	}
	return out
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
