package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// CollectedItem is the typed form of an incoming submission. The wire
// format uses an upper-case identifier and lower-case metadata keys.
type CollectedItem struct {
	UUID      string   `json:"UUID" bson:"UUID" mapstructure:"UUID"`
	Title     string   `json:"title,omitempty" bson:"title,omitempty" mapstructure:"title"`
	Authors   []string `json:"authors,omitempty" bson:"authors,omitempty" mapstructure:"authors"`
	Content   string   `json:"content" bson:"content" mapstructure:"content"`
	PubTime   string   `json:"pub_time,omitempty" bson:"pub_time,omitempty" mapstructure:"pub_time"`
	Informant string   `json:"informant,omitempty" bson:"informant,omitempty" mapstructure:"informant"`
}

// Validate checks the fields analysis cannot proceed without. Informant
// presence is enforced separately by the duplication check, which owns
// the allow-empty policy.
func (c *CollectedItem) Validate() error {
	if strings.TrimSpace(c.UUID) == "" {
		return fmt.Errorf("collected item: missing UUID")
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("collected item: missing content")
	}
	return nil
}

// CollectedFromDocument decodes and validates a schemaless submission.
// Decoding is weakly typed so numeric or scalar author values from loose
// upstream collectors still land in the right fields.
func CollectedFromDocument(doc Document) (CollectedItem, error) {
	var item CollectedItem
	if err := weakDecode(doc, &item); err != nil {
		return CollectedItem{}, fmt.Errorf("collected item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return CollectedItem{}, err
	}
	return item, nil
}

// ArchivedItem is the typed form of an analyzed record. All wire keys are
// upper-case; PUB_TIME is stored as a native timestamp.
type ArchivedItem struct {
	UUID          string         `json:"UUID" bson:"UUID" mapstructure:"UUID"`
	Informant     string         `json:"INFORMANT" bson:"INFORMANT" mapstructure:"INFORMANT"`
	PubTime       time.Time      `json:"PUB_TIME" bson:"PUB_TIME" mapstructure:"PUB_TIME"`
	EventTitle    string         `json:"EVENT_TITLE" bson:"EVENT_TITLE" mapstructure:"EVENT_TITLE"`
	EventBrief    string         `json:"EVENT_BRIEF" bson:"EVENT_BRIEF" mapstructure:"EVENT_BRIEF"`
	EventText     string         `json:"EVENT_TEXT" bson:"EVENT_TEXT" mapstructure:"EVENT_TEXT"`
	Rate          map[string]any `json:"RATE" bson:"RATE" mapstructure:"RATE"`
	Locations     []string       `json:"LOCATIONS,omitempty" bson:"LOCATIONS,omitempty" mapstructure:"LOCATIONS"`
	Peoples       []string       `json:"PEOPLES,omitempty" bson:"PEOPLES,omitempty" mapstructure:"PEOPLES"`
	Organizations []string       `json:"ORGANIZATIONS,omitempty" bson:"ORGANIZATIONS,omitempty" mapstructure:"ORGANIZATIONS"`
	Keywords      []string       `json:"KEYWORDS,omitempty" bson:"KEYWORDS,omitempty" mapstructure:"KEYWORDS"`
	RawData       map[string]any `json:"RAW_DATA,omitempty" bson:"RAW_DATA,omitempty" mapstructure:"RAW_DATA"`
	Submitter     string         `json:"SUBMITTER,omitempty" bson:"SUBMITTER,omitempty" mapstructure:"SUBMITTER"`
	Appendix      map[string]any `json:"APPENDIX,omitempty" bson:"APPENDIX,omitempty" mapstructure:"APPENDIX"`
}

// Validate checks the fields an archive record must carry. Rate values are
// not range-checked here; non-numeric entries are simply ignored by the
// max-rate computation.
func (a *ArchivedItem) Validate() error {
	if strings.TrimSpace(a.UUID) == "" {
		return fmt.Errorf("archived item: missing UUID")
	}
	if strings.TrimSpace(a.EventTitle) == "" {
		return fmt.Errorf("archived item: missing EVENT_TITLE")
	}
	if strings.TrimSpace(a.EventBrief) == "" {
		return fmt.Errorf("archived item: missing EVENT_BRIEF")
	}
	if strings.TrimSpace(a.EventText) == "" {
		return fmt.Errorf("archived item: missing EVENT_TEXT")
	}
	return nil
}

// ArchivedFromDocument decodes and validates an analysis result or an
// externally submitted archive record. String publication times are parsed
// with the flexible layouts; unparseable values decode to the zero time so
// callers can apply their fallback.
func ArchivedFromDocument(doc Document) (ArchivedItem, error) {
	var item ArchivedItem
	if err := weakDecode(normalizePubTime(doc), &item); err != nil {
		return ArchivedItem{}, fmt.Errorf("archived item: %w", err)
	}
	if err := item.Validate(); err != nil {
		return ArchivedItem{}, err
	}
	return item, nil
}

// Document converts the item back to its schemaless wire form. Empty
// optional fields are omitted; the zero PubTime is carried as-is so the
// caller's fallback stays observable.
func (a *ArchivedItem) Document() Document {
	doc := Document{
		FieldUUID:       a.UUID,
		FieldInformant:  a.Informant,
		FieldPubTime:    a.PubTime,
		FieldEventTitle: a.EventTitle,
		FieldEventBrief: a.EventBrief,
		FieldEventText:  a.EventText,
		FieldRate:       a.Rate,
	}
	if len(a.Locations) > 0 {
		doc["LOCATIONS"] = a.Locations
	}
	if len(a.Peoples) > 0 {
		doc["PEOPLES"] = a.Peoples
	}
	if len(a.Organizations) > 0 {
		doc["ORGANIZATIONS"] = a.Organizations
	}
	if len(a.Keywords) > 0 {
		doc["KEYWORDS"] = a.Keywords
	}
	if len(a.RawData) > 0 {
		doc[FieldRawData] = a.RawData
	}
	if a.Submitter != "" {
		doc[FieldSubmitter] = a.Submitter
	}
	if len(a.Appendix) > 0 {
		doc[FieldAppendix] = a.Appendix
	}
	return doc
}

// timeLayouts are the publication-time formats accepted from collectors
// and models, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimeValue converts a loosely typed timestamp into a time.Time.
// Accepts native times, the layouts above, and Unix epoch seconds as
// int or float. Returns false when the value cannot be interpreted.
func ParseTimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case int:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), true
	}
	return time.Time{}, false
}

// normalizePubTime rewrites a string or epoch PUB_TIME into a native time
// before struct decoding. Unparseable values are dropped so they surface
// as the zero time rather than a decode error.
func normalizePubTime(doc Document) Document {
	v, ok := doc[FieldPubTime]
	if !ok {
		return doc
	}
	if _, isTime := v.(time.Time); isTime {
		return doc
	}
	out := doc.Clone()
	if parsed, ok := ParseTimeValue(v); ok {
		out[FieldPubTime] = parsed
	} else {
		delete(out, FieldPubTime)
	}
	return out
}

// Period is a closed time interval used by archive queries and vector
// search filters.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the interval, bounds included.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// weakDecode maps a document onto a tagged struct, coercing scalar type
// mismatches the way loose upstream JSON demands.
func weakDecode(doc Document, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return decoder.Decode(map[string]any(doc))
}
