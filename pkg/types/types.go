// Package types provides the data structures flowing through the
// intelligence pipeline: collected submissions, analyzed archive records,
// the appendix metadata envelope, and rating helpers.
package types

import "strings"

// Top-level document fields shared by the cache and archive collections.
// Collected submissions use lower-case keys (informant, content, ...);
// analyzed records use the upper-case event fields.
const (
	FieldUUID       = "UUID"
	FieldInformant  = "INFORMANT"
	FieldPubTime    = "PUB_TIME"
	FieldEventTitle = "EVENT_TITLE"
	FieldEventBrief = "EVENT_BRIEF"
	FieldEventText  = "EVENT_TEXT"
	FieldRate       = "RATE"
	FieldRawData    = "RAW_DATA"
	FieldAppendix   = "APPENDIX"
	FieldSubmitter  = "SUBMITTER"
)

// Appendix keys. Old records may carry the archived flag at the document
// root instead of under APPENDIX; readers must accept both.
const (
	AppendixArchivedFlag = "__ARCHIVED__"
	AppendixTimeArchived = "__TIME_ARCHIVED__"
	AppendixTimeGot      = "__TIME_GOT__"
	AppendixMaxRateClass = "__MAX_RATE_CLASS__"
	AppendixMaxRateScore = "__MAX_RATE_SCORE__"
	AppendixManualRating = "__MANUAL_RATING__"
	AppendixParentItem   = "__PARENT_ITEM__"
	AppendixAIService    = "__AI_SERVICE__"
	AppendixAIModel      = "__AI_MODEL__"
)

// DefaultExcludeRateKey is the rating category that never participates in
// the max-rate computation. Deployments can override it in config.
const DefaultExcludeRateKey = "Credibility"

// ArchiveFlag is the one-character terminal state of a cache item.
type ArchiveFlag string

const (
	// FlagArchived marks an item successfully analyzed and archived.
	FlagArchived ArchiveFlag = "A"
	// FlagDropped marks an item judged valueless or duplicated.
	FlagDropped ArchiveFlag = "D"
	// FlagError marks a recoverable failure; the item may be re-analyzed.
	FlagError ArchiveFlag = "E"
	// FlagSensitive marks an item permanently refused by the provider.
	FlagSensitive ArchiveFlag = "S"
)

// Valid returns true if the flag is one of the defined states.
func (f ArchiveFlag) Valid() bool {
	switch f {
	case FlagArchived, FlagDropped, FlagError, FlagSensitive:
		return true
	}
	return false
}

// Terminal reports whether the flag is final. Only E permits re-analysis.
func (f ArchiveFlag) Terminal() bool {
	return f == FlagArchived || f == FlagDropped || f == FlagSensitive
}

// Statistics is the hub's counter snapshot exposed over the API.
type Statistics struct {
	WaitingProcess      int `json:"waiting_process"`
	UnarchivedQueue     int `json:"unarchived_queue"`
	PostProcess         int `json:"post_process"`
	Archived            int `json:"archived"`
	Dropped             int `json:"dropped"`
	Error               int `json:"error"`
	ConversationWarning int `json:"conversation_warning"`
	ConversationError   int `json:"conversation_error"`
	ConversationTotal   int `json:"conversation_total"`
}

// Document is the schemaless form items take in queues and collections.
// Legacy cache records predate the typed schemas, so the pipeline carries
// documents and validates into typed items at the boundaries.
type Document map[string]any

// UUID returns the trimmed identifier, or "" when absent.
func (d Document) UUID() string {
	return d.StringField(FieldUUID)
}

// Informant returns the origin of the item, checking the collected-form
// lower-case key first and the archived-form upper-case key second.
func (d Document) Informant() string {
	if v := d.StringField("informant"); v != "" {
		return v
	}
	return d.StringField(FieldInformant)
}

// StringField returns the trimmed string value of a key, or "" when the
// key is absent or not a string.
func (d Document) StringField(key string) string {
	v, ok := d[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Appendix returns the appendix sub-document, or nil when absent.
func (d Document) Appendix() Document {
	switch v := d[FieldAppendix].(type) {
	case Document:
		return v
	case map[string]any:
		return Document(v)
	}
	return nil
}

// EnsureAppendix returns the appendix sub-document, creating it if needed.
func (d Document) EnsureAppendix() Document {
	if a := d.Appendix(); a != nil {
		return a
	}
	a := Document{}
	d[FieldAppendix] = map[string]any(a)
	return a
}

// ArchivedFlag returns the archival flag, accepting both the appendix
// location and the legacy document-root location.
func (d Document) ArchivedFlag() ArchiveFlag {
	if a := d.Appendix(); a != nil {
		if f := a.StringField(AppendixArchivedFlag); f != "" {
			return ArchiveFlag(f)
		}
	}
	return ArchiveFlag(d.StringField(AppendixArchivedFlag))
}

// Clone returns a copy of the document one level deep, with nested
// appendix and raw-data maps copied as well. Deeper values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		switch nested := v.(type) {
		case map[string]any:
			m := make(map[string]any, len(nested))
			for nk, nv := range nested {
				m[nk] = nv
			}
			out[k] = m
		case Document:
			m := make(map[string]any, len(nested))
			for nk, nv := range nested {
				m[nk] = nv
			}
			out[k] = m
		default:
			out[k] = v
		}
	}
	return out
}
