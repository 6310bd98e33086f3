package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveFlag_Valid(t *testing.T) {
	tests := []struct {
		name     string
		flag     ArchiveFlag
		expected bool
	}{
		{"archived", FlagArchived, true},
		{"dropped", FlagDropped, true},
		{"error", FlagError, true},
		{"sensitive", FlagSensitive, true},
		{"empty", ArchiveFlag(""), false},
		{"unknown", ArchiveFlag("X"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.flag.Valid())
		})
	}
}

func TestArchiveFlag_Terminal(t *testing.T) {
	assert.True(t, FlagArchived.Terminal())
	assert.True(t, FlagDropped.Terminal())
	assert.True(t, FlagSensitive.Terminal())
	assert.False(t, FlagError.Terminal(), "error flag must stay re-analyzable")
}

func TestDocument_Informant(t *testing.T) {
	tests := []struct {
		name     string
		doc      Document
		expected string
	}{
		{"collected form", Document{"informant": "https://x/feed"}, "https://x/feed"},
		{"archived form", Document{FieldInformant: "https://y/feed"}, "https://y/feed"},
		{"collected wins", Document{"informant": "a", FieldInformant: "b"}, "a"},
		{"trimmed", Document{"informant": "  a  "}, "a"},
		{"missing", Document{}, ""},
		{"non-string", Document{"informant": 42}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.doc.Informant())
		})
	}
}

func TestDocument_EnsureAppendix(t *testing.T) {
	doc := Document{FieldUUID: "u-1"}
	appendix := doc.EnsureAppendix()
	appendix[AppendixArchivedFlag] = string(FlagArchived)

	// The created sub-document must be attached, not a detached copy.
	require.NotNil(t, doc.Appendix())
	assert.Equal(t, "A", doc.Appendix().StringField(AppendixArchivedFlag))

	// A second call returns the existing map.
	again := doc.EnsureAppendix()
	assert.Equal(t, "A", again.StringField(AppendixArchivedFlag))
}

func TestDocument_ArchivedFlag(t *testing.T) {
	tests := []struct {
		name     string
		doc      Document
		expected ArchiveFlag
	}{
		{
			name:     "appendix location",
			doc:      Document{FieldAppendix: map[string]any{AppendixArchivedFlag: "A"}},
			expected: FlagArchived,
		},
		{
			name:     "legacy root location",
			doc:      Document{AppendixArchivedFlag: "D"},
			expected: FlagDropped,
		},
		{
			name:     "appendix wins over root",
			doc:      Document{AppendixArchivedFlag: "D", FieldAppendix: map[string]any{AppendixArchivedFlag: "A"}},
			expected: FlagArchived,
		},
		{
			name:     "absent",
			doc:      Document{FieldUUID: "u"},
			expected: ArchiveFlag(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.doc.ArchivedFlag())
		})
	}
}

func TestDocument_Clone(t *testing.T) {
	original := Document{
		FieldUUID:     "u-1",
		FieldAppendix: map[string]any{AppendixTimeGot: 1.0},
	}

	clone := original.Clone()
	clone[FieldUUID] = "u-2"
	clone.Appendix()[AppendixTimeGot] = 2.0

	assert.Equal(t, "u-1", original.UUID())
	assert.Equal(t, 1.0, original.Appendix()[AppendixTimeGot])
}

func TestStatistics_JSONKeys(t *testing.T) {
	stats := Statistics{WaitingProcess: 3, Archived: 7, ConversationTotal: 11}

	data, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	for _, key := range []string{
		"waiting_process", "unarchived_queue", "post_process",
		"archived", "dropped", "error",
		"conversation_warning", "conversation_error", "conversation_total",
	} {
		assert.Contains(t, decoded, key)
	}
	assert.Equal(t, 3.0, decoded["waiting_process"])
	assert.Equal(t, 7.0, decoded["archived"])
}
