package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerceInt(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected int
		ok       bool
	}{
		{"int", 7, 7, true},
		{"int64", int64(9), 9, true},
		{"float truncates", 6.9, 6, true},
		{"numeric string", "8", 8, true},
		{"padded string", " 5 ", 5, true},
		{"float string", "4.2", 4, true},
		{"json number", json.Number("3"), 3, true},
		{"empty string", "", 0, false},
		{"words", "high", 0, false},
		{"nil", nil, 0, false},
		{"map", map[string]any{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceInt(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMaxRate(t *testing.T) {
	tests := []struct {
		name      string
		rate      map[string]any
		order     []string
		exclude   string
		wantClass string
		wantScore int
	}{
		{
			name:      "empty map",
			rate:      nil,
			wantClass: "N/A",
			wantScore: 0,
		},
		{
			name:      "single class",
			rate:      map[string]any{"Military": "7"},
			order:     []string{"Military"},
			wantClass: "Military",
			wantScore: 7,
		},
		{
			name:      "excluded key skipped",
			rate:      map[string]any{"Credibility": 10, "Military": 7},
			order:     []string{"Credibility", "Military"},
			exclude:   "Credibility",
			wantClass: "Military",
			wantScore: 7,
		},
		{
			name:      "tie keeps first in order",
			rate:      map[string]any{"Economy": 7, "Military": 7},
			order:     []string{"Military", "Economy"},
			wantClass: "Military",
			wantScore: 7,
		},
		{
			name:      "non-numeric ignored",
			rate:      map[string]any{"Military": "high", "Economy": 5},
			order:     []string{"Military", "Economy"},
			wantClass: "Economy",
			wantScore: 5,
		},
		{
			name:      "all skipped",
			rate:      map[string]any{"Credibility": 9},
			order:     []string{"Credibility"},
			exclude:   "Credibility",
			wantClass: "N/A",
			wantScore: 0,
		},
		{
			name:      "negative scores still win over nothing",
			rate:      map[string]any{"Military": -2},
			order:     []string{"Military"},
			wantClass: "Military",
			wantScore: -2,
		},
		{
			name:      "nil order walks keys sorted",
			rate:      map[string]any{"b": 3, "a": 3},
			wantClass: "a",
			wantScore: 3,
		},
		{
			name:      "order entries missing from map",
			rate:      map[string]any{"Economy": 4},
			order:     []string{"Military", "Economy"},
			wantClass: "Economy",
			wantScore: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, score := MaxRate(tt.rate, tt.order, tt.exclude)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantScore, score)
		})
	}
}

func TestDefaultRate(t *testing.T) {
	rate := DefaultRate()
	class, score := MaxRate(rate, nil, DefaultExcludeRateKey)
	assert.Equal(t, "N/A", class)
	assert.Equal(t, 0, score)
}
