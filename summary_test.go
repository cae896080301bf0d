package dashsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		parsed    bool
		summary   string
		keyPoints []string
	}{
		{
			name:      "json string",
			raw:       `{"summary":"Booked a demo","key_points":["budget ok","call Friday"]}`,
			parsed:    true,
			summary:   "Booked a demo",
			keyPoints: []string{"budget ok", "call Friday"},
		},
		{
			name:    "code fenced",
			raw:     "```json\n{\"call_summary\":\"Wrong number\"}\n```",
			parsed:  true,
			summary: "Wrong number",
		},
		{
			name:    "double encoded",
			raw:     `"{\"summary\":\"Refund requested\"}"`,
			parsed:  true,
			summary: "Refund requested",
		},
		{
			name:    "plain text",
			raw:     "Customer hung up early.",
			summary: "Customer hung up early.",
		},
		{
			name:    "broken json",
			raw:     `{"summary": "unterminated`,
			summary: `{"summary": "unterminated`,
		},
		{
			name: "empty",
			raw:  "   ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ParseAnalysis(tt.raw)
			assert.Equal(t, tt.parsed, a.Parsed)
			assert.Equal(t, tt.summary, a.Summary)
			assert.Equal(t, tt.keyPoints, a.KeyPoints)
			assert.Equal(t, tt.raw, a.Raw)
		})
	}
}

func TestAnalysisUnmarshalJSON(t *testing.T) {
	t.Run("object", func(t *testing.T) {
		var a Analysis
		require.NoError(t, json.Unmarshal([]byte(`{"summary":"ok","action_items":"follow up"}`), &a))
		assert.True(t, a.Parsed)
		assert.Equal(t, []string{"follow up"}, a.ActionItems)
	})

	t.Run("null", func(t *testing.T) {
		var a Analysis
		require.NoError(t, json.Unmarshal([]byte(`null`), &a))
		assert.True(t, a.IsZero())
	})

	t.Run("number never fails", func(t *testing.T) {
		var a Analysis
		require.NoError(t, json.Unmarshal([]byte(`42`), &a))
		assert.Equal(t, "42", a.Text())
	})
}

func TestAnalysisMarshalRoundTrip(t *testing.T) {
	a := ParseAnalysis(`{"summary":"Booked","outcome":"won"}`)
	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"Booked","outcome":"won"}`, string(b))

	b, err = json.Marshal(Analysis{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = json.Marshal(ParseAnalysis("plain"))
	require.NoError(t, err)
	assert.Equal(t, `"plain"`, string(b))
}
