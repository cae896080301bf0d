package dashsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageInfoShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want PageInfo
	}{
		{
			name: "calls shape",
			raw:  `{"current_page":2,"total_pages":5,"per_page":20,"total":93}`,
			want: PageInfo{Page: 2, TotalPages: 5, PerPage: 20, Total: 93},
		},
		{
			name: "chats shape",
			raw:  `{"page":1,"totalPages":3,"limit":20,"total":45}`,
			want: PageInfo{Page: 1, TotalPages: 3, PerPage: 20, Total: 45},
		},
		{
			name: "total pages derived",
			raw:  `{"page":1,"limit":20,"total":41}`,
			want: PageInfo{Page: 1, TotalPages: 3, PerPage: 20, Total: 41},
		},
		{
			name: "empty",
			raw:  `{}`,
			want: PageInfo{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got PageInfo
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPageInfoHasNext(t *testing.T) {
	assert.True(t, PageInfo{Page: 2, TotalPages: 3}.HasNext())
	assert.False(t, PageInfo{Page: 3, TotalPages: 3}.HasNext())
	assert.False(t, PageInfo{}.HasNext())
}

func TestFilterKeyIsCanonical(t *testing.T) {
	a := Filter{Status: "open", Source: "whatsapp", From: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)}
	b := Filter{Source: "whatsapp", Status: "open", From: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)}
	assert.Equal(t, a.Key(), b.Key(), "same day, same fields")
	assert.Equal(t, "source=whatsapp&start_date=2026-01-02&status=open", a.Key())
	assert.Empty(t, Filter{}.Key())
	assert.NotEqual(t, a.Key(), Filter{Status: "open"}.Key())
}

func TestListOptionsQuery(t *testing.T) {
	q := ListOptions{Filter: Filter{Status: "open", ChatType: "live"}, Limit: 50}.query()
	assert.Equal(t, map[string]string{
		"status":    "open",
		"chat_type": "live",
		"page":      "1",
		"limit":     "50",
	}, q)

	assert.Nil(t, DateRange{}.query())
	assert.Equal(t, map[string]string{"end_date": "2026-02-01"},
		DateRange{To: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}.query())
}

func TestLeadStatusValid(t *testing.T) {
	assert.True(t, LeadQualified.Valid())
	assert.True(t, LeadStatus("follow_up").Valid())
	assert.False(t, LeadStatus("hot").Valid())
}

func TestChatDecodesSummaryVariants(t *testing.T) {
	raw := `{
		"id": "c1",
		"status": "open",
		"unread_count": 3,
		"summary": "{\"summary\":\"Asked about pricing\",\"sentiment\":\"positive\"}",
		"created_at": "2026-01-01T10:00:00Z",
		"updated_at": "2026-01-01T10:05:00Z"
	}`
	var c Chat
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	assert.Equal(t, 3, c.UnreadCount)
	assert.True(t, c.Summary.Parsed)
	assert.Equal(t, "Asked about pricing", c.Summary.Text())
	assert.Equal(t, "positive", c.Summary.Sentiment)
}

func TestChatEncodesMissingSummaryAsNull(t *testing.T) {
	b, err := json.Marshal(Chat{ID: "c1"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"summary":null`)

	b, err = json.Marshal(Call{ID: "k1", Analysis: ParseAnalysis("short call")})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"analysis":"short call"`)
}
