package dashsync

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Analysis is the summary/analysis blob the backend attaches to calls and
// chats. The backend sends it either as a JSON object or as a string that
// usually, but not always, contains JSON. Decoding never fails: text that
// is not a JSON object is kept in Raw with Parsed set to false.
type Analysis struct {
	Raw         string
	Parsed      bool
	Summary     string
	Sentiment   string
	Outcome     string
	KeyPoints   []string
	ActionItems []string
	Fields      map[string]any
}

// ParseAnalysis decodes an analysis string.
func ParseAnalysis(raw string) Analysis {
	a := Analysis{Raw: raw}
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return a
	}

	// Double-encoded: "\"{...}\"".
	if strings.HasPrefix(text, `"`) {
		var inner string
		if json.Unmarshal([]byte(text), &inner) == nil {
			text = stripCodeFence(strings.TrimSpace(inner))
		}
	}
	if !strings.HasPrefix(text, "{") {
		a.Summary = text
		return a
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		a.Summary = text
		return a
	}
	a.fill(fields)
	return a
}

func (a *Analysis) fill(fields map[string]any) {
	a.Parsed = true
	a.Fields = fields
	a.Summary = strOr(fields, "summary", strOr(fields, "call_summary", ""))
	a.Sentiment = strOr(fields, "sentiment", "")
	a.Outcome = strOr(fields, "outcome", strOr(fields, "call_outcome", ""))
	a.KeyPoints = stringList(fields["key_points"])
	a.ActionItems = stringList(fields["action_items"])
}

// Text returns the best human-readable rendering of the analysis.
func (a Analysis) Text() string {
	if a.Summary != "" {
		return a.Summary
	}
	return a.Raw
}

// IsZero reports whether nothing was received.
func (a Analysis) IsZero() bool {
	return a.Raw == "" && !a.Parsed
}

func (a *Analysis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*a = Analysis{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*a = Analysis{Raw: string(data)}
			return nil
		}
		*a = ParseAnalysis(s)
	case data[0] == '{':
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			*a = Analysis{Raw: string(data), Summary: string(data)}
			return nil
		}
		*a = Analysis{Raw: string(data)}
		a.fill(fields)
	default:
		*a = Analysis{Raw: string(data), Summary: string(data)}
	}
	return nil
}

func (a Analysis) MarshalJSON() ([]byte, error) {
	if a.Parsed && a.Fields != nil {
		return json.Marshal(a.Fields)
	}
	if a.Raw == "" {
		return []byte("null"), nil
	}
	return json.Marshal(a.Raw)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
