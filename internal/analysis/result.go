// Package analysis turns generation-service output into validated structured
// records: session summaries, plan analyses, plan/conversation discrepancies,
// and the daily digest.
package analysis

import (
	"encoding/json"
	"strings"
)

// Validator is implemented by structured outputs that check their own shape
// after decoding.
type Validator interface {
	Validate() error
}

// Result is either decoded data or a parse error with the raw text that
// failed to decode. A parse failure is data, not an error: callers store Raw
// and carry on.
type Result[T any] struct {
	Data       T
	Raw        string
	ParseError string
}

// OK reports whether Data holds a successfully decoded value.
func (r Result[T]) OK() bool { return r.ParseError == "" }

// ParseStructured decodes raw into T, tolerating code fences and prose around
// the JSON object.
func ParseStructured[T any](raw string) Result[T] {
	res := Result[T]{Raw: raw}
	body := extractObject(raw)
	if body == "" {
		res.ParseError = "no JSON object in response"
		return res
	}
	if err := json.Unmarshal([]byte(body), &res.Data); err != nil {
		res.ParseError = err.Error()
		return res
	}
	if v, ok := any(&res.Data).(Validator); ok {
		if err := v.Validate(); err != nil {
			res.ParseError = err.Error()
		}
	}
	return res
}

func extractObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
