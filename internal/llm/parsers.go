package llm

import (
	"encoding/json"
	"strings"

	"arcanum/internal/models"
)

// ExtractJSONObject returns the first {...} span in s, or "" if none.
// Model output routinely wraps JSON in prose; we locate the span by
// brace boundaries rather than trusting the whole response to parse.
func ExtractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ExtractJSONArray returns the first [...] span in s, or "" if none.
func ExtractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// ParsedKind tags what a completion response turned out to be.
type ParsedKind string

const (
	ParsedPlain ParsedKind = "plain"
	ParsedItems ParsedKind = "items"
)

// ItemsPayload is the structured shape the shopkeeper prompt asks the
// model to emit when presenting items.
type ItemsPayload struct {
	Message        string                 `json:"message"`
	Items          []models.GeneratedItem `json:"items"`
	FilterByBudget bool                   `json:"filterByBudget"`
	MaxPriceGp     *int64                 `json:"maxPriceGp"`
}

// Parsed is the tagged result of interpreting a completion response:
// either plain narrative text, or an item listing.
type Parsed struct {
	Kind    ParsedKind
	Content string
	Items   []models.GeneratedItem
	Payload *ItemsPayload
}

// ParseResponse interprets raw model output. Any response without a
// parseable item payload degrades to plain text; this function never
// fails.
func ParseResponse(raw string) Parsed {
	span := ExtractJSONObject(raw)
	if span == "" {
		return Parsed{Kind: ParsedPlain, Content: raw}
	}

	var payload ItemsPayload
	if err := json.Unmarshal([]byte(span), &payload); err != nil {
		return Parsed{Kind: ParsedPlain, Content: raw}
	}

	if len(payload.Items) == 0 {
		content := payload.Message
		if content == "" {
			content = raw
		}
		return Parsed{Kind: ParsedPlain, Content: content}
	}

	return Parsed{
		Kind:    ParsedItems,
		Content: payload.Message,
		Items:   payload.Items,
		Payload: &payload,
	}
}
