package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StripCodeFence removes a Markdown fence (```json or bare ```) around the
// payload and trims anything outside the outermost braces.
func StripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// Parse turns a completion into an Analysis for message. The payload must be
// a JSON object whose "questions" is an array of strings; "context", "topic"
// and "tone" must be strings and "tags" an array of strings when present.
// Topic and tone are coerced into their taxonomies. Any violation is an
// ErrExtraction.
func Parse(message, raw string) (Analysis, error) {
	body := StripCodeFence(raw)
	if body == "" {
		return Analysis{}, fmt.Errorf("%w: empty response", ErrExtraction)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return Analysis{}, fmt.Errorf("%w: response is not a JSON object: %w", ErrExtraction, err)
	}
	if fields == nil {
		return Analysis{}, fmt.Errorf("%w: response is null", ErrExtraction)
	}

	rawQuestions, ok := fields["questions"]
	if !ok {
		return Analysis{}, fmt.Errorf("%w: missing questions", ErrExtraction)
	}
	questions, err := stringList("questions", rawQuestions)
	if err != nil {
		return Analysis{}, err
	}
	tags, err := stringList("tags", fields["tags"])
	if err != nil {
		return Analysis{}, err
	}
	ctxText, err := optionalString("context", fields["context"])
	if err != nil {
		return Analysis{}, err
	}
	topic, err := optionalString("topic", fields["topic"])
	if err != nil {
		return Analysis{}, err
	}
	tone, err := optionalString("tone", fields["tone"])
	if err != nil {
		return Analysis{}, err
	}

	kept := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}

	return Analysis{
		Message:   message,
		Questions: kept,
		Context:   strings.TrimSpace(ctxText),
		Topic:     NormalizeTopic(topic),
		Tone:      NormalizeTone(tone),
		Tags:      tags,
	}, nil
}

// stringList decodes an optional array of strings. Absent or null yields an
// empty, non-nil slice.
func stringList(field string, raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array of strings", ErrExtraction, field)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func optionalString(field string, raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrExtraction, field)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
