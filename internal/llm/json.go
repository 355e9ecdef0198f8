package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSONObject digs a JSON object out of a model reply. Models wrap
// JSON in markdown fences or prose often enough that strict parsing alone
// loses usable answers: strip fences first, then fall back to the
// outermost brace pair.
func ExtractJSONObject(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty response")
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return s, nil
	}

	// Prose fallback: the first well-formed object wins, so stray braces
	// after a valid object cannot spoil it.
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(s[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			return string(raw), nil
		}
	}

	return "", fmt.Errorf("no JSON object in response")
}
