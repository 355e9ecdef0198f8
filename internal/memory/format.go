package memory

import "strings"

// snippetRuneLimit caps how much of one stored message is injected into
// a prompt.
const snippetRuneLimit = 200

// FormatSnippets renders retrieved snippets as a bullet list for prompt
// injection, truncating each to a sane length. Returns "" when there is
// nothing to inject.
func FormatSnippets(snippets []string) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range snippets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if runes := []rune(s); len(runes) > snippetRuneLimit {
			s = string(runes[:snippetRuneLimit]) + "..."
		}
		sb.WriteString("- ")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
