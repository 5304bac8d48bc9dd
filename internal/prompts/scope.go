// Package prompts resolves the per-conversation system prompt, model
// override, context size, and knowledge scopes from a file hierarchy —
// spec §4.9.
package prompts

import "strings"

var scopeReplacer = strings.NewReplacer("/", "_", "\\", "_", "+", "_")

// SanitizeScope turns a raw group or user id into a filesystem-safe,
// traversal-free scope name. An empty or whitespace-only input yields
// empty, which callers treat as "no access" — spec §4.9.
func SanitizeScope(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = scopeReplacer.Replace(s)
	for strings.Contains(s, "..") {
		next := strings.ReplaceAll(s, "..", "")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}
