// Package ingest turns documents — files dropped under an ingestion
// root or attachments received over Signal — into knowledge_chunks rows
// in the memory store, per spec §4.8.
package ingest

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	defaultChunkSize = 500
	defaultOverlap   = 50
	maxFileSize      = 1 << 20 // 1 MiB
)

var sentenceBreaks = []string{". ", ".\n", "! ", "? "}

// ChunkText splits text into overlapping chunks targeting chunkSize
// characters, preferring to break on a paragraph boundary past the
// midpoint of the target, then a sentence terminator, then a hard cut —
// spec §4.8 step 3.
func ChunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultOverlap
	}

	if len(text) <= chunkSize {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	var chunks []string
	start := 0
	midpoint := chunkSize / 2

	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}

		if end < len(text) {
			end = breakPoint(text, start, end, midpoint)
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end < len(text) {
			start = end - overlap
		} else {
			start = len(text)
		}
	}

	return chunks
}

// breakPoint finds the preferred cut point in text[start:end]: a
// paragraph break if one falls past the midpoint, else a sentence
// terminator past the midpoint, else the original end.
func breakPoint(text string, start, end, midpoint int) int {
	window := text[start:end]

	if idx := strings.LastIndex(window, "\n\n"); idx > midpoint {
		return start + idx + 2
	}

	best := -1
	bestLen := 0
	for _, sep := range sentenceBreaks {
		if idx := strings.LastIndex(window, sep); idx > midpoint && idx > best {
			best = idx
			bestLen = len(sep)
		}
	}
	if best >= 0 {
		return start + best + bestLen
	}

	return end
}

// ExtractTitle finds a document's title: a Markdown `# ` heading (the
// first level-1 heading in goldmark's AST), else the first short
// non-empty line, else the filename stem — spec §4.8 step 4.
func ExtractTitle(content, filenameStem string) string {
	if title, ok := firstHeading(content); ok {
		return title
	}

	lines := strings.Split(content, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && len(line) < 100 {
			return line
		}
	}

	return titleizeStem(filenameStem)
}

func firstHeading(content string) (string, bool) {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var title string
	var found bool
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if found || !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 1 {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		for c := h.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				buf.Write(t.Segment.Value(src))
			}
		}
		title = strings.TrimSpace(buf.String())
		found = title != ""
		return ast.WalkStop, nil
	})
	return title, found
}

func titleizeStem(stem string) string {
	stem = strings.ReplaceAll(stem, "-", " ")
	stem = strings.ReplaceAll(stem, "_", " ")
	words := strings.Fields(stem)
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// ValidUTF8 reports whether data is well-formed UTF-8 — spec §4.8 step 2.
func ValidUTF8(data []byte) bool {
	return utf8.Valid(data)
}
