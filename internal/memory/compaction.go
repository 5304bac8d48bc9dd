package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// CompactionConfig bounds when and how much of a conversation's history
// gets compacted, per spec §4.6: trigger is count > C, and the batch size
// B is bounded below 10 and above C/2 so the context window always keeps
// fresh messages.
type CompactionConfig struct {
	ContextWindow int  // C: unarchived text-message count that triggers compaction
	ArchiveOnly   bool // archive (soft-delete) instead of hard-deleting compacted messages
}

// DefaultCompactionConfig mirrors the original's conservative context
// window; callers size it to their model's actual context budget.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{ContextWindow: 60}
}

// batchSize computes B for a given C: 10 <= B < C/2 (spec §4.6).
func (c CompactionConfig) batchSize() int {
	ceiling := c.ContextWindow/2 - 1
	if ceiling < 10 {
		ceiling = 10
	}
	b := c.ContextWindow / 3
	if b < 10 {
		b = 10
	}
	if b > ceiling {
		b = ceiling
	}
	return b
}

// Summarizer asks an LLM to extract facts and produce a summary from a
// conversation transcript, per spec §4.6 steps 3–4.
type Summarizer interface {
	ExtractFacts(ctx context.Context, transcript string) (string, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Compactor runs memory consolidation for one conversation at a time,
// grounded on original_source/execution/joi/memory/consolidation.py's
// run_consolidation.
type Compactor struct {
	store      *Store
	config     CompactionConfig
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCompactor creates a Compactor.
func NewCompactor(store *Store, config CompactionConfig, summarizer Summarizer, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: store, config: config, summarizer: summarizer, logger: logger}
}

// NeedsCompaction reports whether a conversation's unarchived text-message
// count exceeds the context window (count > C, not >=, per spec §4.6).
func (c *Compactor) NeedsCompaction(conversationID string) (bool, error) {
	n, err := c.store.CountUnarchivedText(conversationID)
	if err != nil {
		return false, err
	}
	return n > c.config.ContextWindow, nil
}

// Compact runs one consolidation round for a conversation: reads the oldest
// B messages, extracts facts, produces a summary, stores both, and deletes
// (or archives) the compacted messages by message_id.
func (c *Compactor) Compact(ctx context.Context, conversationID string) error {
	needs, err := c.NeedsCompaction(conversationID)
	if err != nil {
		return fmt.Errorf("check compaction trigger: %w", err)
	}
	if !needs {
		return nil
	}

	batch := c.config.batchSize()
	messages, err := c.store.GetOldestMessages(conversationID, batch)
	if err != nil {
		return fmt.Errorf("read oldest messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	transcript := buildTranscript(messages)

	facts, err := c.extractFactsWithRetry(ctx, transcript)
	if err != nil {
		c.logger.Warn("fact extraction failed, continuing with summary only", "conversation_id", conversationID, "error", err)
	}

	summary, err := c.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if !validSummary(summary) {
		c.logger.Warn("rejected summary (length or injection check failed)", "conversation_id", conversationID)
		summary = ""
	}

	for _, f := range facts {
		if _, err := c.store.StoreFact(conversationID, f.Category, f.Key, f.Value, f.Confidence, "inferred", ""); err != nil {
			c.logger.Warn("store extracted fact failed", "conversation_id", conversationID, "key", f.Key, "error", err)
		}
	}

	if summary != "" {
		periodStart, periodEnd := messages[0].Timestamp, messages[len(messages)-1].Timestamp
		if _, err := c.store.StoreSummary(conversationID, "conversation", periodStart, periodEnd, summary, len(messages)); err != nil {
			return fmt.Errorf("store summary: %w", err)
		}
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}

	if c.config.ArchiveOnly {
		_, err = c.store.ArchiveMessagesByIDs(ids)
	} else {
		_, err = c.store.DeleteMessagesByIDs(ids)
	}
	if err != nil {
		return fmt.Errorf("remove compacted messages: %w", err)
	}

	return nil
}

// buildTranscript renders messages as "Sender: text" lines, oldest first —
// spec §4.6 step 2 ("Joi" for outbound, sender display name or id inbound).
func buildTranscript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sender := "Joi"
		if m.Direction == "inbound" {
			sender = m.SenderName
			if sender == "" {
				sender = m.SenderID
			}
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", sender, m.ContentText))
	}
	return sb.String()
}

// extractedFact is one entry of the strict JSON array the LLM returns.
type extractedFact struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// extractFactsWithRetry asks for fact extraction, parsing tolerantly; if
// parsing fails and the response was non-trivially long, retries once with
// a stricter instruction, per spec §4.6 step 3.
func (c *Compactor) extractFactsWithRetry(ctx context.Context, transcript string) ([]extractedFact, error) {
	raw, err := c.summarizer.ExtractFacts(ctx, transcript)
	if err != nil {
		return nil, err
	}

	facts, perr := parseFacts(raw)
	if perr == nil {
		return facts, nil
	}
	if len(raw) < 40 {
		return nil, perr
	}

	raw, err = c.summarizer.ExtractFacts(ctx, transcript+"\n\nReturn ONLY a JSON array, no prose.")
	if err != nil {
		return nil, err
	}
	return parseFacts(raw)
}

// parseFacts tolerantly extracts a JSON array of facts from raw LLM output
// that may be wrapped in prose: if a clean parse fails, it parses the span
// from the first '[' to the last ']'.
func parseFacts(raw string) ([]extractedFact, error) {
	var facts []extractedFact
	if err := json.Unmarshal([]byte(raw), &facts); err == nil {
		return validateFacts(facts), nil
	}

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array found in extraction response")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("parse extracted facts: %w", err)
	}
	return validateFacts(facts), nil
}

// validateFacts drops entries missing the three mandatory fields and
// coerces missing/out-of-range confidence to 0.8, per spec §4.6 step 3.
func validateFacts(facts []extractedFact) []extractedFact {
	out := make([]extractedFact, 0, len(facts))
	for _, f := range facts {
		if f.Category == "" || f.Key == "" || f.Value == "" {
			continue
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.8
		}
		out = append(out, f)
	}
	return out
}

var injectionSentinels = []string{
	"ignore previous",
	"you are now",
	"system prompt",
	"new instructions",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// validSummary enforces spec §4.6 step 4: length 10–2000 chars, no
// prompt-injection sentinel phrases.
func validSummary(summary string) bool {
	normalized := strings.ToLower(whitespaceRun.ReplaceAllString(summary, " "))
	if len(summary) < 10 || len(summary) > 2000 {
		return false
	}
	for _, sentinel := range injectionSentinels {
		if strings.Contains(normalized, sentinel) {
			return false
		}
	}
	return true
}
