package memory

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ContextSummary is a compacted conversation period, append-only, grounded
// on original_source/execution/joi/memory/store.py's ContextSummary.
type ContextSummary struct {
	ID             int64
	ConversationID string
	SummaryType    string // "conversation" | "daily" | "weekly"
	PeriodStart    int64
	PeriodEnd      int64
	SummaryText    string
	MessageCount   int
	CreatedAt      int64
}

// StoreSummary appends a summary — summaries are never updated in place,
// each compaction round creates a new row (spec §4.5 "append-only").
func (s *Store) StoreSummary(conversationID, summaryType string, periodStart, periodEnd int64, summaryText string, messageCount int) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO context_summaries (
			conversation_id, summary_type, period_start, period_end, summary_text, message_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conversationID, summaryType, periodStart, periodEnd, summaryText, messageCount, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("store summary: %w", err)
	}
	return res.LastInsertId()
}

// GetRecentSummaries returns summaries within the last `days` days for a
// conversation, newest first.
func (s *Store) GetRecentSummaries(conversationID, summaryType string, days, limit int) ([]ContextSummary, error) {
	cutoff := nowMillis() - int64(days)*24*60*60*1000

	rows, err := s.db.Query(`
		SELECT id, conversation_id, summary_type, period_start, period_end, summary_text,
		       COALESCE(message_count, 0), created_at
		FROM context_summaries
		WHERE conversation_id = ? AND summary_type = ? AND period_end > ?
		ORDER BY period_end DESC
		LIMIT ?
	`, conversationID, summaryType, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// SearchSummaries ranks summaries for a conversation by BM25 relevance
// against query, restricted to the last `days` days.
func (s *Store) SearchSummaries(conversationID, query string, days, limit int) ([]ContextSummary, error) {
	fq := ftsQuery(query)
	if fq == "" {
		return nil, nil
	}
	cutoff := nowMillis() - int64(days)*24*60*60*1000

	rows, err := s.db.Query(`
		SELECT s.id, s.conversation_id, s.summary_type, s.period_start, s.period_end,
		       s.summary_text, COALESCE(s.message_count, 0), s.created_at
		FROM context_summaries s
		JOIN summaries_fts fts ON s.id = fts.rowid
		WHERE summaries_fts MATCH ? AND s.period_end > ? AND s.conversation_id = ?
		ORDER BY bm25(summaries_fts)
		LIMIT ?
	`, fq, cutoff, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]ContextSummary, error) {
	var out []ContextSummary
	for rows.Next() {
		var c ContextSummary
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.SummaryType, &c.PeriodStart, &c.PeriodEnd,
			&c.SummaryText, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SummariesAsText renders summaries oldest-first, dated, for LLM context.
func SummariesAsText(summaries []ContextSummary) string {
	if len(summaries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Earlier in this conversation (already discussed):")
	for i := len(summaries) - 1; i >= 0; i-- {
		sm := summaries[i]
		date := time.UnixMilli(sm.PeriodEnd).Format("2006-01-02")
		sb.WriteString(fmt.Sprintf("\n\n[%s]\n%s", date, sm.SummaryText))
	}
	return sb.String()
}
