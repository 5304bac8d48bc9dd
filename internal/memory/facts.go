package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// UserFact is a learned fact about the user, scoped to a conversation,
// grounded on original_source/execution/joi/memory/store.py's UserFact.
type UserFact struct {
	ID              int64
	ConversationID  string
	Category        string
	Key             string
	Value           string
	Confidence      float64
	Source          string // "stated" | "inferred" | "configured"
	SourceMessageID string
	LearnedAt       int64
	LastVerifiedAt  int64
}

// StoreFact does an UPSERT on (conversation_id, category, key, active=1)
// per spec §4.5: an update bumps updated_at and last_verified_at, an insert
// creates a fresh active row.
func (s *Store) StoreFact(conversationID, category, key, value string, confidence float64, source, sourceMessageID string) (int64, error) {
	now := nowMillis()

	res, err := s.db.Exec(`
		UPDATE user_facts
		SET value = ?, confidence = ?, source = ?, source_message_id = ?,
		    last_verified_at = ?, updated_at = ?
		WHERE conversation_id = ? AND category = ? AND key = ? AND active = 1
	`, value, confidence, source, nullable(sourceMessageID), now, now, conversationID, category, key)
	if err != nil {
		return 0, fmt.Errorf("update fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var id int64
		err := s.db.QueryRow(
			`SELECT id FROM user_facts WHERE conversation_id = ? AND category = ? AND key = ? AND active = 1`,
			conversationID, category, key,
		).Scan(&id)
		return id, err
	}

	insert, err := s.db.Exec(`
		INSERT INTO user_facts (
			conversation_id, category, key, value, confidence, source, source_message_id,
			learned_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conversationID, category, key, value, confidence, source, nullable(sourceMessageID), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	return insert.LastInsertId()
}

// GetFacts returns active facts for a conversation at or above minConfidence,
// optionally filtered by category.
func (s *Store) GetFacts(conversationID, category string, minConfidence float64, limit int) ([]UserFact, error) {
	query := `
		SELECT id, conversation_id, category, key, value, confidence, source,
		       learned_at, COALESCE(last_verified_at, 0)
		FROM user_facts
		WHERE active = 1 AND confidence >= ? AND conversation_id = ?`
	args := []any{minConfidence, conversationID}

	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY category, confidence DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	defer rows.Close()

	var facts []UserFact
	for rows.Next() {
		var f UserFact
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.Category, &f.Key, &f.Value,
			&f.Confidence, &f.Source, &f.LearnedAt, &f.LastVerifiedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

var ftsWordPattern = regexp.MustCompile(`\w+`)

// ftsQuery tokenizes a free-text query to word characters, caps it to 20
// tokens, and joins them disjunctively, each quoted — spec §4.5's exact
// FTS5 query-building rule, shared by fact, summary, and knowledge search.
func ftsQuery(query string) string {
	words := ftsWordPattern.FindAllString(query, -1)
	if len(words) > 20 {
		words = words[:20]
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// SearchFacts ranks active facts for a conversation by BM25 relevance
// against query.
func (s *Store) SearchFacts(conversationID, query string, minConfidence float64, limit int) ([]UserFact, error) {
	fq := ftsQuery(query)
	if fq == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT f.id, f.conversation_id, f.category, f.key, f.value,
		       f.confidence, f.source, f.learned_at, COALESCE(f.last_verified_at, 0)
		FROM user_facts f
		JOIN user_facts_fts fts ON f.id = fts.rowid
		WHERE user_facts_fts MATCH ?
		  AND f.active = 1 AND f.confidence >= ? AND f.conversation_id = ?
		ORDER BY bm25(user_facts_fts)
		LIMIT ?
	`, fq, minConfidence, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	var facts []UserFact
	for rows.Next() {
		var f UserFact
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.Category, &f.Key, &f.Value,
			&f.Confidence, &f.Source, &f.LearnedAt, &f.LastVerifiedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// FactsAsText renders active facts grouped by category, for LLM context.
func FactsAsText(facts []UserFact) string {
	if len(facts) == 0 {
		return ""
	}
	byCategory := make(map[string][]UserFact)
	var order []string
	for _, f := range facts {
		if _, ok := byCategory[f.Category]; !ok {
			order = append(order, f.Category)
		}
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}

	var sb strings.Builder
	sb.WriteString("Known facts about the user:")
	for _, cat := range order {
		sb.WriteString("\n\n" + titleCase(cat) + ":")
		for _, f := range byCategory[cat] {
			sb.WriteString(fmt.Sprintf("\n  - %s: %s", f.Key, f.Value))
		}
	}
	return sb.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
