package memory

import (
	"database/sql"
	"fmt"
)

// KnowledgeChunk is a chunk of ingested document text for RAG retrieval,
// grounded on original_source/execution/joi/memory/store.py's KnowledgeChunk.
type KnowledgeChunk struct {
	ID         int64
	Scope      string // access scope: conversation id, or "" for legacy global
	Source     string // document path/identifier
	Title      string
	Content    string
	ChunkIndex int
	CreatedAt  int64
}

// ReplaceKnowledgeSource deletes any existing chunks for (scope, source) and
// inserts the new ones with monotonically increasing chunk_index, per spec
// §4.8 step 5.
func (s *Store) ReplaceKnowledgeSource(scope, source string, chunks []string, titleFor func(index int, chunk string) string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM knowledge_chunks WHERE scope = ? AND source = ?`, scope, source); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}

	for i, chunk := range chunks {
		title := titleFor(i, chunk)
		if _, err := tx.Exec(`
			INSERT INTO knowledge_chunks (scope, source, title, content, chunk_index, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, scope, source, title, chunk, i, nowMillis()); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// SearchKnowledge searches chunks by BM25-ranked FTS5 match, restricted to
// scopes. Per spec §4.5: scopes == nil means no filter (admin path only);
// scopes == empty slice means no access, returned immediately without
// querying — it must never degrade to global/legacy access.
func (s *Store) SearchKnowledge(query string, scopes []string, limit int) ([]KnowledgeChunk, error) {
	if scopes != nil && len(scopes) == 0 {
		return nil, nil
	}

	fq := ftsQuery(query)
	if fq == "" {
		return nil, nil
	}

	var rows *sql.Rows
	var err error
	if scopes == nil {
		rows, err = s.db.Query(`
			SELECT k.id, k.scope, k.source, k.title, k.content, k.chunk_index, k.created_at
			FROM knowledge_chunks k
			JOIN knowledge_fts f ON k.id = f.rowid
			WHERE knowledge_fts MATCH ?
			ORDER BY bm25(knowledge_fts)
			LIMIT ?
		`, fq, limit)
	} else {
		placeholders, args := inClause(scopes)
		args = append([]any{fq}, args...)
		args = append(args, limit)
		rows, err = s.db.Query(fmt.Sprintf(`
			SELECT k.id, k.scope, k.source, k.title, k.content, k.chunk_index, k.created_at
			FROM knowledge_chunks k
			JOIN knowledge_fts f ON k.id = f.rowid
			WHERE knowledge_fts MATCH ? AND k.scope IN (%s)
			ORDER BY bm25(knowledge_fts)
			LIMIT ?
		`, placeholders), args...)
	}
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.Scope, &c.Source, &c.Title, &c.Content, &c.ChunkIndex, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetKnowledgeBySource returns all chunks from a source in chunk order.
func (s *Store) GetKnowledgeBySource(scope, source string) ([]KnowledgeChunk, error) {
	rows, err := s.db.Query(`
		SELECT id, scope, source, title, content, chunk_index, created_at
		FROM knowledge_chunks
		WHERE scope = ? AND source = ?
		ORDER BY chunk_index
	`, scope, source)
	if err != nil {
		return nil, fmt.Errorf("get knowledge by source: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.Scope, &c.Source, &c.Title, &c.Content, &c.ChunkIndex, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// KnowledgeScopes returns the distinct non-empty scopes holding at
// least one chunk, for the admin rag surface's scope listing.
func (s *Store) KnowledgeScopes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT scope FROM knowledge_chunks WHERE scope != '' ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("list knowledge scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// KnowledgeAsText renders search results for LLM context.
func KnowledgeAsText(chunks []KnowledgeChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	text := "Relevant knowledge:"
	for _, c := range chunks {
		text += fmt.Sprintf("\n\n[%s]\n%s", c.Title, c.Content)
	}
	return text
}
