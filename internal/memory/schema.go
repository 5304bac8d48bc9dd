// Package memory implements the assistant's single local relational store:
// messages, user facts, context summaries, knowledge chunks, and system
// state, all in one SQLite database with FTS5 indexes for facts, summaries,
// and knowledge. Grounded on original_source/execution/joi/memory/store.py's
// MemoryStore, adapted from the teacher's internal/memory/sqlite.go driver
// choice: modernc.org/sqlite (pure Go) on CGO-disabled builds and
// mattn/go-sqlite3 when cgo is enabled (driver_purego.go, driver_cgo.go).
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	direction TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT 'direct',
	content_type TEXT NOT NULL,
	content_text TEXT,
	content_media_path TEXT,
	conversation_id TEXT,
	reply_to_id TEXT,
	sender_id TEXT,
	sender_name TEXT,
	timestamp INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_messages_archived ON messages(archived, timestamp DESC);

CREATE TABLE IF NOT EXISTS system_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.8,
	source TEXT NOT NULL,
	source_message_id TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	learned_at INTEGER NOT NULL,
	last_verified_at INTEGER,
	updated_at INTEGER NOT NULL,
	UNIQUE(conversation_id, category, key, active)
);
CREATE INDEX IF NOT EXISTS idx_facts_category ON user_facts(category, active);
CREATE INDEX IF NOT EXISTS idx_facts_conversation ON user_facts(conversation_id, active);

CREATE TABLE IF NOT EXISTS context_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL DEFAULT '',
	summary_type TEXT NOT NULL,
	period_start INTEGER NOT NULL,
	period_end INTEGER NOT NULL,
	summary_text TEXT NOT NULL,
	message_count INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON context_summaries(conversation_id, period_end DESC);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(scope, source, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge_chunks(source);
CREATE INDEX IF NOT EXISTS idx_knowledge_scope ON knowledge_chunks(scope);

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
	title, content, content=knowledge_chunks, content_rowid=id
);
CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge_chunks BEGIN
	INSERT INTO knowledge_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge_chunks BEGIN
	INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge_chunks BEGIN
	INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content) VALUES('delete', old.id, old.title, old.content);
	INSERT INTO knowledge_fts(rowid, title, content) VALUES (new.id, new.title, new.content);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS user_facts_fts USING fts5(
	key, value, content=user_facts, content_rowid=id
);
CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON user_facts BEGIN
	INSERT INTO user_facts_fts(rowid, key, value) VALUES (new.id, new.key, new.value);
END;
CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON user_facts BEGIN
	INSERT INTO user_facts_fts(user_facts_fts, rowid, key, value) VALUES('delete', old.id, old.key, old.value);
END;
CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON user_facts BEGIN
	INSERT INTO user_facts_fts(user_facts_fts, rowid, key, value) VALUES('delete', old.id, old.key, old.value);
	INSERT INTO user_facts_fts(rowid, key, value) VALUES (new.id, new.key, new.value);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
	summary_text, content=context_summaries, content_rowid=id
);
CREATE TRIGGER IF NOT EXISTS summaries_ai AFTER INSERT ON context_summaries BEGIN
	INSERT INTO summaries_fts(rowid, summary_text) VALUES (new.id, new.summary_text);
END;
CREATE TRIGGER IF NOT EXISTS summaries_ad AFTER DELETE ON context_summaries BEGIN
	INSERT INTO summaries_fts(summaries_fts, rowid, summary_text) VALUES('delete', old.id, old.summary_text);
END;
CREATE TRIGGER IF NOT EXISTS summaries_au AFTER UPDATE ON context_summaries BEGIN
	INSERT INTO summaries_fts(summaries_fts, rowid, summary_text) VALUES('delete', old.id, old.summary_text);
	INSERT INTO summaries_fts(rowid, summary_text) VALUES (new.id, new.summary_text);
END;
`

const schemaVersion = "4"

var bootstrapState = map[string]string{
	"schema_version":               schemaVersion,
	"last_interaction_at":          "0",
	"last_impulse_check_at":        "0",
	"current_conversation_topic":   "",
	"last_context_cleanup_at":      "0",
	"last_memory_consolidation_at": "0",
}

// Store is the assistant's single SQLite-backed memory store: messages,
// user facts, context summaries, knowledge chunks, and system state, with
// FTS5 full-text search over facts, summaries, and knowledge.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the memory database at path, applying
// schema migrations and rebuilding FTS indexes if the main tables have rows
// the FTS tables don't (spec §4.5).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create memory db directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path+dsnSuffix)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: WAL tolerates concurrent readers, but we keep it simple

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}

	for k, v := range bootstrapState {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO system_state (key, value, updated_at) VALUES (?, ?, strftime('%s','now')*1000)`,
			k, v,
		); err != nil {
			return fmt.Errorf("bootstrap state %s: %w", k, err)
		}
	}

	if err := s.rebuildFTSIfNeeded("user_facts_fts", "user_facts", "active = 1"); err != nil {
		return err
	}
	if err := s.rebuildFTSIfNeeded("summaries_fts", "context_summaries", "1=1"); err != nil {
		return err
	}
	if err := s.rebuildFTSIfNeeded("knowledge_fts", "knowledge_chunks", "1=1"); err != nil {
		return err
	}
	return nil
}

// rebuildFTSIfNeeded guards against an FTS index left empty by a database
// that was restored or migrated without its shadow tables — rebuilds from
// the main table's content when the FTS table reports zero rows but the
// backing table doesn't.
func (s *Store) rebuildFTSIfNeeded(ftsTable, mainTable, whereClause string) error {
	var ftsCount, mainCount int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, ftsTable)).Scan(&ftsCount); err != nil {
		return nil // FTS table missing; schemaSQL above already tried to create it
	}
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, mainTable, whereClause)).Scan(&mainCount); err != nil {
		return nil
	}
	if ftsCount == 0 && mainCount > 0 {
		_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s(%s) VALUES('rebuild')`, ftsTable, ftsTable))
		return err
	}
	return nil
}
