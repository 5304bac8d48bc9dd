package memory

import (
	"database/sql"
	"fmt"
	"time"
)

// Message is a stored conversation message, grounded on
// original_source/execution/joi/memory/store.py's Message dataclass.
type Message struct {
	ID             int64
	MessageID      string
	Direction      string // "inbound" | "outbound"
	Channel        string // "direct" | "critical"
	ContentType    string // "text" | "reaction" | "attachment"
	ContentText    string
	ConversationID string
	ReplyToID      string
	SenderID       string // transport id (phone number)
	SenderName     string
	Timestamp      int64 // unix epoch milliseconds
	CreatedAt      int64
	Archived       bool
}

// StoreMessageParams collects StoreMessage's optional fields.
type StoreMessageParams struct {
	MessageID      string
	Direction      string
	Channel        string
	ContentType    string
	ContentText    string
	ConversationID string
	ReplyToID      string
	SenderID       string
	SenderName     string
	Timestamp      int64
}

// StoreMessage inserts a message, ignoring the insert if message_id already
// exists (redelivery-safe UPSERT-by-ignore per spec §5). Updates
// last_interaction_at for inbound messages.
func (s *Store) StoreMessage(p StoreMessageParams) (int64, error) {
	now := nowMillis()
	if p.Channel == "" {
		p.Channel = "direct"
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (
			message_id, direction, channel, content_type, content_text,
			conversation_id, reply_to_id, sender_id, sender_name, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.MessageID, p.Direction, p.Channel, p.ContentType, p.ContentText,
		p.ConversationID, nullable(p.ReplyToID), nullable(p.SenderID), nullable(p.SenderName),
		p.Timestamp, now)
	if err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}

	if p.Direction == "inbound" {
		if err := s.SetState("last_interaction_at", fmt.Sprintf("%d", now)); err != nil {
			return 0, err
		}
	}

	id, _ := res.LastInsertId()
	return id, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const messageColumns = `id, message_id, direction, channel, content_type, content_text,
	COALESCE(conversation_id, ''), COALESCE(reply_to_id, ''), COALESCE(sender_id, ''),
	COALESCE(sender_name, ''), timestamp, created_at, archived`

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var archived int
	err := rows.Scan(&m.ID, &m.MessageID, &m.Direction, &m.Channel, &m.ContentType, &m.ContentText,
		&m.ConversationID, &m.ReplyToID, &m.SenderID, &m.SenderName, &m.Timestamp, &m.CreatedAt, &archived)
	m.Archived = archived != 0
	return m, err
}

// GetRecentMessages returns the most recent non-archived text messages for a
// conversation, oldest first (ready to append directly to an LLM context).
func (s *Store) GetRecentMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE content_type = 'text' AND conversation_id = ? AND archived = 0
		ORDER BY timestamp DESC
		LIMIT ?
	`, messageColumns), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// GetOldestMessages returns the oldest non-archived text messages for a
// conversation, used by compaction to pick the batch to summarize.
func (s *Store) GetOldestMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE content_type = 'text' AND conversation_id = ? AND archived = 0
		ORDER BY timestamp ASC
		LIMIT ?
	`, messageColumns), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("get oldest messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountUnarchivedText returns the unarchived text-message count for a
// conversation — the value compaction compares against the context window C.
func (s *Store) CountUnarchivedText(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND content_type = 'text' AND archived = 0`,
		conversationID,
	).Scan(&n)
	return n, err
}

// DeleteMessagesByIDs hard-deletes messages by message_id, first nulling any
// reply_to_id in surviving messages that pointed into the deleted set, per
// spec §4.6 step 6 (referential integrity before deletion).
func (s *Store) DeleteMessagesByIDs(messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	placeholders, args := inClause(messageIDs)

	if _, err := tx.Exec(fmt.Sprintf(
		`UPDATE messages SET reply_to_id = NULL WHERE reply_to_id IN (%s)`, placeholders,
	), args...); err != nil {
		return 0, fmt.Errorf("null reply refs: %w", err)
	}

	res, err := tx.Exec(fmt.Sprintf(
		`DELETE FROM messages WHERE message_id IN (%s)`, placeholders,
	), args...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ArchiveMessagesByIDs soft-deletes (archived=1) messages by message_id —
// used instead of DeleteMessagesByIDs when the assistant is configured to
// keep compacted messages for archival search rather than discard them.
func (s *Store) ArchiveMessagesByIDs(messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(messageIDs)
	res, err := s.db.Exec(fmt.Sprintf(
		`UPDATE messages SET archived = 1 WHERE message_id IN (%s)`, placeholders,
	), args...)
	if err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}
	return res.RowsAffected()
}

func inClause(values []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
