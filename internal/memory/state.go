package memory

import "database/sql"

// GetState returns a system_state value, or def if the key is unset.
func (s *Store) GetState(key, def string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM system_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// SetState upserts a system_state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, strftime('%s','now')*1000)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}
