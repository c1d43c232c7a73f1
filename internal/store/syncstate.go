package store

import (
	"database/sql"
	"errors"
	"time"
)

// Sync state keys.
const (
	KeyConversationsSyncedAt = "conversations_synced_at"
	KeyUserID                = "user_id"
)

// SetSyncState stores a checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// GetSyncState returns a checkpoint value and whether it was present.
func (db *DB) GetSyncState(key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Purge empties the cache, keeping the schema. Used when a different user
// signs in on the same profile.
func (db *DB) Purge() error {
	for _, table := range []string{"messages", "conversations", "sync_state"} {
		if _, err := db.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}
	return nil
}
