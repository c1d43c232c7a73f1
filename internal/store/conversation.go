package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertConversation inserts or updates a confirmed conversation. Pending
// conversations exist only in memory and are skipped.
func (db *DB) UpsertConversation(c model.Conversation) error {
	if c.ID.Pending() || c.ID.IsZero() {
		return nil
	}
	return upsertConversation(db.DB, c)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertConversation(ex execer, c model.Conversation) error {
	_, err := ex.Exec(`
		INSERT INTO conversations (id, peer_id, peer_name, peer_email, last_message_at, unread, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id = excluded.peer_id,
			peer_name = excluded.peer_name,
			peer_email = excluded.peer_email,
			last_message_at = excluded.last_message_at,
			unread = excluded.unread,
			updated_at = excluded.updated_at`,
		c.ID.String(), c.Peer.ID, c.Peer.Name, c.Peer.Email, unixMilliPtr(c.LastMessageAt), c.Unread, time.Now().UnixMilli())
	return err
}

// ReplaceConversations makes the table match a fresh snapshot. Messages of
// conversations that disappeared are dropped too.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TEMP TABLE IF NOT EXISTS snapshot_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("temp table: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM snapshot_ids`); err != nil {
		return fmt.Errorf("clear temp table: %w", err)
	}
	for _, c := range convs {
		if c.ID.Pending() || c.ID.IsZero() {
			continue
		}
		if err := upsertConversation(tx, c); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO snapshot_ids (id) VALUES (?)`, c.ID.String()); err != nil {
			return fmt.Errorf("track conversation %q: %w", c.ID, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id NOT IN (SELECT id FROM snapshot_ids)`); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id NOT IN (SELECT id FROM snapshot_ids)`); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	return tx.Commit()
}

// ListConversations returns cached conversations, most recent activity first.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, peer_id, peer_name, peer_email, last_message_at, unread
		FROM conversations
		ORDER BY last_message_at IS NULL, last_message_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var (
			c    model.Conversation
			id   string
			last sql.NullInt64
		)
		if err := rows.Scan(&id, &c.Peer.ID, &c.Peer.Name, &c.Peer.Email, &last, &c.Unread); err != nil {
			return nil, err
		}
		c.ID = model.Confirmed(id)
		if last.Valid {
			t := time.UnixMilli(last.Int64).UTC()
			c.LastMessageAt = &t
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetUnread updates the unread flag of a cached conversation.
func (db *DB) SetUnread(conversationID string, unread bool) error {
	_, err := db.Exec(`UPDATE conversations SET unread = ?, updated_at = ? WHERE id = ?`,
		unread, time.Now().UnixMilli(), conversationID)
	return err
}

// DeleteConversation drops a conversation and its messages.
func (db *DB) DeleteConversation(conversationID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func unixMilliPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
