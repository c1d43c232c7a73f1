package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertMessage inserts a message or updates it in place. The stored status
// only ever moves forward.
func (db *DB) UpsertMessage(m model.Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(ex execer, m model.Message) error {
	_, err := ex.Exec(`
		INSERT INTO messages (msg_id, conversation_id, sender_id, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			status = MAX(messages.status, excluded.status)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, int(m.Status.Advance(model.StatusSent)), m.CreatedAt.UnixMilli())
	return err
}

// ReplaceMessages makes the cached messages of a conversation equal to msgs,
// in that order.
func (db *DB) ReplaceMessages(conversationID string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, m := range msgs {
		m.ConversationID = conversationID
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// AdvanceStatus raises the status of the given messages, never lowering it.
// It returns how many rows changed.
func (db *DB) AdvanceStatus(messageIDs []string, st model.Status) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, int(st), int(st))
	for _, id := range messageIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE status < ? AND msg_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMessages returns the cached messages of a conversation in arrival order.
func (db *DB) ListMessages(conversationID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, conversation_id, sender_id, body, status, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(scan func(dest ...any) error, extra ...any) (model.Message, error) {
	var (
		m         model.Message
		status    int
		createdAt int64
	)
	dest := append([]any{&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &status, &createdAt}, extra...)
	if err := scan(dest...); err != nil {
		return m, err
	}
	m.Status = model.Status(status)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return m, nil
}
