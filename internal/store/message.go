package store

import (
	"database/sql"
	"math"
	"strings"
)

const upsertMessageSQL = `
	INSERT INTO messages (id, conversation_id, sender_id, body, created_at, pending, edited_at, deleted_at, version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		sender_id = excluded.sender_id,
		body = excluded.body,
		created_at = excluded.created_at,
		pending = excluded.pending,
		edited_at = excluded.edited_at,
		deleted_at = excluded.deleted_at,
		version = excluded.version
	WHERE excluded.version > messages.version`

// UpsertMessage applies a message write under the last-writer-wins rule:
// an incoming record with a version (max of created/edited/deleted
// timestamps) not newer than the stored one is ignored. Replaying the same
// event is a no-op. Returns whether the write was applied. Local read
// state is never touched by remote writes.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(upsertMessageSQL,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, m.Pending, m.EditedAt, m.DeletedAt, m.version())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SoftDeleteMessage sets deleted-at by identifier. It is the only path for
// delete events: it never creates a row and never touches message content.
// Returns the owning conversation id and whether the message was still
// unread, so the caller can adjust counters; conversationID is empty when
// the message is unknown or the delete was stale.
func (db *DB) SoftDeleteMessage(id string, deletedAt int64) (conversationID string, wasUnread bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var convID, senderID string
	var readAt, prevDeleted int64
	err = tx.QueryRow(`SELECT conversation_id, sender_id, read_at, deleted_at FROM messages WHERE id = ?`, id).
		Scan(&convID, &senderID, &readAt, &prevDeleted)
	if err == sql.ErrNoRows {
		return "", false, tx.Commit()
	}
	if err != nil {
		return "", false, err
	}
	if prevDeleted != 0 && prevDeleted >= deletedAt {
		return "", false, tx.Commit()
	}

	if _, err := tx.Exec(`
		UPDATE messages SET deleted_at = ?, version = MAX(version, ?) WHERE id = ?`,
		deletedAt, deletedAt, id); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return convID, readAt == 0, nil
}

// GetMessage returns a message by id, or nil if unknown.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, sender_id, body, created_at, pending, edited_at, deleted_at, read_at, version
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Pending, &m.EditedAt, &m.DeletedAt, &m.ReadAt, &m.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// over (created_at, id) descending. The id tie-break keeps the order
// stable when two messages share a timestamp, regardless of arrival order.
// beforeTs <= 0 means "from the newest".
func (db *DB) ListMessages(conversationID string, beforeTs int64, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
		beforeID = ""
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, body, created_at, pending, edited_at, deleted_at, read_at, version
		FROM messages
		WHERE conversation_id = ?
			AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeTs, beforeTs, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Pending, &m.EditedAt, &m.DeletedAt, &m.ReadAt, &m.Version); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// NewestConfirmedTimestamp returns the created-at of the newest
// server-confirmed message in a conversation, or 0 if there is none.
// Pending messages are excluded: their timestamps are local guesses.
func (db *DB) NewestConfirmedTimestamp(conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`
		SELECT MAX(created_at) FROM messages WHERE conversation_id = ? AND pending = 0`,
		conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// MarkMessagesRead sets read-at on exactly the given messages, skipping
// ones already read, deleted, or authored by excludeSender. The owning
// conversation's unread count is decremented by the number of rows that
// actually changed, which is what makes read-state clearing incremental.
// Returns the ids that were newly marked read.
func (db *DB) MarkMessagesRead(conversationID string, ids []string, excludeSender string, at int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+3)
	args = append(args, conversationID, excludeSender)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := tx.Query(`
		SELECT id FROM messages
		WHERE conversation_id = ? AND read_at = 0 AND deleted_at = 0 AND sender_id != ?
			AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(marked) == 0 {
		return nil, tx.Commit()
	}

	markedArgs := make([]any, 0, len(marked)+1)
	markedArgs = append(markedArgs, at)
	for _, id := range marked {
		markedArgs = append(markedArgs, id)
	}
	markedPlaceholders := strings.Repeat("?,", len(marked)-1) + "?"
	if _, err := tx.Exec(`UPDATE messages SET read_at = ? WHERE id IN (`+markedPlaceholders+`)`, markedArgs...); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET unread_count = MAX(0, unread_count - ?) WHERE id = ?`,
		len(marked), conversationID); err != nil {
		return nil, err
	}

	return marked, tx.Commit()
}
