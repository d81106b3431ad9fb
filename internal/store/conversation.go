package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. The unread
// counter is deliberately not written here: it has a single mutation path
// through the unread operations so that the badge sum stays consistent.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, title, image_ref, created_at, last_activity_at, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			image_ref = excluded.image_ref,
			created_at = CASE WHEN conversations.created_at = 0 THEN excluded.created_at ELSE conversations.created_at END,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Kind), c.Title, c.ImageRef, c.CreatedAt, c.LastActivityAt, c.Archived, now)
	return err
}

// EnsureConversation inserts a minimal stub if the conversation is not yet
// known locally. Used when a message arrives before its conversation
// metadata could be fetched; the stub is filled in by a later upsert.
func (db *DB) EnsureConversation(id string, activityAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_activity_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at)`,
		id, activityAt, now)
	return err
}

// TouchConversation advances a conversation's last-activity timestamp.
// Monotonic: an older timestamp never moves it backwards.
func (db *DB) TouchConversation(id string, activityAt int64) error {
	_, err := db.Exec(`
		UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?), updated_at = ?
		WHERE id = ?`,
		activityAt, time.Now().UnixMilli(), id)
	return err
}

// ArchiveConversation soft-hides a conversation from the list. Rows are
// never hard-deleted.
func (db *DB) ArchiveConversation(id string) error {
	_, err := db.Exec(`UPDATE conversations SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// ListConversations returns non-archived conversations ordered by
// last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, title, image_ref, created_at, last_activity_at, archived, unread_count
		FROM conversations
		WHERE archived = 0
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var kind string
		if err := rows.Scan(&c.ID, &kind, &c.Title, &c.ImageRef, &c.CreatedAt, &c.LastActivityAt, &c.Archived, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.Kind = ConversationKind(kind)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var kind string
	err := db.QueryRow(`
		SELECT id, kind, title, image_ref, created_at, last_activity_at, archived, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &kind, &c.Title, &c.ImageRef, &c.CreatedAt, &c.LastActivityAt, &c.Archived, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Kind = ConversationKind(kind)
	return &c, nil
}
