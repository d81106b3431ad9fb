package store

import (
	"database/sql"
	"time"
)

// IncrementUnread applies a fast-path unread adjustment for a single
// conversation. delta may be negative; the count never goes below zero.
func (db *DB) IncrementUnread(conversationID string, delta int) error {
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = MAX(0, unread_count + ?), updated_at = ?
		WHERE id = ?`,
		delta, time.Now().UnixMilli(), conversationID)
	return err
}

// SetUnreadCounts overwrites all unread counters with the authoritative
// server counts in one transaction. Conversations absent from the map are
// zeroed; counts for conversations not yet known locally create a stub so
// the badge is correct before metadata arrives.
func (db *DB) SetUnreadCounts(counts map[string]int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ?`, now); err != nil {
		return err
	}
	for id, count := range counts {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, unread_count, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			id, count, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnreadCounts returns the per-conversation unread counters (nonzero only).
func (db *DB) UnreadCounts() (map[string]int, error) {
	rows, err := db.Query(`SELECT id, unread_count FROM conversations WHERE unread_count > 0`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var c int
		if err := rows.Scan(&id, &c); err != nil {
			return nil, err
		}
		counts[id] = c
	}
	return counts, rows.Err()
}

// UnreadCount returns the unread counter for one conversation. An unknown
// conversation reads as zero.
func (db *DB) UnreadCount(conversationID string) (int, error) {
	var c int
	err := db.QueryRow(`SELECT unread_count FROM conversations WHERE id = ?`, conversationID).Scan(&c)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c, nil
}

// TotalUnread returns the global badge value. It is the sum of the same
// per-conversation counters the UI reads, computed in one query, so the
// badge always equals the sum by construction.
func (db *DB) TotalUnread() (int, error) {
	var total int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread_count), 0) FROM conversations WHERE archived = 0`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}
