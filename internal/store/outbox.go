package store

import (
	"database/sql"
	"fmt"
)

// EnqueueSend atomically inserts a pending local message and its outbox
// entry. The message uses the correlation id as its identifier until the
// server assigns the real one, so the UI reflects the send immediately.
func (db *DB) EnqueueSend(correlationID, conversationID, senderID, body string, now int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at, pending, read_at, version)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		correlationID, conversationID, senderID, body, now, now, now); err != nil {
		return fmt.Errorf("insert pending message: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO outbox (correlation_id, conversation_id, sender_id, body, created_at, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`,
		correlationID, conversationID, senderID, body, now); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		now, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// DueOutbox returns pending entries whose retry time has arrived, oldest
// first. Entries in sending or failed state are never returned.
func (db *DB) DueOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT correlation_id, conversation_id, sender_id, body, created_at, attempts, next_retry_at, status, last_error
		FROM outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

// MarkOutboxSending claims an entry for the drain worker.
func (db *DB) MarkOutboxSending(correlationID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending' WHERE correlation_id = ?`, correlationID)
	return err
}

// ResetStuckSending returns entries left in sending state to the pending
// queue. Called once at startup, before the drain loop runs: at that point
// no send can legitimately be in flight, so any sending row is a leftover
// claim from a previous process run.
func (db *DB) ResetStuckSending() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'pending', next_retry_at = 0 WHERE status = 'sending'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RescheduleOutbox records a transient failure and schedules the next
// attempt.
func (db *DB) RescheduleOutbox(correlationID string, attempts int, nextRetryAt int64, lastError string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'pending', attempts = ?, next_retry_at = ?, last_error = ?
		WHERE correlation_id = ?`,
		attempts, nextRetryAt, lastError, correlationID)
	return err
}

// MarkOutboxTerminal promotes an entry to terminal failure. The entry and
// its pending message stay visible until the user retries or dismisses.
func (db *DB) MarkOutboxTerminal(correlationID, lastError string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', last_error = ? WHERE correlation_id = ?`,
		lastError, correlationID)
	return err
}

// ConfirmSend replaces the pending local message with the server-confirmed
// one and removes the outbox entry, in one transaction.
func (db *DB) ConfirmSend(correlationID string, confirmed *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND pending = 1`, correlationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE correlation_id = ?`, correlationID); err != nil {
		return err
	}
	if _, err := tx.Exec(upsertMessageSQL,
		confirmed.ID, confirmed.ConversationID, confirmed.SenderID, confirmed.Body,
		confirmed.CreatedAt, false, confirmed.EditedAt, confirmed.DeletedAt, confirmed.version()); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		confirmed.CreatedAt, confirmed.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

// DropPendingSend removes a pending message and its outbox entry without
// inserting a replacement. Used when the confirmed copy arrives on its own
// (realtime echo) and will be upserted by the caller.
func (db *DB) DropPendingSend(correlationID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND pending = 1`, correlationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE correlation_id = ?`, correlationID); err != nil {
		return err
	}
	return tx.Commit()
}

// MatchPendingSend finds the oldest not-yet-resolved entry matching
// conversation, sender, and exact body within the time window. This is the
// best-effort fallback for transports that do not echo the correlation id;
// scoping to unresolved entries keeps duplicate bodies from mis-matching
// an already-confirmed send. Returns "" when nothing matches.
func (db *DB) MatchPendingSend(conversationID, senderID, body string, windowStart int64) (string, error) {
	var corr string
	err := db.QueryRow(`
		SELECT correlation_id FROM outbox
		WHERE conversation_id = ? AND sender_id = ? AND body = ?
			AND status IN ('pending', 'sending') AND created_at >= ?
		ORDER BY created_at ASC LIMIT 1`,
		conversationID, senderID, body, windowStart).Scan(&corr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return corr, nil
}

// FailedOutbox returns terminal-failure entries for the UI's retry/dismiss
// affordance.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT correlation_id, conversation_id, sender_id, body, created_at, attempts, next_retry_at, status, last_error
		FROM outbox WHERE status = 'failed' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

// RetryOutbox resets a terminal-failure entry for a fresh attempt budget.
func (db *DB) RetryOutbox(correlationID string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'pending', attempts = 0, next_retry_at = 0, last_error = ''
		WHERE correlation_id = ? AND status = 'failed'`, correlationID)
	return err
}

// DismissOutbox discards a terminal-failure entry and its pending message.
func (db *DB) DismissOutbox(correlationID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM outbox WHERE correlation_id = ? AND status = 'failed'`, correlationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ? AND pending = 1`, correlationID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var status string
		if err := rows.Scan(&e.CorrelationID, &e.ConversationID, &e.SenderID, &e.Body, &e.CreatedAt, &e.Attempts, &e.NextRetryAt, &status, &e.LastError); err != nil {
			return nil, err
		}
		e.Status = OutboxStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
