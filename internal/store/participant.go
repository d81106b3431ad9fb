package store

// UpsertParticipant inserts or updates a membership record. A rejoin
// clears the leave timestamp.
func (db *DB) UpsertParticipant(p *Participant) error {
	_, err := db.Exec(`
		INSERT INTO participants (conversation_id, user_id, joined_at, left_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			joined_at = excluded.joined_at,
			left_at = excluded.left_at`,
		p.ConversationID, p.UserID, p.JoinedAt, p.LeftAt)
	return err
}

// MarkParticipantLeft records that a user left a conversation at the given
// time. The row is retained; left participants must not receive
// new-message fan-out.
func (db *DB) MarkParticipantLeft(conversationID, userID string, at int64) error {
	_, err := db.Exec(`
		UPDATE participants SET left_at = ?
		WHERE conversation_id = ? AND user_id = ? AND left_at = 0`,
		at, conversationID, userID)
	return err
}

// ActiveParticipants returns members who have not left.
func (db *DB) ActiveParticipants(conversationID string) ([]Participant, error) {
	return db.participants(conversationID, true)
}

// Participants returns all membership rows including historical ones.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	return db.participants(conversationID, false)
}

func (db *DB) participants(conversationID string, activeOnly bool) ([]Participant, error) {
	q := `SELECT conversation_id, user_id, joined_at, left_at FROM participants WHERE conversation_id = ?`
	if activeOnly {
		q += ` AND left_at = 0`
	}
	rows, err := db.Query(q+` ORDER BY joined_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ps []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}
