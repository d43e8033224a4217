package db

import (
	"context"

	"chatd/protocol"
)

// Message methods

// SaveMessage persists m and returns its assigned id.
func (db *DB) SaveMessage(ctx context.Context, m protocol.Message) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, msg_type, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		m.SenderID, m.ReceiverID, int(m.Type), m.Content, m.Timestamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// History returns up to limit messages exchanged between a and b, newest first.
func (db *DB) History(ctx context.Context, a, b int64, limit int) ([]protocol.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, msg_type, content, timestamp
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, a, b, b, a, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func scanMessage(row rowScanner) (protocol.Message, error) {
	var m protocol.Message
	var typ int
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &typ, &m.Content, &m.Timestamp); err != nil {
		return protocol.Message{}, err
	}
	m.Type = protocol.MessageType(typ)
	return m, nil
}
