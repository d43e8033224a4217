package db

import (
	"context"

	"chatd/protocol"
)

// Offline queue methods

func (db *DB) EnqueueOffline(ctx context.Context, userID int64, m protocol.Message) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO offline_messages (user_id, message_id, sender_id, receiver_id, msg_type, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, m.ID, m.SenderID, m.ReceiverID, int(m.Type), m.Content, m.Timestamp,
	)
	return err
}

// DrainOffline returns every queued message for userID in enqueue order and
// deletes them in the same transaction.
func (db *DB) DrainOffline(ctx context.Context, userID int64) ([]protocol.Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_id, sender_id, receiver_id, msg_type, content, timestamp
		FROM offline_messages WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}

	var messages []protocol.Message
	var lastID int64
	for rows.Next() {
		var m protocol.Message
		var typ int
		if err := rows.Scan(&lastID, &m.ID, &m.SenderID, &m.ReceiverID, &typ, &m.Content, &m.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		m.Type = protocol.MessageType(typ)
		messages = append(messages, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM offline_messages WHERE user_id = ? AND id <= ?", userID, lastID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (db *DB) CountOffline(ctx context.Context, userID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_messages WHERE user_id = ?", userID,
	).Scan(&count)
	return count, err
}
