package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatd/models"
)

// Friendship methods

// UpsertEdge creates or updates the edge e.UserID -> e.FriendID. Accepted edges are
// terminal and are never rewritten.
func (db *DB) UpsertEdge(ctx context.Context, e models.Friendship) error {
	return upsertEdge(ctx, db.conn, e.UserID, e.FriendID, e.Status)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEdge(ctx context.Context, ex execer, user, friend int64, status models.FriendStatus) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO friendships (user_id, friend_id, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, friend_id) DO UPDATE
		SET status = excluded.status, updated_at = excluded.updated_at
		WHERE friendships.status != ?`,
		user, friend, int(status), time.Now().Unix(), int(models.FriendAccepted),
	)
	return err
}

// EdgeStatus returns the status of user -> friend or ErrNoRows.
func (db *DB) EdgeStatus(ctx context.Context, user, friend int64) (models.FriendStatus, error) {
	var status int
	err := db.conn.QueryRowContext(ctx,
		"SELECT status FROM friendships WHERE user_id = ? AND friend_id = ?", user, friend,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRows
	}
	return models.FriendStatus(status), err
}

func (db *DB) CountAcceptedEdge(ctx context.Context, a, b int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM friendships WHERE user_id = ? AND friend_id = ? AND status = ?",
		a, b, int(models.FriendAccepted),
	).Scan(&count)
	return count, err
}

// ListAcceptedFriends returns the users reachable from userID over accepted edges.
func (db *DB) ListAcceptedFriends(ctx context.Context, userID int64) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT u.id, u.username, u.nickname, u.avatar_url, u.status, u.last_login
		FROM users u INNER JOIN friendships f ON u.id = f.friend_id
		WHERE f.user_id = ? AND f.status = ?
		ORDER BY u.username`,
		userID, int(models.FriendAccepted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		friends = append(friends, *u)
	}
	return friends, rows.Err()
}

// ResolveFriendRequest answers the pending request from -> to and returns
// the resulting status of that edge. Accepting creates the reciprocal edge
// in the same transaction. Edges that are no longer pending are left as is,
// except that accepting an accepted edge repairs a missing reciprocal.
func (db *DB) ResolveFriendRequest(ctx context.Context, from, to int64, accept bool) (models.FriendStatus, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM friendships WHERE user_id = ? AND friend_id = ?", from, to,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRows
	}
	if err != nil {
		return 0, err
	}

	status := models.FriendStatus(current)
	switch {
	case status == models.FriendPending && accept:
		status = models.FriendAccepted
	case status == models.FriendPending:
		status = models.FriendRejected
	case status == models.FriendAccepted && accept:
	default:
		return status, nil
	}

	if err := upsertEdge(ctx, tx, from, to, status); err != nil {
		return 0, err
	}
	if status == models.FriendAccepted {
		if err := upsertEdge(ctx, tx, to, from, models.FriendAccepted); err != nil {
			return 0, err
		}
	}
	return status, tx.Commit()
}
