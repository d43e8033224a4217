package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"chatd/models"
)

var (
	ErrNoRows    = errors.New("no rows found")
	ErrDuplicate = errors.New("duplicate key")
)

// DB is the persistent store. All methods are safe for concurrent use; the
// underlying pool is bounded by Options.MaxConns.
type DB struct {
	conn *sql.DB
}

type Options struct {
	MaxConns    int
	BusyTimeout time.Duration
}

func New(path string, opts Options) (*DB, error) {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 8
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		path, opts.BusyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(opts.MaxConns)
	conn.SetMaxIdleConns(opts.MaxConns)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the store is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			nickname TEXT NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			msg_type INTEGER NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			friend_id INTEGER NOT NULL,
			status INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS offline_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			msg_type INTEGER NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_friendships_user ON friendships(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_user ON offline_messages(user_id, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema revision.
func (db *DB) migrate() error {
	columns := []struct {
		name, ddl string
	}{
		{"avatar_url", "ALTER TABLE users ADD COLUMN avatar_url TEXT NOT NULL DEFAULT ''"},
		{"last_login", "ALTER TABLE users ADD COLUMN last_login INTEGER NOT NULL DEFAULT 0"},
	}

	for _, c := range columns {
		if db.columnExists("users", c.name) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

// InsertUser creates a user. Uniqueness of the username is enforced by the
// schema, so the check and the insert are one statement.
func (db *DB) InsertUser(ctx context.Context, username, passwordHash, nickname string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, nickname, created_at) VALUES (?, ?, ?, ?)",
		username, passwordHash, nickname, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

// UserCredentials returns the id and stored password hash for username.
func (db *DB) UserCredentials(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, password_hash FROM users WHERE username = ?", username,
	).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNoRows
	}
	return id, hash, err
}

const userColumns = "id, username, nickname, avatar_url, status, last_login"

func (db *DB) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	return scanUser(row)
}

func (db *DB) UserByID(ctx context.Context, id int64) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// SetUserOnline updates the status flag; going online also stamps last_login.
func (db *DB) SetUserOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	var err error
	if online {
		_, err = db.conn.ExecContext(ctx,
			"UPDATE users SET status = 1, last_login = ? WHERE id = ?", at.Unix(), id)
	} else {
		_, err = db.conn.ExecContext(ctx, "UPDATE users SET status = 0 WHERE id = ?", id)
	}
	return err
}

// ResetOnline clears stale online flags left by an unclean shutdown.
func (db *DB) ResetOnline(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE users SET status = 0 WHERE status != 0")
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var status int
	var lastLogin int64
	err := row.Scan(&u.ID, &u.Username, &u.Nickname, &u.AvatarURL, &status, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.Online = status == 1
	if lastLogin > 0 {
		u.LastLoginTime = time.Unix(lastLogin, 0).UTC()
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
