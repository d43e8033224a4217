// Package directory manages user accounts: registration, credential checks
// and the persisted online flag.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"chatd/db"
	"chatd/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidInput       = errors.New("invalid registration data")
)

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 6
	maxPasswordLen = 128 // bcrypt ignores everything past 72 bytes, but the limit is enforced anyway
	maxNicknameLen = 32
)

// CredentialStore is the part of the database the directory needs.
type CredentialStore interface {
	InsertUser(ctx context.Context, username, passwordHash, nickname string) (int64, error)
	UserCredentials(ctx context.Context, username string) (int64, string, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id int64) (*models.User, error)
	SetUserOnline(ctx context.Context, id int64, online bool, at time.Time) error
}

type Directory struct {
	store CredentialStore
	log   *slog.Logger
	cost  int
}

type Option func(*Directory)

// WithHashCost overrides the bcrypt cost used for new passwords.
func WithHashCost(cost int) Option {
	return func(d *Directory) { d.cost = cost }
}

func New(store CredentialStore, log *slog.Logger, opts ...Option) *Directory {
	d := &Directory{store: store, log: log, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Authenticate checks username and password. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	id, hash, err := d.store.UserCredentials(ctx, username)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("compare password: %w", err)
	}

	u, err := d.store.UserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return u, nil
}

// RegisterUser creates an account and returns its id. The uniqueness check
// and the insert are the same statement, so concurrent registrations of one
// name yield exactly one success.
func (d *Directory) RegisterUser(ctx context.Context, username, password, nickname string) (int64, error) {
	username = strings.TrimSpace(username)
	nickname = strings.TrimSpace(nickname)
	if err := validate(username, password, nickname); err != nil {
		return 0, err
	}
	if nickname == "" {
		nickname = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	id, err := d.store.InsertUser(ctx, username, string(hash), nickname)
	if errors.Is(err, db.ErrDuplicate) {
		return 0, ErrDuplicateUsername
	}
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}

	d.log.Info("User registered", "id", id, "username", username)
	return id, nil
}

// LookupByUsername returns nil, nil when no such user exists.
func (d *Directory) LookupByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := d.store.UserByUsername(ctx, username)
	if errors.Is(err, db.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", username, err)
	}
	return u, nil
}

// Exists reports whether an account with the given id exists.
func (d *Directory) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := d.store.UserByID(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user %d: %w", id, err)
	}
	return true, nil
}

func (d *Directory) MarkOnline(ctx context.Context, id int64) error {
	return d.store.SetUserOnline(ctx, id, true, time.Now().UTC())
}

func (d *Directory) MarkOffline(ctx context.Context, id int64) error {
	return d.store.SetUserOnline(ctx, id, false, time.Now().UTC())
}

func validate(username, password, nickname string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLen, maxUsernameLen)
	}
	if strings.IndexFunc(username, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: username must not contain whitespace", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(password); n < minPasswordLen || n > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, minPasswordLen, maxPasswordLen)
	}
	if utf8.RuneCountInString(nickname) > maxNicknameLen {
		return fmt.Errorf("%w: nickname is longer than %d characters", ErrInvalidInput, maxNicknameLen)
	}
	return nil
}
