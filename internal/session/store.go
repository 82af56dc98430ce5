package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors surfaced to the admission layer. The messages double as the
// user-facing error strings in HTTP responses.
var (
	ErrNameRequired  = errors.New("Name is required")
	ErrNameTooLong   = errors.New("Name must be 50 characters or less")
	ErrAlreadyOnline = errors.New("User is already online")
	ErrNotFound      = errors.New("session not found")
)

// MaxNameLength is the longest accepted username, after trimming.
const MaxNameLength = 50

// User is one row of the users table: the durable identity record for a
// username, including its current session credential and online status.
type User struct {
	Name        string
	SessionID   string
	IsOnline    bool
	LastLoginAt time.Time
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Store manages durable sessions in Postgres. One row per username; the
// session id is reassigned on every successful login and never held by two
// live connections at once.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewStore creates a session store. timeout is the staleness window: an
// online session whose last_seen_at is older than this is considered
// abandoned and eligible for takeover or reaping.
func NewStore(pool *pgxpool.Pool, timeout time.Duration) *Store {
	return &Store{
		pool:    pool,
		timeout: timeout,
	}
}

// Timeout returns the configured staleness window.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Init creates the users table and its indexes if they do not exist yet.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			name VARCHAR(50) UNIQUE NOT NULL,
			session_id VARCHAR(100),
			is_online BOOLEAN DEFAULT false,
			last_login_at TIMESTAMPTZ,
			last_seen_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_id ON users(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_is_online ON users(is_online)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// ValidateName trims the candidate name and checks the admission rules.
// Returns the trimmed name.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// Login admits a user under the given name and binds the candidate session id
// to it. Decision tree:
//   - no row for the name: create it, mark online (new user)
//   - row exists, offline: reactivate with the new session id
//   - row exists, online but stale: abandoned session, allow takeover
//   - row exists, online and fresh: reject with ErrAlreadyOnline
//
// The row is locked for the duration of the decision so concurrent logins for
// the same name serialize; only one of them can win.
func (s *Store) Login(ctx context.Context, name, sessionID string) (*User, bool, error) {
	name, err := ValidateName(name)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin login transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT name, session_id, is_online, last_login_at, last_seen_at, created_at
		 FROM users WHERE name = $1 FOR UPDATE`, name)

	existing, err := scanUser(row)
	newUser := false

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		newUser = true
	case err != nil:
		return nil, false, fmt.Errorf("failed to look up user %q: %w", name, err)
	case existing.IsOnline && time.Since(existing.LastSeenAt) <= s.timeout:
		// Actively online, not stale: no takeover.
		return nil, false, ErrAlreadyOnline
	}

	var user *User
	if newUser {
		user, err = scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (name, session_id, is_online, last_login_at, last_seen_at)
			 VALUES ($1, $2, true, now(), now())
			 RETURNING name, session_id, is_online, last_login_at, last_seen_at, created_at`,
			name, sessionID))
	} else {
		user, err = scanUser(tx.QueryRow(ctx,
			`UPDATE users
			 SET session_id = $1, is_online = true, last_login_at = now(), last_seen_at = now()
			 WHERE name = $2
			 RETURNING name, session_id, is_online, last_login_at, last_seen_at, created_at`,
			sessionID, name))
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to log in user %q: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit login for %q: %w", name, err)
	}

	return user, newUser, nil
}

// Touch refreshes last_seen_at for a live session (heartbeat).
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_seen_at = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Logout marks the session offline. Unknown session ids are a no-op.
func (s *Store) Logout(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET is_online = false WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to log out session: %w", err)
	}
	return nil
}

// ReapStale flips every online row whose last_seen_at predates the staleness
// window to offline. Run at startup to recover from crashes that skipped the
// graceful leave path. Returns the number of sessions reaped.
func (s *Store) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.timeout)
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET is_online = false
		 WHERE is_online = true AND last_seen_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindByName looks up the user row for a username.
func (s *Store) FindByName(ctx context.Context, name string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT name, session_id, is_online, last_login_at, last_seen_at, created_at
		 FROM users WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user %q: %w", name, err)
	}
	return user, nil
}

// FindBySessionID looks up the user row bound to a session id. Used by the
// realtime layer to validate the credential issued at login.
func (s *Store) FindBySessionID(ctx context.Context, sessionID string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT name, session_id, is_online, last_login_at, last_seen_at, created_at
		 FROM users WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var sessionID *string
	var lastLogin, lastSeen *time.Time

	err := row.Scan(&u.Name, &sessionID, &u.IsOnline, &lastLogin, &lastSeen, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	if sessionID != nil {
		u.SessionID = *sessionID
	}
	if lastLogin != nil {
		u.LastLoginAt = *lastLogin
	}
	if lastSeen != nil {
		u.LastSeenAt = *lastSeen
	}

	return &u, nil
}
