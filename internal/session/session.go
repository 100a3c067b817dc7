// Package session persists login sessions in the sessions table and
// authenticates requests by session cookie. The core data layer treats the
// table as opaque; only this package reads or writes it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/ledger/internal/store"
)

// CookieName is the cookie carrying the session id.
const CookieName = "ledger_sid"

// DefaultTTL is how long a session stays valid without renewal.
const DefaultTTL = 24 * time.Hour

// ErrNoSession reports a missing, unknown or expired session.
var ErrNoSession = errors.New("no session")

// ErrBadCredentials reports rejected login credentials.
var ErrBadCredentials = errors.New("invalid credentials")

// User is the authenticated principal attached to a session.
type User struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
	Realm    string `json:"realm,omitempty"`
}

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Realm    string `json:"realm,omitempty"`
}

// Authenticator verifies credentials against an external principal source.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*User, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (*User, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (*User, error) {
	return f(ctx, creds)
}

// Store reads and writes session rows.
type Store struct {
	client *store.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewStore creates a session store with the given time-to-live, DefaultTTL
// when zero.
func NewStore(client *store.Client, ttl time.Duration, log *slog.Logger) *Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{client: client, ttl: ttl, log: log}
}

// Create opens a session for the user and returns the new session id.
func (s *Store) Create(ctx context.Context, user *User) (string, error) {
	sid, err := newSID()
	if err != nil {
		return "", err
	}
	contents, err := json.Marshal(user)
	if err != nil {
		return "", fmt.Errorf("encode session contents: %w", err)
	}
	expire := time.Now().UTC().Add(s.ttl).Format(time.RFC3339Nano)

	err = s.client.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `
			INSERT INTO sessions (sid, contents, user_uid, expire)
			VALUES (?, ?, ?, ?)`,
			sid, string(contents), user.UID, expire)
		return err
	})
	if err != nil {
		return "", err
	}
	return sid, nil
}

// Get resolves a session id to its user. An expired row is removed on the
// way out.
func (s *Store) Get(ctx context.Context, sid string) (*User, error) {
	var contents, expire string
	found := false
	err := s.client.Unsafe(func(uc *store.Client) error {
		rows, err := uc.Query(ctx, `SELECT contents, expire FROM sessions WHERE sid = ?`, sid)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			found = true
			if err := rows.Scan(&contents, &expire); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoSession
	}

	deadline, err := time.Parse(time.RFC3339Nano, expire)
	if err != nil || !deadline.After(time.Now().UTC()) {
		if delErr := s.Delete(ctx, sid); delErr != nil {
			s.log.Warn("expired session cleanup failed", "sid", sid, "error", delErr)
		}
		return nil, ErrNoSession
	}

	var user User
	if err := json.Unmarshal([]byte(contents), &user); err != nil {
		return nil, fmt.Errorf("decode session contents: %w", err)
	}
	return &user, nil
}

// Delete removes a session row. Unknown sids are not an error.
func (s *Store) Delete(ctx context.Context, sid string) error {
	return s.client.Unsafe(func(uc *store.Client) error {
		_, err := uc.Exec(ctx, `DELETE FROM sessions WHERE sid = ?`, sid)
		return err
	})
}

// Sweep removes every expired session row and returns how many went.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	var removed int64
	err := s.client.Unsafe(func(uc *store.Client) error {
		res, err := uc.Exec(ctx, `DELETE FROM sessions WHERE expire <= ?`,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// RunSweeper sweeps on the interval until the context ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := s.Sweep(ctx); err != nil {
				s.log.Warn("session sweep failed", "error", err)
			} else if removed > 0 {
				s.log.Info("session sweep", "removed", removed)
			}
		}
	}
}

func newSID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
