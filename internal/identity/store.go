// Package identity persists the device's own identity and onboarding flag in
// a local SQLite database.
package identity

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/unipass/backend/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	keyIdentity   = "identity"
	keyOnboarding = "onboarding_complete"
)

// Store owns the durable local identity. The identity is generated once and
// returned unchanged on every later call while the stored value stays valid.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithGenerator overrides identity generation.
func WithGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Open creates or opens the state database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect state database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}

	s := &Store{
		db:    db,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Identity returns the stored identity, generating and persisting a new one
// when none exists or the stored value is malformed.
func (s *Store) Identity(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok, err := s.get(ctx, keyIdentity)
	if err != nil {
		return "", err
	}
	if ok && validFullIdentity(stored) {
		return domain.NormalizeIdentity(stored), nil
	}

	id := domain.NormalizeIdentity(s.newID())
	if !validFullIdentity(id) {
		return "", fmt.Errorf("generated identity %q is malformed", id)
	}
	if err := s.put(ctx, keyIdentity, id); err != nil {
		return "", err
	}
	return id, nil
}

// OnboardingComplete reports the onboarding flag; absent means false.
func (s *Store) OnboardingComplete(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok, err := s.get(ctx, keyOnboarding)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetOnboardingComplete stores the onboarding flag.
func (s *Store) SetOnboardingComplete(ctx context.Context, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := "false"
	if done {
		v = "true"
	}
	return s.put(ctx, keyOnboarding, v)
}

// Reset forgets the identity and onboarding flag. The next Identity call
// generates a fresh identity.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_state`); err != nil {
		return fmt.Errorf("reset device state: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_state (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value,
    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`, key, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func validFullIdentity(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != domain.FullIdentityLength || !domain.ValidIdentity(id) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
