// Package credstore persists the bearer credential across process restarts.
//
// The token is the only piece of state the client persists. It lives in a
// single-row sqlite table, sealed at rest with a locally generated key kept
// in a sibling 0600 file.
package credstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gotrade/pkg/crypto"
)

// credentialKey is the fixed storage key for the one token slot.
const credentialKey = "credential"

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key        TEXT PRIMARY KEY,
	sealed     BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

// Store is a persistent credential store. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	cipher *crypto.TokenCipher
}

// Open opens (creating if needed) the credential database at path. Key
// material is kept at path + ".key".
func Open(path string) (*Store, error) {
	key, err := crypto.LoadOrCreateKey(path + ".key")
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	cipher, err := crypto.NewTokenCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credstore: init schema: %w", err)
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Get returns the stored token, or ("", false) when absent. A token that
// fails to unseal (key file replaced, corrupted row) is treated as absent.
func (s *Store) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM credentials WHERE key = ?`, credentialKey).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		slog.Error("credstore: read credential", "err", err)
		return "", false
	}

	token, err := s.cipher.Open(sealed)
	if err != nil {
		slog.Warn("credstore: stored credential unreadable, ignoring", "err", err)
		return "", false
	}
	return string(token), true
}

// Set stores a token, atomically replacing any prior one.
func (s *Store) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.cipher.Seal([]byte(token))
	if err != nil {
		return fmt.Errorf("credstore: seal credential: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO credentials (key, sealed, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		credentialKey, sealed,
	)
	if err != nil {
		return fmt.Errorf("credstore: store credential: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM credentials WHERE key = ?`, credentialKey); err != nil {
		return fmt.Errorf("credstore: clear credential: %w", err)
	}
	return nil
}

// Present reports whether a readable token is stored.
func (s *Store) Present() bool {
	_, ok := s.Get()
	return ok
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
