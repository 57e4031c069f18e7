// Package prefs persists UI preferences (active tab, filters, theme) in a
// small SQLite key-value table. Preferences are cosmetic state: the sync
// engine never reads them, and losing the file only resets the UI to
// defaults.
package prefs

import (
	"database/sql"
	"log"
	"sync"

	// Pure-Go SQLite driver, registered for database/sql. No CGO, which
	// keeps cross-compilation and testing simple.
	_ "modernc.org/sqlite"

	apperrors "github.com/issuedeck/client/internal/errors"
)

// Well-known preference names. Using constants keeps call sites and the
// stored rows in agreement.
const (
	KeyActiveTab    = "view.active_tab"
	KeyBoardColumns = "view.board_columns"
	KeyFilterSearch = "filter.search"
	KeyFilterLabels = "filter.labels"
	KeyThemeName    = "theme.name"
)

const schema = `
CREATE TABLE IF NOT EXISTS preferences (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed preference store. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the preference database at path and initializes
// the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePrefOpenFailed, "open preference database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodePrefOpenFailed, "ping preference database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodePrefOpenFailed, "init preference schema", err)
	}

	log.Printf("prefs: database ready at %s", path)
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for name, or prefs.not_found.
func (s *Store) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", apperrors.PrefNotFound(name)
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodePrefQueryFailed, "read preference", err)
	}
	return value, nil
}

// GetDefault returns the stored value for name, or fallback when unset.
func (s *Store) GetDefault(name, fallback string) string {
	value, err := s.Get(name)
	if err != nil {
		return fallback
	}
	return value
}

// Set stores value under name, replacing any previous value.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO preferences (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePrefQueryFailed, "write preference", err)
	}
	return nil
}

// Delete removes name. Deleting an unset name is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM preferences WHERE name = ?`, name); err != nil {
		return apperrors.Wrap(apperrors.CodePrefQueryFailed, "delete preference", err)
	}
	return nil
}

// List returns all stored preferences as a name→value map.
func (s *Store) List() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT name, value FROM preferences ORDER BY name`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePrefQueryFailed, "list preferences", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, apperrors.Wrap(apperrors.CodePrefQueryFailed, "scan preference row", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePrefQueryFailed, "iterate preferences", err)
	}
	return out, nil
}
