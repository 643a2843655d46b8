package hierarchy

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"fiscat/internal/logging"
)

// =============================================================================
// SQLITE LOADER
// =============================================================================

// Store persists the code hierarchy in SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the hierarchy database at the given path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hierarchy database: %w", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS codes (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_code TEXT NOT NULL,
		sub_code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 1.0,
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_code, sub_code)
	);
	CREATE INDEX IF NOT EXISTS idx_mappings_owner ON mappings(owner_code);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create hierarchy tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertCode inserts or updates a category code.
func (s *Store) UpsertCode(code, description string) error {
	norm := Normalize(code)
	if !isNumeric(norm) {
		return &MalformedCodeError{Code: code}
	}
	_, err := s.db.Exec(
		"INSERT INTO codes (code, description) VALUES (?, ?) ON CONFLICT(code) DO UPDATE SET description = excluded.description",
		norm, description,
	)
	return err
}

// UpsertMapping inserts or updates a direct sub-code mapping.
func (s *Store) UpsertMapping(ownerCode, subCode, description string, confidence float64, source string) error {
	norm := Normalize(ownerCode)
	if !isNumeric(norm) {
		return &MalformedCodeError{Code: ownerCode}
	}
	_, err := s.db.Exec(
		`INSERT INTO mappings (owner_code, sub_code, description, confidence, source)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner_code, sub_code) DO UPDATE SET
		   description = excluded.description,
		   confidence = excluded.confidence,
		   source = excluded.source`,
		norm, subCode, description, confidence, source,
	)
	return err
}

// LoadIndex builds a fully inherited Index from the database.
// Malformed codes abort the load with a MalformedCodeError; the index build
// fails fast rather than silently skipping entries.
func (s *Store) LoadIndex(inheritedConfScale float64) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryHierarchy, "LoadIndex")
	defer timer.StopWithInfo()

	idx := NewIndex(inheritedConfScale)

	rows, err := s.db.Query("SELECT code, description FROM codes")
	if err != nil {
		return nil, fmt.Errorf("failed to load codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var code, description string
		if err := rows.Scan(&code, &description); err != nil {
			return nil, fmt.Errorf("failed to scan code row: %w", err)
		}
		if err := idx.AddNode(code, description); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate codes: %w", err)
	}

	mrows, err := s.db.Query("SELECT owner_code, sub_code, description, confidence, source FROM mappings")
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var owner, sub, description, source string
		var confidence float64
		if err := mrows.Scan(&owner, &sub, &description, &confidence, &source); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		if err := idx.AddMapping(owner, sub, description, confidence, source); err != nil {
			return nil, err
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mappings: %w", err)
	}

	idx.ApplyInheritance()
	logging.Hierarchy("Hierarchy index loaded: %d codes from %s", idx.Size(), s.dbPath)

	return idx, nil
}

// Stats returns counts for diagnostics.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var codes int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM codes").Scan(&codes); err != nil {
		return nil, err
	}
	stats["codes"] = codes

	var mappings int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM mappings").Scan(&mappings); err != nil {
		return nil, err
	}
	stats["mappings"] = mappings

	return stats, nil
}
