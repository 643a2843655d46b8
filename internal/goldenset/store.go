// Package goldenset implements the append-only store of human-validated
// classifications. Entries start unpromoted; promotion into the golden
// similarity index flips each entry exactly once, from pending to promoted.
package goldenset

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fiscat/internal/logging"
)

// =============================================================================
// GOLDEN SET STORE
// =============================================================================

// Entry is one human-validated classification.
type Entry struct {
	ID                int64
	Description       string
	FinalCategoryCode string
	FinalSubCode      sql.NullString
	QualityScore      float64
	UsageCount        int64
	Promoted          bool
	CreatedAt         time.Time
}

// Store persists golden entries in SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the golden set database at the given path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open golden set database: %w", err)
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
	CREATE TABLE IF NOT EXISTS golden_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		description TEXT NOT NULL,
		final_category_code TEXT NOT NULL,
		final_sub_code TEXT,
		quality_score REAL NOT NULL DEFAULT 1.0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		promoted INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_golden_promoted ON golden_entries(promoted);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create golden set tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add appends a validated entry and returns its id. Duplicate
// (description, category, sub-code) triples are allowed; promotion handles
// idempotence, not the write path.
func (s *Store) Add(description, categoryCode string, subCode *string, qualityScore float64) (int64, error) {
	var sub sql.NullString
	if subCode != nil {
		sub = sql.NullString{String: *subCode, Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO golden_entries (description, final_category_code, final_sub_code, quality_score)
		 VALUES (?, ?, ?, ?)`,
		description, categoryCode, sub, qualityScore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert golden entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read golden entry id: %w", err)
	}

	logging.Golden("Golden entry added: id=%d category=%s", id, categoryCode)
	return id, nil
}

// PendingForPromotion returns all entries not yet promoted, oldest first.
func (s *Store) PendingForPromotion() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, description, final_category_code, final_sub_code, quality_score, usage_count, promoted, created_at
		 FROM golden_entries WHERE promoted = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Description, &e.FinalCategoryCode, &e.FinalSubCode,
			&e.QualityScore, &e.UsageCount, &e.Promoted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan golden entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPromoted flips the promoted flag. Idempotent: a second call on the
// same id is a no-op, not an error.
func (s *Store) MarkPromoted(id int64) error {
	_, err := s.db.Exec("UPDATE golden_entries SET promoted = 1 WHERE id = ? AND promoted = 0", id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d promoted: %w", id, err)
	}
	return nil
}

// RecordUsage increments the usage counter, called whenever a golden
// retrieval result is actually used downstream.
func (s *Store) RecordUsage(id int64) error {
	_, err := s.db.Exec("UPDATE golden_entries SET usage_count = usage_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to record usage for entry %d: %w", id, err)
	}
	return nil
}

// Get returns one entry by id.
func (s *Store) Get(id int64) (*Entry, error) {
	var e Entry
	err := s.db.QueryRow(
		`SELECT id, description, final_category_code, final_sub_code, quality_score, usage_count, promoted, created_at
		 FROM golden_entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.Description, &e.FinalCategoryCode, &e.FinalSubCode,
		&e.QualityScore, &e.UsageCount, &e.Promoted, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load golden entry %d: %w", id, err)
	}
	return &e, nil
}

// Stats returns counts for diagnostics.
func (s *Store) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, pending int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM golden_entries").Scan(&total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM golden_entries WHERE promoted = 0").Scan(&pending); err != nil {
		return nil, err
	}
	stats["total"] = total
	stats["pending"] = pending
	stats["promoted"] = total - pending

	return stats, nil
}
