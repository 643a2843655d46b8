// Package vectorstore implements a SQLite-backed similarity index with an
// in-memory snapshot for lock-free concurrent queries. Two instances are
// used: one over the main knowledge corpus, one over the golden set.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"fiscat/internal/embedding"
	"fiscat/internal/logging"
	"fiscat/internal/retrieval"
)

// =============================================================================
// VECTOR STORE
// =============================================================================

// entry is one embedded document in the snapshot.
type entry struct {
	id       string
	content  string
	metadata map[string]interface{}
	vector   []float32
}

// snapshot is an immutable view of all vectors. Readers load the current
// snapshot once per query; writers build a new slice and swap the pointer,
// so promotion never blocks concurrent queries.
type snapshot struct {
	entries []entry
}

// VectorStore persists embedded documents in SQLite and serves similarity
// queries from an atomic in-memory snapshot.
type VectorStore struct {
	db     *sql.DB
	dbPath string
	name   string
	engine embedding.Engine

	writeMu sync.Mutex // serializes Add and reload against each other
	snap    atomic.Pointer[snapshot]
}

// NewVectorStore opens (or creates) a vector store at the given path and
// loads the snapshot. name identifies the store in logs ("main", "golden").
func NewVectorStore(path, name string, engine embedding.Engine) (*VectorStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewVectorStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}

	s := &VectorStore{
		db:     db,
		dbPath: path,
		name:   name,
		engine: engine,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Vector store %q ready: %d vectors from %s", name, s.Count(), path)
	return s, nil
}

// initialize creates the required tables.
func (s *VectorStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vectors table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *VectorStore) Close() error {
	return s.db.Close()
}

// Count returns the number of vectors in the current snapshot.
func (s *VectorStore) Count() int {
	snap := s.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.entries)
}

// reload rebuilds the snapshot from the database and swaps it in.
func (s *VectorStore) reload() error {
	rows, err := s.db.Query("SELECT id, content, embedding, metadata FROM vectors")
	if err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var id, content, embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &content, &embJSON, &metaJSON); err != nil {
			return fmt.Errorf("failed to scan vector row: %w", err)
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping vector %s with corrupt embedding: %v", id, err)
			continue
		}

		e := entry{id: id, content: content, vector: vec}
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &e.metadata)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate vectors: %w", err)
	}

	s.snap.Store(&snapshot{entries: entries})
	return nil
}

// =============================================================================
// SIMILARITY INDEX CONTRACT
// =============================================================================

// Query embeds the text and returns the top-k entries ranked by cosine
// similarity, descending. Safe for unbounded concurrent callers.
func (s *VectorStore) Query(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("Query[%s]", s.name))
	defer timer.Stop()

	if k <= 0 {
		return nil, nil
	}

	snap := s.snap.Load()
	if snap == nil || len(snap.entries) == 0 {
		return nil, nil
	}

	queryVec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type candidate struct {
		entry      entry
		similarity float64
	}

	candidates := make([]candidate, 0, len(snap.entries))
	for _, e := range snap.entries {
		similarity, err := embedding.CosineSimilarity(queryVec, e.vector)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{entry: e, similarity: similarity})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]retrieval.Result, len(candidates))
	for i, c := range candidates {
		meta := c.entry.metadata
		if meta == nil {
			meta = make(map[string]interface{})
		}
		results[i] = retrieval.Result{
			ID:       c.entry.id,
			Text:     c.entry.content,
			Metadata: meta,
			Score:    c.similarity,
		}
	}
	return results, nil
}

// Add embeds the text, persists it, and publishes a new snapshot. Existing
// vectors are untouched; readers mid-query keep the snapshot they started
// with. An existing id is overwritten.
func (s *VectorStore) Add(ctx context.Context, id, text string, metadata map[string]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed content: %w", err)
	}

	embJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	metaJSON, _ := json.Marshal(metadata)

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO vectors (id, content, embedding, metadata) VALUES (?, ?, ?, ?)",
		id, text, string(embJSON), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to persist vector: %w", err)
	}

	// Copy-on-write snapshot update: append (or replace) without touching
	// the published slice.
	old := s.snap.Load()
	var entries []entry
	if old != nil {
		entries = make([]entry, 0, len(old.entries)+1)
		for _, e := range old.entries {
			if e.id != id {
				entries = append(entries, e)
			}
		}
	}
	entries = append(entries, entry{id: id, content: text, metadata: metadata, vector: vec})
	s.snap.Store(&snapshot{entries: entries})

	logging.StoreDebug("Vector added to %q: id=%s (%d total)", s.name, id, len(entries))
	return nil
}

// Stats returns diagnostics about the store.
func (s *VectorStore) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"name":    s.name,
		"path":    s.dbPath,
		"vectors": s.Count(),
	}
	if s.engine != nil {
		stats["embedding_engine"] = s.engine.Name()
		stats["embedding_dimensions"] = s.engine.Dimensions()
	}
	return stats
}
