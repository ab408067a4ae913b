// Package store implements the embedded vector store over SQLite.
// Embeddings are persisted as JSON alongside content and metadata.
// When the binary is built with the sqlite_vec tag, ranking happens in
// SQL via sqlite-vec's vec_distance_cosine; otherwise similarity is
// computed in Go over a full collection scan, which is fast enough for
// per-conversation corpus sizes. Either way the store needs no external
// server.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"forge/internal/embedding"
	"forge/internal/logging"
)

// Collection names used by the retrieval layer.
const (
	CollectionDocuments     = "documents"
	CollectionConversations = "conversations"
)

// Record is one stored vector with its payload.
type Record struct {
	ID        string
	Source    string // Cascade-deletion key (document filename, or "conversation")
	Content   string
	Embedding []float32
	Metadata  map[string]interface{}
}

// SearchResult is a record with its similarity to the query vector.
type SearchResult struct {
	Record
	Similarity float64
}

// vecRegistered is flipped by the sqlite_vec-tagged init file when the
// sqlite-vec extension is compiled in.
var vecRegistered bool

// VectorStore persists two collections (documents, conversations) in one
// SQLite file. A single connection plus an RWMutex serialize writes.
type VectorStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	vec    bool // rank in SQL via vec_distance_cosine
}

// NewVectorStore opens (or creates) the store at dbPath. ":memory:" is
// supported for tests.
func NewVectorStore(dbPath string) (*VectorStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// Single connection avoids SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("setting journal_mode: %w", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster for writes
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return nil, fmt.Errorf("setting synchronous: %w", err)
	}

	s := &VectorStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if vecRegistered {
		var version string
		if err := db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
			logging.StoreError("sqlite-vec registered but not loadable, ranking in Go: %v", err)
		} else {
			s.vec = true
			logging.Store("sqlite-vec %s active, ranking in SQL", version)
		}
	}

	logging.Store("vector store opened at %s", dbPath)
	return s, nil
}

func (s *VectorStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS vectors (
		id         TEXT NOT NULL,
		collection TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		embedding  TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (id, collection)
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors(collection);
	CREATE INDEX IF NOT EXISTS idx_vectors_source ON vectors(collection, source);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Upsert inserts or replaces records in a collection.
func (s *VectorStore) Upsert(ctx context.Context, collection string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO vectors (id, collection, source, content, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		embJSON, err := json.Marshal(rec.Embedding)
		if err != nil {
			return fmt.Errorf("marshaling embedding for %s: %w", rec.ID, err)
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, collection, rec.Source, rec.Content, string(embJSON), string(metaJSON)); err != nil {
			return fmt.Errorf("upserting %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}

	logging.StoreDebug("upserted %d records into %s", len(records), collection)
	return nil
}

// Search ranks a collection by cosine similarity to the query vector and
// returns the top k records passing the optional filter.
func (s *VectorStore) Search(ctx context.Context, collection string, query []float32, k int, filter func(Record) bool) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("search %s", collection))
	defer timer.Stop()

	if s.vec {
		return s.searchVec(ctx, collection, query, k, filter)
	}
	return s.searchScan(ctx, collection, query, k, filter)
}

// searchVec ranks in SQL. sqlite-vec accepts the JSON-encoded embeddings
// directly as vector text, so rows stream back in ascending cosine
// distance and the scan stops as soon as k rows pass the filter.
func (s *VectorStore) searchVec(ctx context.Context, collection string, query []float32, k int, filter func(Record) bool) ([]SearchResult, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshaling query vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, content, embedding, metadata,
		       vec_distance_cosine(embedding, ?) AS distance
		FROM vectors
		WHERE collection = ?
		ORDER BY distance ASC`, string(queryJSON), collection)
	if err != nil {
		return nil, fmt.Errorf("ranking %s: %w", collection, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec Record
		var embJSON, metaJSON string
		var distance float64
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Content, &embJSON, &metaJSON, &distance); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &rec.Embedding); err != nil {
			logging.StoreError("corrupt embedding for %s/%s, skipping: %v", collection, rec.ID, err)
			continue
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			logging.StoreError("corrupt metadata for %s/%s, skipping: %v", collection, rec.ID, err)
			continue
		}
		if filter != nil && !filter(rec) {
			continue
		}
		results = append(results, SearchResult{Record: rec, Similarity: 1 - distance})
		if k > 0 && len(results) == k {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", collection, err)
	}
	return results, nil
}

// searchScan is the pure-Go fallback: full collection scan with cosine
// similarity computed per row.
func (s *VectorStore) searchScan(ctx context.Context, collection string, query []float32, k int, filter func(Record) bool) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, content, embedding, metadata FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", collection, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec Record
		var embJSON, metaJSON string
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Content, &embJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &rec.Embedding); err != nil {
			logging.StoreError("corrupt embedding for %s/%s, skipping: %v", collection, rec.ID, err)
			continue
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			logging.StoreError("corrupt metadata for %s/%s, skipping: %v", collection, rec.ID, err)
			continue
		}
		if filter != nil && !filter(rec) {
			continue
		}

		sim, err := embedding.CosineSimilarity(query, rec.Embedding)
		if err != nil {
			logging.StoreError("dimension mismatch for %s/%s, skipping: %v", collection, rec.ID, err)
			continue
		}
		results = append(results, SearchResult{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", collection, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DeleteBySource removes every record of a collection that came from one
// source. Used to cascade document deletion.
func (s *VectorStore) DeleteBySource(ctx context.Context, collection, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE collection = ? AND source = ?`, collection, source)
	if err != nil {
		return 0, fmt.Errorf("deleting %s from %s: %w", source, collection, err)
	}
	n, _ := res.RowsAffected()
	logging.Store("deleted %d records of source %s from %s", n, source, collection)
	return n, nil
}

// Count returns the number of records in a collection.
func (s *VectorStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// Sources lists the distinct sources present in a collection.
func (s *VectorStore) Sources(ctx context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source FROM vectors WHERE collection = ? ORDER BY source`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
