// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// Entry is one cached prompt/response pair as stored in SQLite.
type Entry struct {
	ID           int64
	QueryText    string
	ResponseText string
	Embedding    []float32
	CreatedAt    time.Time
	AccessCount  int64
	LastAccessed time.Time
}

// IndexedEmbedding pairs a row id with its stored embedding, used to rebuild
// the vector index from the store.
type IndexedEmbedding struct {
	ID        int64
	Embedding []float32
}

// Store is the durable record store backing the semantic cache. The store is
// the source of truth; the vector index is derived from it. Callers serialize
// access (single-writer discipline).
type Store struct {
	db   *sql.DB
	path string
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_text TEXT NOT NULL,
	response_text TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at REAL NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_created_at ON cache_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_last_accessed ON cache_entries(last_accessed);
`

// OpenStore opens (or creates) the cache database at path. A corrupt database
// file is preserved under a .corrupt-<unix> suffix for diagnosis and the
// store is reinitialized empty rather than failing.
func OpenStore(path string) (*Store, error) {
	s, err := openStoreOnce(path)
	if err == nil {
		return s, nil
	}

	backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	log.Warnf("cache store at %s is unusable (%v); preserving as %s and reinitializing", path, err, backup)
	if renameErr := os.Rename(path, backup); renameErr != nil {
		return nil, fmt.Errorf("cache: store corrupt and could not be preserved: %w", err)
	}
	return openStoreOnce(path)
}

func openStoreOnce(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open store: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: migrate store: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Insert stores a new entry and returns its assigned id.
func (s *Store) Insert(e Entry) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO cache_entries (query_text, response_text, embedding, created_at, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.QueryText, e.ResponseText, encodeEmbedding(e.Embedding),
		toUnixSeconds(e.CreatedAt), e.AccessCount, toUnixSeconds(e.LastAccessed),
	)
	if err != nil {
		return 0, fmt.Errorf("cache: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("cache: insert entry id: %w", err)
	}
	return id, nil
}

// GetResponse returns the response text for an entry id.
func (s *Store) GetResponse(id int64) (string, bool, error) {
	var response string
	err := s.db.QueryRow(`SELECT response_text FROM cache_entries WHERE id = ?`, id).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get response: %w", err)
	}
	return response, true, nil
}

// Touch increments an entry's access count and sets its last access time.
func (s *Store) Touch(id int64, when time.Time) error {
	_, err := s.db.Exec(
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		toUnixSeconds(when), id,
	)
	if err != nil {
		return fmt.Errorf("cache: touch entry: %w", err)
	}
	return nil
}

// Delete removes a single entry by id.
func (s *Store) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("cache: delete entry: %w", err)
	}
	return nil
}

// Count returns the number of live entries.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache: count entries: %w", err)
	}
	return count, nil
}

// DeleteOldestByAccess removes the n entries with the smallest last_accessed,
// ties broken by smallest id. Returns the number of rows removed.
func (s *Store) DeleteOldestByAccess(n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(
		`DELETE FROM cache_entries WHERE id IN (
			SELECT id FROM cache_entries ORDER BY last_accessed ASC, id ASC LIMIT ?
		)`, n,
	)
	if err != nil {
		return 0, fmt.Errorf("cache: evict entries: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// DeleteExpired removes entries created before the cutoff. Returns the number
// of rows removed.
func (s *Store) DeleteExpired(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE created_at < ?`, toUnixSeconds(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cache: delete expired: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// ScanAll returns (id, embedding) for every entry ordered by ascending id.
// Used only to rebuild the vector index.
func (s *Store) ScanAll() ([]IndexedEmbedding, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM cache_entries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("cache: scan entries: %w", err)
	}
	defer rows.Close()

	var out []IndexedEmbedding
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("cache: scan entry row: %w", err)
		}
		out = append(out, IndexedEmbedding{ID: id, Embedding: decodeEmbedding(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan entries: %w", err)
	}
	return out, nil
}

// Clear removes all entries.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache: clear store: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeEmbedding serializes a float32 vector as a little-endian blob,
// matching the fixed on-disk layout the index rebuild relies on.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
