// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreInsertAndGetResponse(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	id, err := s.Insert(Entry{
		QueryText:    "what is go",
		ResponseText: "a programming language",
		Embedding:    []float32{0.1, 0.2, 0.3},
		CreatedAt:    now,
		LastAccessed: now,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	response, ok, err := s.GetResponse(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a programming language", response)

	_, ok, err = s.GetResponse(id + 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	id, err := s.Insert(Entry{QueryText: "q", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))

	_, ok, err := s.GetResponse(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	vec := []float32{-1.5, 0, 0.25, 3.14159}
	id, err := s.Insert(Entry{QueryText: "q", ResponseText: "r", Embedding: vec, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)

	rows, err := s.ScanAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, vec, rows[0].Embedding)
}

func TestStoreDeleteOldestByAccess(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	// Three entries with ascending last_accessed.
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Insert(Entry{
			QueryText:    "q",
			ResponseText: "r",
			Embedding:    []float32{1},
			CreatedAt:    base,
			LastAccessed: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	deleted, err := s.DeleteOldestByAccess(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, ok, err := s.GetResponse(ids[0])
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok, err = s.GetResponse(ids[2])
	require.NoError(t, err)
	assert.True(t, ok, "most recently accessed entry should survive")

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStoreDeleteOldestTiesBreakByID(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	first, err := s.Insert(Entry{QueryText: "a", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)
	second, err := s.Insert(Entry{QueryText: "b", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)

	_, err = s.DeleteOldestByAccess(1)
	require.NoError(t, err)

	_, ok, err := s.GetResponse(first)
	require.NoError(t, err)
	assert.False(t, ok, "tie should evict the lower id")
	_, ok, err = s.GetResponse(second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreDeleteExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	old, err := s.Insert(Entry{QueryText: "old", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now.Add(-2 * time.Hour), LastAccessed: now})
	require.NoError(t, err)
	fresh, err := s.Insert(Entry{QueryText: "fresh", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)

	deleted, err := s.DeleteExpired(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok, err := s.GetResponse(old)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetResponse(fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreTouchAffectsEvictionOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	first, err := s.Insert(Entry{QueryText: "a", ResponseText: "r", Embedding: []float32{1}, CreatedAt: base, LastAccessed: base})
	require.NoError(t, err)
	second, err := s.Insert(Entry{QueryText: "b", ResponseText: "r", Embedding: []float32{1}, CreatedAt: base, LastAccessed: base.Add(time.Second)})
	require.NoError(t, err)

	// Touching the older entry makes it the most recently accessed.
	require.NoError(t, s.Touch(first, base.Add(time.Minute)))

	_, err = s.DeleteOldestByAccess(1)
	require.NoError(t, err)

	_, ok, err := s.GetResponse(first)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.GetResponse(second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreClear(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	_, err := s.Insert(Entry{QueryText: "q", ResponseText: "r", Embedding: []float32{1}, CreatedAt: now, LastAccessed: now})
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOpenStorePreservesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database"), 0o600))

	s, err := OpenStore(path)
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "reinitialized store should be empty")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var preserved bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "cache.db.corrupt-") {
			preserved = true
		}
	}
	assert.True(t, preserved, "corrupt file should be preserved with a .corrupt suffix")
}

func TestStoreQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{db: db}

	mock.ExpectQuery("SELECT response_text").
		WithArgs(int64(1)).
		WillReturnError(sql.ErrConnDone)
	_, _, err = s.GetResponse(1)
	assert.Error(t, err)

	mock.ExpectExec("UPDATE cache_entries").
		WillReturnError(sql.ErrConnDone)
	assert.Error(t, s.Touch(1, time.Now()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
