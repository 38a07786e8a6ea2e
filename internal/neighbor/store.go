// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI


package neighbor

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Store persists neighbor entries across restarts.
type Store interface {
	Init(ctx context.Context) error
	SaveEntry(ctx context.Context, entry Entry) error
	DeleteEntry(ctx context.Context, key Key) error
	ClearEntries(ctx context.Context) error
	// LoadEntries returns the entries in the order they were first saved.
	LoadEntries(ctx context.Context) ([]Entry, error)
}

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, errors.Errorf("unsupported neighbor store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

type MemoryStore struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Init(_ context.Context) error {
	return nil
}

func (s *MemoryStore) SaveEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entry.Key.String()
	if _, ok := s.entries[id]; !ok {
		s.order = append(s.order, id)
	}
	entry.Cells = *entry.Cells.Clone()
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) DeleteEntry(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.String()
	if _, ok := s.entries[id]; !ok {
		return nil
	}
	delete(s.entries, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ClearEntries(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.entries = make(map[string]Entry)
	return nil
}

func (s *MemoryStore) LoadEntries(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		e.Cells = *e.Cells.Clone()
		out = append(out, e)
	}
	return out, nil
}

// SQLiteStore keeps one row per exact neighbor key. The key name is the
// primary key, seq preserves insertion order.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveEntry(ctx context.Context, entry Entry) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "encode %s", entry.Key)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO neighbors (id, seq, payload)
		VALUES (?, COALESCE((SELECT MAX(seq) FROM neighbors), 0) + 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload
	`, entry.Key.String(), payload)
	return err
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, key Key) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM neighbors WHERE id = ?`, key.String())
	return err
}

func (s *SQLiteStore) ClearEntries(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM neighbors`)
	return err
}

func (s *SQLiteStore) LoadEntries(ctx context.Context) ([]Entry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM neighbors ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, errors.Wrapf(err, "decode neighbor %s", id)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS neighbors (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
