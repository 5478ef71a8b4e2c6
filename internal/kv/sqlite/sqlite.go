// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
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

// Package sqlite provides a kv.Store kept in a SQLite database file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver" // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
	"github.com/transparency-dev/armored-fota/internal/kv"
)

// Store is a kv.Store backed by a single table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at filename.
func Open(filename string) (*Store, error) {
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + "?_pragma=journal_mode(wal)&_pragma=synchronous(full)")
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	// Writes must be serialised, and a single connection keeps the WASM
	// runtime footprint down.
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Init ensures the table exists.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv
			( ns TEXT NOT NULL
			, key TEXT NOT NULL
			, value TEXT NOT NULL
			, PRIMARY KEY (ns, key)
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("error creating tables: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ns, key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE ns = ? AND key = ?`, ns, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error reading %s/%s: %w", ns, key, err)
	}
	return v, nil
}

func (s *Store) Set(ns, key, value string) error {
	if _, err := s.db.Exec(`INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)
		ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value`, ns, key, value); err != nil {
		return fmt.Errorf("error writing %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *Store) Clear(ns string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE ns = ?`, ns); err != nil {
		return fmt.Errorf("error clearing %s: %w", ns, err)
	}
	return nil
}
