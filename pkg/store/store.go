/*
Copyright 2026 The Swiped Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so TaskStore,
// InstanceStore and ConfigStore can be handed either a bare
// connection for a one-off read or a transaction for a tick's
// read-modify-write.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the single SQLite-backed persistence layer. Open once per
// process; Close on engine stop.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the database at path, applying
// the schema and recording the schema version in the meta table, the
// way sqlite.initDB does in the teacher's sorted/sqlite backend.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn.

	for _, stmt := range sqlCreateTables() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: applying schema: %w", err)
		}
	}
	if _, err := db.Exec(`REPLACE INTO meta (metakey, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", requiredSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: recording schema version: %w", err)
	}
	log.Printf("store: opened %s (schema v%d)", path, requiredSchemaVersion)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tasks returns a TaskStore bound directly to the database, for
// reads that don't need transactional isolation.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{q: s.db}
}

// Instances returns an InstanceStore bound directly to the database.
func (s *Store) Instances() *InstanceStore {
	return &InstanceStore{q: s.db}
}

// Config returns a ConfigStore bound directly to the database.
func (s *Store) Config() *ConfigStore {
	return &ConfigStore{q: s.db}
}

// Tx is a single short-lived transaction. The scheduler ticks read
// their tasks outside any transaction, then open one of these per task
// status write, conditioning the write on the status they read.
type Tx struct {
	tx *sql.Tx
}

// Tasks returns a TaskStore bound to this transaction.
func (t *Tx) Tasks() *TaskStore {
	return &TaskStore{q: t.tx}
}

// Instances returns an InstanceStore bound to this transaction.
func (t *Tx) Instances() *InstanceStore {
	return &InstanceStore{q: t.tx}
}

// WithTx runs fn inside a new transaction, committing if fn returns
// nil and rolling back otherwise. fn's own error is returned
// unwrapped so callers can distinguish "nothing to do" sentinels from
// real failures.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("store: rollback after error failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
