// Copyright 2025 Tom Barlow
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

// Package sqlite is the durable store.DbCollection backend: one table
// per entity kind, each row a JSON blob under an indexed id column, the
// same shape the runtime's sqlite-backed reference storage layer used.
// Filtering and ordering happen in Go over the decoded rows rather than
// in SQL, trading index-assisted queries for a backend that stays
// correct as store.Query grows new operators without a migration.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/store"
)

// Config controls how the backend opens its database file.
type Config struct {
	Path string
	WAL  bool
}

// Backend owns the shared *sql.DB; individual entities are accessed via
// Collection[T], one per table.
type Backend struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite file at cfg.Path, applies pragmas,
// and runs the table migrations for every entity this runtime persists.
func Open(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &acterr.StoreError{Op: "open", Entity: "db", Cause: err}
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; avoid SQLITE_BUSY churn

	if err := configurePragmas(db, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func configurePragmas(db *sql.DB, wal bool) error {
	stmts := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA auto_vacuum = INCREMENTAL",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		stmts = append(stmts, "PRAGMA journal_mode = WAL")
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return &acterr.StoreError{Op: "pragma", Entity: s, Cause: err}
		}
	}
	return nil
}

var tables = []string{"models", "procs", "tasks", "messages", "packages", "events"}

func migrate(db *sql.DB) error {
	for _, t := range tables {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`, t)
		if _, err := db.Exec(ddl); err != nil {
			return &acterr.StoreError{Op: "migrate", Entity: t, Cause: err}
		}
	}
	return nil
}

// Collection is a generic store.DbCollection[T] over one sqlite table.
type Collection[T store.Row] struct {
	db    *sql.DB
	table string
}

// Table binds a Collection to one of the backend's migrated tables.
func Table[T store.Row](b *Backend, table string) *Collection[T] {
	return &Collection[T]{db: b.db, table: table}
}

func (c *Collection[T]) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE id = ?", c.table), id).Scan(&n)
	if err != nil {
		return false, &acterr.StoreError{Op: "exists", Entity: c.table, Cause: err}
	}
	return n > 0, nil
}

func (c *Collection[T]) Find(ctx context.Context, id string) (T, error) {
	var zero T
	var doc string
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", c.table), id).Scan(&doc)
	if err == sql.ErrNoRows {
		return zero, &acterr.StoreError{Op: "find", Entity: id, Cause: err}
	}
	if err != nil {
		return zero, &acterr.StoreError{Op: "find", Entity: c.table, Cause: err}
	}
	var row T
	if err := json.Unmarshal([]byte(doc), &row); err != nil {
		return zero, &acterr.ConvertError{Entity: c.table, Reason: "unmarshal row", Cause: err}
	}
	return row, nil
}

func (c *Collection[T]) Create(ctx context.Context, row T) error {
	doc, err := json.Marshal(row)
	if err != nil {
		return &acterr.ConvertError{Entity: c.table, Reason: "marshal row", Cause: err}
	}
	_, err = c.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, doc) VALUES (?, ?)", c.table), row.RowID(), doc)
	if err != nil {
		return &acterr.StoreError{Op: "create", Entity: row.RowID(), Cause: err}
	}
	return nil
}

func (c *Collection[T]) Update(ctx context.Context, row T) error {
	doc, err := json.Marshal(row)
	if err != nil {
		return &acterr.ConvertError{Entity: c.table, Reason: "marshal row", Cause: err}
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET doc = ? WHERE id = ?", c.table), doc, row.RowID())
	if err != nil {
		return &acterr.StoreError{Op: "update", Entity: row.RowID(), Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &acterr.StoreError{Op: "update", Entity: row.RowID(), Cause: sql.ErrNoRows}
	}
	return nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c.table), id)
	if err != nil {
		return &acterr.StoreError{Op: "delete", Entity: id, Cause: err}
	}
	return nil
}

func (c *Collection[T]) Query(ctx context.Context, q store.Query) ([]T, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %s ORDER BY id", c.table))
	if err != nil {
		return nil, &acterr.StoreError{Op: "query", Entity: c.table, Cause: err}
	}
	defer rows.Close()

	var all []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, &acterr.StoreError{Op: "query", Entity: c.table, Cause: err}
		}
		var row T
		if err := json.Unmarshal([]byte(doc), &row); err != nil {
			return nil, &acterr.ConvertError{Entity: c.table, Reason: "unmarshal row", Cause: err}
		}
		all = append(all, row)
	}

	matched, err := store.Filter(all, q)
	if err != nil {
		return nil, err
	}
	return store.Paginate(matched, q, func(a, b T) bool {
		return fmt.Sprintf("%v", store.FieldValue(a, q.OrderBy)) < fmt.Sprintf("%v", store.FieldValue(b, q.OrderBy))
	}), nil
}
