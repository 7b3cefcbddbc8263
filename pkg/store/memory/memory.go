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

// Package memory is an in-process store.DbCollection backend: a
// mutex-guarded map per entity, duplicate-create rejection, and
// idempotent delete. Intended for tests and single-process development,
// mirroring the teacher's own memory backend (also stdlib-only).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/store"
)

// Collection is a generic in-memory store.DbCollection[T].
type Collection[T store.Row] struct {
	mu   sync.RWMutex
	rows map[string]T
}

// New returns an empty Collection.
func New[T store.Row]() *Collection[T] {
	return &Collection[T]{rows: make(map[string]T)}
}

func (c *Collection[T]) Exists(_ context.Context, id string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rows[id]
	return ok, nil
}

func (c *Collection[T]) Find(_ context.Context, id string) (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[id]
	if !ok {
		var zero T
		return zero, &acterr.StoreError{Op: "find", Entity: id, Cause: errNotFound}
	}
	return row, nil
}

func (c *Collection[T]) Create(_ context.Context, row T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rows[row.RowID()]; exists {
		return &acterr.StoreError{Op: "create", Entity: row.RowID(), Cause: errDuplicate}
	}
	c.rows[row.RowID()] = row
	return nil
}

func (c *Collection[T]) Update(_ context.Context, row T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rows[row.RowID()]; !exists {
		return &acterr.StoreError{Op: "update", Entity: row.RowID(), Cause: errNotFound}
	}
	c.rows[row.RowID()] = row
	return nil
}

func (c *Collection[T]) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rows, id) // idempotent: deleting an absent id is not an error
	return nil
}

func (c *Collection[T]) Query(_ context.Context, q store.Query) ([]T, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.rows))
	for id := range c.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic iteration before ordering is applied
	all := make([]T, len(ids))
	for i, id := range ids {
		all[i] = c.rows[id]
	}
	c.mu.RUnlock()

	matched, err := store.Filter(all, q)
	if err != nil {
		return nil, err
	}
	return store.Paginate(matched, q, func(a, b T) bool {
		return fmt.Sprintf("%v", store.FieldValue(a, q.OrderBy)) < fmt.Sprintf("%v", store.FieldValue(b, q.OrderBy))
	}), nil
}

var (
	errNotFound  = fmt.Errorf("not found")
	errDuplicate = fmt.Errorf("duplicate id")
)
