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

// Package store defines the persistence boundary: a generic
// DbCollection per entity kind, and the Query filter tree used to
// express both simple lookups and the And/Or combinations the cache's
// eviction/restore and the admin list surface both need. Concrete
// backends (pkg/store/memory, pkg/store/sqlite) implement this contract;
// the composite-capability split (a backend may implement only the
// entities it persists) follows the capability-interface style the
// runtime's storage layer was ported from.
package store

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tombee/acts/pkg/store/query"
)

// Row is implemented by every persisted projection (the Proc, Task,
// Message, Model, Package and Event rows in rows.go embed no shared
// struct — Row only requires an identity accessor so the generic
// collection can key on it).
type Row interface {
	RowID() string
}

// DbCollection is the minimal persistence contract for one entity kind.
type DbCollection[T Row] interface {
	Exists(ctx context.Context, id string) (bool, error)
	Find(ctx context.Context, id string) (T, error)
	Query(ctx context.Context, q Query) ([]T, error)
	Create(ctx context.Context, row T) error
	Update(ctx context.Context, row T) error
	Delete(ctx context.Context, id string) error
}

// Op is a comparison operator in a filter leaf.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpLt      Op = "lt"
	OpLe      Op = "le"
	OpGt      Op = "gt"
	OpGe      Op = "ge"
	OpMatches Op = "matches" // gojq predicate against a JSON column
)

// Cond is a single filter leaf: Field Op Value.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query is a filter tree: a Cond leaf, or an And/Or combination of
// sub-queries, plus pagination/ordering applied at the root.
type Query struct {
	Cond *Cond
	And  []Query
	Or   []Query

	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Leaf builds a single-condition query.
func Leaf(field string, op Op, value any) Query {
	return Query{Cond: &Cond{Field: field, Op: op, Value: value}}
}

// And combines queries with conjunction.
func And(qs ...Query) Query { return Query{And: qs} }

// Or combines queries with disjunction.
func Or(qs ...Query) Query { return Query{Or: qs} }

// Paginate applies a query's OrderBy/Desc/Offset/Limit to an
// already-filtered slice. Backends that filter in SQL still use this
// for in-process ordering of the result page; backends that filter in
// Go (pkg/store/memory) use it after Filter.
func Paginate[T any](rows []T, q Query, less func(a, b T) bool) []T {
	if q.OrderBy != "" && less != nil {
		sortStable(rows, func(i, j int) bool {
			if q.Desc {
				return less(rows[j], rows[i])
			}
			return less(rows[i], rows[j])
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			return nil
		}
		rows = rows[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows
}

// Filter applies q against rows in process, using reflection to read
// named struct fields for comparison leaves and query.Matches for
// OpMatches leaves. Shared by every backend so "matches" and ordinary
// comparisons behave identically regardless of storage shape.
func Filter[T any](rows []T, q Query) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		ok, err := evalQuery(q, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func evalQuery[T any](q Query, row T) (bool, error) {
	if q.Cond != nil {
		return evalCond(*q.Cond, row)
	}
	if len(q.And) > 0 {
		for _, sub := range q.And {
			ok, err := evalQuery(sub, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(q.Or) > 0 {
		for _, sub := range q.Or {
			ok, err := evalQuery(sub, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

func evalCond[T any](cond Cond, row T) (bool, error) {
	if cond.Op == OpMatches {
		filter, _ := cond.Value.(string)
		return query.Matches(filter, FieldValue(row, cond.Field))
	}
	fv := FieldValue(row, cond.Field)
	return Compare(cond.Op, fv, cond.Value), nil
}

// FieldValue reads a named field off a struct or pointer-to-struct via
// reflection, returning nil if absent.
func FieldValue(row any, name string) any {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	f := v.FieldByName(name)
	if !f.IsValid() {
		return nil
	}
	return f.Interface()
}

// Compare evaluates a and b under op, preferring numeric comparison when
// both values are numeric and falling back to string comparison.
func Compare(op Op, a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch op {
		case OpEq:
			return af == bf
		case OpNe:
			return af != bf
		case OpLt:
			return af < bf
		case OpLe:
			return af <= bf
		case OpGt:
			return af > bf
		case OpGe:
			return af >= bf
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch op {
	case OpEq:
		return as == bs
	case OpNe:
		return as != bs
	case OpLt:
		return as < bs
	case OpLe:
		return as <= bs
	case OpGt:
		return as > bs
	case OpGe:
		return as >= bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func sortStable[T any](s []T, less func(i, j int) bool) {
	// insertion sort: collections here are small (per-process task/message
	// lists), and importing sort just for SliceStable at call sites would
	// duplicate the generic-closure dance for no real gain.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
