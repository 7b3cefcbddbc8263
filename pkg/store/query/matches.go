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

// Package query implements the store.OpMatches predicate: a gojq filter
// evaluated against a row's JSON-shaped data column. Backends that keep
// rows as in-memory Go structs (pkg/store/memory) and backends that keep
// them as JSON blob columns (pkg/store/sqlite) share this evaluator so
// "matches" behaves identically regardless of storage shape.
package query

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// Matches reports whether filter (a jq program) selects any truthy
// result when run against doc. filter is compiled fresh per call:
// matches predicates are expected to run far less often than eq/lt/gt
// comparisons, so there is no cache here unlike pkg/expression.
func Matches(filter string, doc any) (bool, error) {
	q, err := gojq.Parse(filter)
	if err != nil {
		return false, fmt.Errorf("parse jq filter %q: %w", filter, err)
	}
	iter := q.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, fmt.Errorf("eval jq filter %q: %w", filter, err)
		}
		if truthy(v) {
			return true, nil
		}
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	default:
		return true
	}
}
