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

package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches_TruePredicate(t *testing.T) {
	doc := map[string]any{"status": "created", "retry_times": 2}
	ok, err := Matches(`.status == "created" and .retry_times < 5`, doc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatches_FalsePredicate(t *testing.T) {
	doc := map[string]any{"status": "error"}
	ok, err := Matches(`.status == "created"`, doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatches_InvalidFilterIsError(t *testing.T) {
	_, err := Matches("not valid jq {{", map[string]any{})
	assert.Error(t, err)
}

func TestMatches_NullFieldIsFalsy(t *testing.T) {
	doc := map[string]any{"other": 1}
	ok, err := Matches(".missing", doc)
	require.NoError(t, err)
	assert.False(t, ok)
}
