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

package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/store"
)

type row struct {
	ID    string
	Value int
}

func (r row) RowID() string { return r.ID }

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCreateFindUpdateDelete_RoundTrip(t *testing.T) {
	b := openTestBackend(t)
	c := Table[row](b, "events")
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, row{ID: "a", Value: 1}))
	got, err := c.Find(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)

	require.NoError(t, c.Update(ctx, row{ID: "a", Value: 2}))
	got, err = c.Find(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Value)

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Find(ctx, "a")
	assert.Error(t, err)
}

func TestCreate_DuplicateIDIsStoreError(t *testing.T) {
	b := openTestBackend(t)
	c := Table[row](b, "events")
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, row{ID: "a"}))
	err := c.Create(ctx, row{ID: "a"})
	require.Error(t, err)
	assert.Equal(t, "STORE", acterr.CodeOf(err))
}

func TestUpdate_MissingRowIsStoreError(t *testing.T) {
	b := openTestBackend(t)
	c := Table[row](b, "events")
	err := c.Update(context.Background(), row{ID: "missing"})
	require.Error(t, err)
	assert.Equal(t, "STORE", acterr.CodeOf(err))
}

func TestQuery_FiltersAcrossRows(t *testing.T) {
	b := openTestBackend(t)
	c := Table[row](b, "events")
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, row{ID: "a", Value: 1}))
	require.NoError(t, c.Create(ctx, row{ID: "b", Value: 5}))

	out, err := c.Query(ctx, store.Leaf("Value", store.OpGe, 5))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}
