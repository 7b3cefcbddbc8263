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

package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

func buildTree(t *testing.T) *tree.Tree {
	t.Helper()
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}, {ID: "s2"}}}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	return tr
}

func TestLoad_CreatesRootTaskInStateNone(t *testing.T) {
	p := New("p1", nil, buildTree(t), nil)
	root := p.Load()
	assert.Equal(t, task.StateNone, root.State)
	assert.Equal(t, p.Tree.Root().ID, root.NodeID)
}

func TestCreateTask_MonotonicOrdering(t *testing.T) {
	p := New("p1", nil, buildTree(t), nil)
	root := p.Load()
	a := p.CreateTask("s1", root)
	b := p.CreateTask("s2", root)
	assert.Less(t, a.CreateAt, b.CreateAt)
	assert.Equal(t, root.ID, a.Prev)
}

func TestGetEnv_LayersTaskThenLocalThenGlobal(t *testing.T) {
	p := New("p1", nil, buildTree(t), map[string]any{"k": "global"})
	p.SetEnv("k", "local")

	v, ok := p.GetEnv(nil, "k")
	require.True(t, ok)
	assert.Equal(t, "local", v, "local env overrides global")

	v, ok = p.GetEnv(map[string]any{"k": "task"}, "k")
	require.True(t, ok)
	assert.Equal(t, "task", v, "task data overrides local env")

	_, ok = p.GetEnv(nil, "missing")
	assert.False(t, ok)
}

func TestNew_GlobalEnvIsCopiedNotAliased(t *testing.T) {
	src := map[string]any{"k": "orig"}
	p := New("p1", nil, buildTree(t), src)
	src["k"] = "mutated-after-new"

	v, _ := p.GetEnv(nil, "k")
	assert.Equal(t, "orig", v, "New must copy globalEnv, not alias the caller's map")
}

func TestTaskByNID_ReturnsAllInstancesOldestFirst(t *testing.T) {
	p := New("p1", nil, buildTree(t), nil)
	root := p.Load()
	first := p.CreateTask("s1", root)
	second := p.CreateTask("s1", root)

	got := p.TaskByNID("s1")
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestIntoData_NoAliasingOfTaskSlice(t *testing.T) {
	p := New("p1", nil, buildTree(t), nil)
	p.Load()

	snap := p.IntoData()
	require.Len(t, snap.Tasks, 1)

	p.CreateTask("s1", nil)
	assert.Len(t, snap.Tasks, 1, "snapshot must not grow when the process gains new tasks")
}

func TestSetState_EndAtStampedOnce(t *testing.T) {
	p := New("p1", nil, buildTree(t), nil)
	p.SetState(task.StateCompleted)
	first := p.EndAt
	require.NotNil(t, first)
	p.SetState(task.StateCompleted)
	assert.Same(t, first, p.EndAt)
}
