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

// Package proc implements Process: the owning collection of a
// workflow's live tasks, its two-layer env, and the monotonic counter
// that orders them. The mutable/snapshot split follows the internal
// run-tracking type this runtime was ported from: Process is safe to
// mutate only from within a single advance step, while Snapshot is the
// alias-free projection handed to callers outside that boundary.
package proc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// State mirrors the root task's state once it reaches a terminal.
type State = task.State

// Process is the mutable runtime record for one running (or suspended)
// workflow instance. All mutation must happen while the owning
// scheduler holds this process's advance lock (see pkg/sch).
type Process struct {
	mu sync.RWMutex

	PID      string
	ModelID  string // deployed model id this process was started from
	ModelVer string
	Model    any // *model.Workflow snapshot this process was started from
	Tree     *tree.Tree
	State    State
	StartAt  time.Time
	EndAt    *time.Time
	Err      *acterr.RuntimeError

	tasks    []*task.Task
	byID     map[string]*task.Task
	byNodeID map[string][]*task.Task

	globalEnv map[string]any // read-only, set at New/load
	localEnv  map[string]any // mutable, process-scoped

	counter int64
}

// New creates a process rooted at the given tree, with an empty local
// env layered over globalEnv, and no tasks yet (Load creates the root
// task).
func New(pid string, model any, t *tree.Tree, globalEnv map[string]any) *Process {
	if pid == "" {
		pid = uuid.NewString()
	}
	env := make(map[string]any, len(globalEnv))
	for k, v := range globalEnv {
		env[k] = v
	}
	return &Process{
		PID:       pid,
		Model:     model,
		Tree:      t,
		State:     task.StateNone,
		StartAt:   time.Now(),
		byID:      map[string]*task.Task{},
		byNodeID:  map[string][]*task.Task{},
		globalEnv: env,
		localEnv:  map[string]any{},
	}
}

// Load builds the tree's root task in State None. Called once, either
// at deploy-and-start time or when replaying from an empty task set.
func (p *Process) Load() *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	root := p.Tree.Root()
	t := task.New(p.nextID(), root.ID, p.nextTimestamp())
	p.tasks = append(p.tasks, t)
	p.byID[t.ID] = t
	p.byNodeID[root.ID] = append(p.byNodeID[root.ID], t)
	return t
}

func (p *Process) nextID() string { return uuid.NewString() }

func (p *Process) nextTimestamp() int64 {
	p.counter++
	return p.counter
}

// CreateTask assigns a new task id for node, links Prev to parent's id,
// and appends it to the ordered set at the process's next monotonic
// timestamp.
func (p *Process) CreateTask(nodeID string, parent *task.Task) *task.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := task.New(p.nextID(), nodeID, p.nextTimestamp())
	if parent != nil {
		t.Prev = parent.ID
	}
	p.tasks = append(p.tasks, t)
	p.byID[t.ID] = t
	p.byNodeID[nodeID] = append(p.byNodeID[nodeID], t)
	return t
}

// PushTask re-inserts a task materialised from the store (the
// load-from-store path), preserving its original id/timestamp and
// re-linking it into the lookup indexes.
func (p *Process) PushTask(t *task.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, t)
	p.byID[t.ID] = t
	p.byNodeID[t.NodeID] = append(p.byNodeID[t.NodeID], t)
	if t.CreateAt > p.counter {
		p.counter = t.CreateAt
	}
}

// Task looks up a task by its own id.
func (p *Process) Task(id string) *task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// TaskByNID returns every task ever created for nodeID, oldest first;
// tasks are the historic record, so more than one result is expected
// for re-entrant nodes (each/chain iterations, redo, back).
func (p *Process) TaskByNID(nodeID string) []*task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*task.Task, len(p.byNodeID[nodeID]))
	copy(out, p.byNodeID[nodeID])
	return out
}

// Tasks returns every task in creation (timestamp) order.
func (p *Process) Tasks() []*task.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*task.Task, len(p.tasks))
	copy(out, p.tasks)
	return out
}

// GetEnv reads task-local data first (if taskData is non-nil), then
// process-local env, then the read-only global env — the layering rule
// from the component design.
func (p *Process) GetEnv(taskData map[string]any, key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if taskData != nil {
		if v, ok := taskData[key]; ok {
			return v, true
		}
	}
	if v, ok := p.localEnv[key]; ok {
		return v, true
	}
	v, ok := p.globalEnv[key]
	return v, ok
}

// SetEnv writes to the process-local layer. Writes that should go to a
// specific task's data must use task.SetDataWith instead.
func (p *Process) SetEnv(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localEnv[key] = value
}

// WithEnvLocalMut runs fn with exclusive access to the local env map.
func (p *Process) WithEnvLocalMut(fn func(env map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.localEnv)
}

// SetState mirrors the root task's terminal state onto the process,
// stamping EndAt exactly once.
func (p *Process) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
	if s.Terminal() && p.EndAt == nil {
		now := time.Now()
		p.EndAt = &now
	}
}

// SetErr records the process-level error (distinct from any individual
// task's error).
func (p *Process) SetErr(err *acterr.RuntimeError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Snapshot is an immutable projection of a Process and all of its tasks,
// safe to read outside the owning scheduler's advance lock.
type Snapshot struct {
	PID     string
	State   State
	StartAt time.Time
	EndAt   *time.Time
	Tasks   []task.Snapshot
}

// IntoData produces a persistable, alias-free projection.
func (p *Process) IntoData() Snapshot {
	p.mu.RLock()
	tasks := make([]*task.Task, len(p.tasks))
	copy(tasks, p.tasks)
	snap := Snapshot{PID: p.PID, State: p.State, StartAt: p.StartAt, EndAt: p.EndAt}
	p.mu.RUnlock()

	snap.Tasks = make([]task.Snapshot, len(tasks))
	for i, t := range tasks {
		snap.Tasks[i] = t.IntoData()
	}
	return snap
}
