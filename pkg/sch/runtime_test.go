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

package sch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/pkg/emitter"
	"github.com/tombee/acts/pkg/expression"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/store/memory"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// stubEngine is a scriptable Engine double: each hook just returns the
// pre-set result, so tests can drive the advance step one state at a
// time without a real act dispatcher.
type stubEngine struct {
	initErr   error
	runErr    error
	nextDone  bool
	nextErr   error
	reviewed  []string
	hookCalls []task.HookEvent
}

func (s *stubEngine) Init(c *Context) error { return s.initErr }
func (s *stubEngine) Run(c *Context) error  { return s.runErr }
func (s *stubEngine) Next(c *Context) (bool, error) {
	return s.nextDone, s.nextErr
}
func (s *stubEngine) Review(c *Context, child *task.Task) error {
	s.reviewed = append(s.reviewed, child.ID)
	return nil
}
func (s *stubEngine) DispatchHook(c *Context, event task.HookEvent) error {
	s.hookCalls = append(s.hookCalls, event)
	return nil
}

func newTestRuntime(engine *stubEngine, p *proc.Process) *Runtime {
	rt := &Runtime{
		engine:  engine,
		eval:    expression.NewEvaluator(),
		emitter: emitter.New(memory.New[store.MessageRow](), 100),
		metrics: NewMetrics(),
		tracer:  NewTracer(),
		cache:   map[string]*proc.Process{p.PID: p},
		locks:   map[string]*sync.Mutex{},
		queue:   make(chan readyEntry, 16),
		sem:     make(chan struct{}, 1),
	}
	return rt
}

func buildRuntimeProc(t *testing.T, w *model.Workflow) *proc.Process {
	t.Helper()
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	p.Load()
	return p
}

func TestAdvanceOne_DrivesTaskFromNoneToCompleted(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	root := p.Tasks()[0]
	engine := &stubEngine{nextDone: true}
	rt := newTestRuntime(engine, p)
	ctx := context.Background()

	rt.advanceOne(ctx, readyEntry{pid: p.PID, tid: root.ID})
	assert.Equal(t, task.StateReady, root.State)

	rt.advanceOne(ctx, readyEntry{pid: p.PID, tid: root.ID})
	assert.Equal(t, task.StateRunning, root.State)

	rt.advanceOne(ctx, readyEntry{pid: p.PID, tid: root.ID})
	assert.Equal(t, task.StateCompleted, root.State)
	assert.Equal(t, task.StateCompleted, p.State, "root completing must mirror onto the process state")
}

func TestAdvanceOne_RunErrorTransitionsToError(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	root := p.Load()

	engine := &stubEngine{runErr: assertErr{}}
	rt := newTestRuntime(engine, p)
	ctx := context.Background()

	rt.advanceOne(ctx, readyEntry{pid: p.PID, tid: root.ID}) // None -> Ready
	rt.advanceOne(ctx, readyEntry{pid: p.PID, tid: root.ID}) // Ready -> Running, Run() fails

	assert.Equal(t, task.StateError, root.State)
	require.NotNil(t, root.Err)
}

func TestAdvanceOne_AlreadyLockedRequeuesInsteadOfBlocking(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	root := p.Tasks()[0]
	engine := &stubEngine{}
	rt := newTestRuntime(engine, p)

	lock := rt.procLock(p.PID)
	lock.Lock()
	defer lock.Unlock()

	rt.advanceOne(context.Background(), readyEntry{pid: p.PID, tid: root.ID})
	assert.Equal(t, task.StateNone, root.State, "advance must not run while the process lock is held")

	select {
	case e := <-rt.queue:
		assert.Equal(t, root.ID, e.tid)
	default:
		t.Fatal("expected the entry to be requeued")
	}
}

func TestOnTerminal_ReviewsParentTask(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	root := p.Load()
	child := p.CreateTask("s1", root)
	require.NoError(t, child.SetState(task.StateReady))
	require.NoError(t, child.SetState(task.StateRunning))
	require.NoError(t, child.SetState(task.StateCompleted))

	engine := &stubEngine{}
	rt := newTestRuntime(engine, p)
	c := &Context{Go: context.Background(), Proc: p, Task: child, Node: tr.Node("s1"), rt: rt}

	rt.onTerminal(c)
	assert.Contains(t, engine.reviewed, child.ID)
}

func TestCache_QuiescentReflectsProcessLockState(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	rt := newTestRuntime(&stubEngine{}, p)

	assert.True(t, rt.Cache().Quiescent(p.PID))

	lock := rt.procLock(p.PID)
	lock.Lock()
	assert.False(t, rt.Cache().Quiescent(p.PID))
	lock.Unlock()
}

func TestCache_EvictUpsertsAndRemovesFromCache(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	rt := newTestRuntime(&stubEngine{}, p)
	rt.procs = memory.New[store.ProcRow]()
	rt.tasks = memory.New[store.TaskRow]()

	require.NoError(t, rt.Cache().Evict(context.Background(), p.PID))

	_, err := rt.procs.Find(context.Background(), p.PID)
	require.NoError(t, err)

	rt.mu.Lock()
	_, cached := rt.cache[p.PID]
	rt.mu.Unlock()
	assert.False(t, cached)
}

func TestLoadProc_ReturnsCachedProcessWithoutHittingStore(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	rt := newTestRuntime(&stubEngine{}, p)

	got, err := rt.LoadProc(context.Background(), p.PID)
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestLoadProc_MissCachesFromStore(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	tr, err := tree.Build(w)
	require.NoError(t, err)

	procs := memory.New[store.ProcRow]()
	tasks := memory.New[store.TaskRow]()
	require.NoError(t, procs.Create(context.Background(), store.ProcRow{PID: "p2", ModelID: "m1", ModelVer: "v1", State: "none"}))
	require.NoError(t, tasks.Create(context.Background(), store.TaskRow{PID: "p2", TID: "t1", NodeID: tr.Root().ID, State: "ready", CreateAt: 1}))

	rt := &Runtime{
		procs: procs,
		tasks: tasks,
		models: func(ctx context.Context, modelID, modelVer string) (*tree.Tree, any, error) {
			return tr, w, nil
		},
		cache: map[string]*proc.Process{},
		locks: map[string]*sync.Mutex{},
	}

	p, err := rt.LoadProc(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.PID)
	assert.NotNil(t, p.Task("t1"))
}

func TestRunCatchHooks_DispatchesNearestMatchingClause(t *testing.T) {
	w := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{
				ID: "s1",
				Catches: []model.Catch{
					{Err: "payment_declined", Then: []model.Act{{Dispatch: "msg", ID: "notify"}}},
				},
			},
		},
	}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	root := p.Load()
	child := p.CreateTask("s1", root)

	rt := newTestRuntime(&stubEngine{}, p)
	c := &Context{Go: context.Background(), Proc: p, Task: child, Node: tr.Node("s1"), rt: rt}

	rt.runCatchHooks(c, "payment_declined")

	matches := tr.ChildrenMatching(tr.Node("s1"), tree.OutputCatch, "payment_declined")
	require.Len(t, matches, 1)
	assert.Len(t, p.TaskByNID(matches[0].ID), 1, "the matching catch clause's synthetic block node must get a dispatched task")
}

func TestRunHooks_SkipsHookOriginTasks(t *testing.T) {
	w := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "s1"}}}
	p := buildRuntimeProc(t, w)
	root := p.Tasks()[0]
	root.HookOrigin = true
	root.AddHookStmts(task.HookCreated, "stmt")

	engine := &stubEngine{}
	rt := newTestRuntime(engine, p)
	c := &Context{Go: context.Background(), Proc: p, Task: root, rt: rt}

	rt.runHooks(c, task.HookCreated)
	assert.Empty(t, engine.hookCalls, "a hook-origin task must never re-fire its own hook class")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
