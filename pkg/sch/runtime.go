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
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/emitter"
	"github.com/tombee/acts/pkg/expression"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// TimeoutErrCode is the error code recorded on a task whose declared
// timeout elapsed before it reached a terminal state.
const TimeoutErrCode = "TIMEOUT"

// readyEntry is one (pid, task id) work item.
type readyEntry struct {
	pid string
	tid string
}

// Runtime is the single scheduler: one logical ready-queue loop per
// process (task transitions serialize within a process), with multiple
// processes advanced concurrently by a bounded worker pool. The
// semaphore-bounded goroutine pool and snapshot-on-read cache follow the
// run-tracking package this was ported from.
type Runtime struct {
	engine  Engine
	eval    *expression.Evaluator
	emitter *emitter.Emitter
	procs   store.DbCollection[store.ProcRow]
	tasks   store.DbCollection[store.TaskRow]
	models  ModelResolver

	metrics *Metrics
	tracer  Tracer

	mu       sync.Mutex
	cache    map[string]*proc.Process  // pid -> live process
	locks    map[string]*sync.Mutex    // pid -> per-process advance lock
	sf       singleflight.Group        // dedupe concurrent load_proc(pid) misses

	queue chan readyEntry
	sem   chan struct{}

	draining atomic.Bool
	wg       sync.WaitGroup
}

// ModelResolver re-materialises a compiled tree and its source model
// snapshot for (modelID, modelVer), used by load_proc on cache miss.
type ModelResolver func(ctx context.Context, modelID, modelVer string) (*tree.Tree, any, error)

// Config bundles Runtime construction parameters.
type Config struct {
	Engine      Engine
	Eval        *expression.Evaluator
	Emitter     *emitter.Emitter
	Procs       store.DbCollection[store.ProcRow]
	Tasks       store.DbCollection[store.TaskRow]
	Models      ModelResolver
	MaxParallel int
	QueueSize   int

	// TimeoutPollInterval is how often each cached process is sampled for
	// tasks whose declared timeout has elapsed. Defaults to one second.
	TimeoutPollInterval time.Duration
}

// New builds a Runtime and starts its worker pool. Workers run until
// ctx is cancelled.
func New(ctx context.Context, cfg Config) *Runtime {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TimeoutPollInterval <= 0 {
		cfg.TimeoutPollInterval = time.Second
	}
	rt := &Runtime{
		engine:  cfg.Engine,
		eval:    cfg.Eval,
		emitter: cfg.Emitter,
		procs:   cfg.Procs,
		tasks:   cfg.Tasks,
		models:  cfg.Models,
		metrics: NewMetrics(),
		tracer:  NewTracer(),
		cache:   map[string]*proc.Process{},
		locks:   map[string]*sync.Mutex{},
		queue:   make(chan readyEntry, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.MaxParallel),
	}
	for i := 0; i < cfg.MaxParallel; i++ {
		rt.wg.Add(1)
		go rt.worker(ctx)
	}
	rt.wg.Add(1)
	go rt.timeoutLoop(ctx, cfg.TimeoutPollInterval)
	return rt
}

// enqueue pushes a work item; if the queue is full the entry is dropped
// and will be picked up again at the next timeout-poll tick, matching
// the "poll once per scheduler tick" detail floor in the component
// design.
func (rt *Runtime) enqueue(pid, tid string) {
	select {
	case rt.queue <- readyEntry{pid: pid, tid: tid}:
	default:
	}
}

func (rt *Runtime) worker(ctx context.Context) {
	defer rt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-rt.queue:
			if !ok {
				return
			}
			rt.sem <- struct{}{}
			rt.advanceOne(ctx, entry)
			<-rt.sem
		}
	}
}

// procLock returns (creating if absent) the per-process advance lock
// that serializes task transitions within a single process.
func (rt *Runtime) procLock(pid string) *sync.Mutex {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.locks[pid]
	if !ok {
		l = &sync.Mutex{}
		rt.locks[pid] = l
	}
	return l
}

// advanceOne performs one advance step for a (pid, tid) entry. If the
// process's advance lock is already held, the entry is requeued rather
// than blocking this worker, per the concurrency model's "already being
// advanced" rule.
func (rt *Runtime) advanceOne(ctx context.Context, e readyEntry) {
	lock := rt.procLock(e.pid)
	if !lock.TryLock() {
		rt.enqueue(e.pid, e.tid)
		return
	}
	defer lock.Unlock()

	spanCtx, span := rt.tracer.StartAdvance(ctx, e.pid, e.tid)
	defer span.End()

	p, err := rt.LoadProc(spanCtx, e.pid)
	if err != nil {
		return
	}
	t := p.Task(e.tid)
	if t == nil {
		return
	}
	n := p.Tree.Node(t.NodeID)
	if n == nil {
		return
	}

	c := &Context{Go: spanCtx, Proc: p, Task: t, Node: n, rt: rt}
	if err := rt.process(c); err != nil {
		rt.metrics.TransitionErrors.Inc()
	}
	rt.Cache().upsertQuiescent(spanCtx, p)
}

// process implements the advance step from the scheduler component
// design: init on first discovery, gating + run once Ready/Pending,
// next/terminal once Running, then hooks + emit + cascade review.
func (rt *Runtime) process(c *Context) error {
	t := c.Task

	switch t.State {
	case task.StateNone:
		if err := rt.engine.Init(c); err != nil {
			t.SetErr(acterr.CodeOf(err), err.Error())
			_ = t.SetState(task.StateError)
			c.EmitError(t)
			return err
		}
		if err := t.SetState(task.StateReady); err != nil {
			return err
		}
		c.EmitTask(t)
		rt.runHooks(c, task.HookCreated)
		rt.metrics.Transitions.Inc()

	case task.StateReady, task.StatePending:
		if err := t.SetState(task.StateRunning); err != nil {
			return err
		}
		c.EmitTask(t)
		if c.Node.Kind == tree.KindStep {
			rt.runHooks(c, task.HookStep)
		}
		if err := rt.engine.Run(c); err != nil {
			t.SetErr(acterr.CodeOf(err), err.Error())
			_ = t.SetState(task.StateError)
			c.EmitError(t)
			rt.runCatchHooks(c, acterr.CodeOf(err))
			rt.onTerminal(c)
			return err
		}
		// Run may have left the task Interrupted (awaiting an external
		// action) — that case must not be requeued, since nothing about
		// the task itself changes until the action arrives. Any other
		// outcome (still Running) means Next has something new to
		// evaluate.
		if t.State == task.StateRunning {
			c.Requeue()
		}

	case task.StateRunning:
		done, err := rt.engine.Next(c)
		if err != nil {
			t.SetErr(acterr.CodeOf(err), err.Error())
			_ = t.SetState(task.StateError)
			c.EmitError(t)
			rt.runCatchHooks(c, acterr.CodeOf(err))
			rt.onTerminal(c)
			return err
		}
		if done {
			if !t.State.Terminal() {
				if err := t.SetState(task.StateCompleted); err != nil {
					return err
				}
			}
			c.EmitTask(t)
			rt.onTerminal(c)
		}
	}

	if t.State.Terminal() {
		rt.metrics.ActiveTasks.Dec()
	}
	return nil
}

func (rt *Runtime) onTerminal(c *Context) {
	rt.runHooks(c, task.HookCompleted)
	if parent := c.Proc.Tree.Parent(c.Node); parent != nil {
		for _, pt := range c.Proc.TaskByNID(parent.ID) {
			pc := &Context{Go: c.Go, Proc: c.Proc, Task: pt, Node: parent, rt: rt}
			_ = rt.engine.Review(pc, c.Task)
		}
	}
	if c.Node.Kind == tree.KindWorkflow {
		c.Proc.SetState(c.Task.State)
		rt.emitter.EmitProcEvent(emitter.ProcEvent{PID: c.Proc.PID, State: string(c.Proc.State)})
	}
}

// runHooks dispatches every statement registered for event on the
// current task, unless the task is itself a hook-origin task (a task
// dispatched from a hook never re-fires its own hook class).
func (rt *Runtime) runHooks(c *Context, event task.HookEvent) {
	if c.Task.HookOrigin || len(c.Task.Hooks[event]) == 0 {
		return
	}
	_ = rt.engine.DispatchHook(c, event)
}

// runCatchHooks walks the catch children of the erroring task's
// enclosing step (or nearest ancestor with catches) and dispatches the
// first matching clause's then-statements as a new child task. The
// dispatched task's id is recorded as a pending catch on every task
// instance of the node owning the clause, so that node's own Next
// blocks on the catch's outcome instead of completing the moment its
// erroring child goes terminal.
func (rt *Runtime) runCatchHooks(c *Context, errCode string) {
	n := c.Node
	for n != nil {
		matches := c.Proc.Tree.ChildrenMatching(n, tree.OutputCatch, errCode)
		if len(matches) > 0 {
			ct := c.DispatchAct(matches[0].ID, true)
			for _, owner := range c.Proc.TaskByNID(n.ID) {
				owner.SetDataWith(func(data map[string]any) {
					pending, _ := data["__pending_catches"].([]string)
					data["__pending_catches"] = append(pending, ct.ID)
				})
			}
			return
		}
		n = c.Proc.Tree.Parent(n)
	}
}

// Submit notifies the scheduler that tid's state was just changed
// directly (an inbound Action applied via pkg/action, rather than a
// transition process itself drove). A task an Action pushed straight
// to a terminal state never passes through process()'s own switch, so
// without this its parent would wait on a child it is never told to
// look at again; Submit runs the same onTerminal cascade process()
// would have run. A task an Action left non-terminal (e.g. 'next',
// which only asks for re-gating) is simply re-enqueued for its next
// ordinary advance pass.
func (rt *Runtime) Submit(ctx context.Context, pid, tid string) {
	p, err := rt.LoadProc(ctx, pid)
	if err != nil {
		return
	}
	t := p.Task(tid)
	if t == nil {
		return
	}
	if !t.State.Terminal() {
		rt.enqueue(pid, tid)
		return
	}

	lock := rt.procLock(pid)
	lock.Lock()
	defer lock.Unlock()
	n := p.Tree.Node(t.NodeID)
	if n == nil {
		return
	}
	c := &Context{Go: ctx, Proc: p, Task: t, Node: n, rt: rt}
	c.EmitTask(t)
	rt.onTerminal(c)
	rt.Cache().upsertQuiescent(ctx, p)
}

// Cache exposes the process cache for Submit/load_proc/eviction.
func (rt *Runtime) Cache() *Cache { return &Cache{Runtime: rt} }

// LoadProc returns the live process for pid, loading it from the store
// (deduped across concurrent callers via singleflight) if it is not
// already cached.
func (rt *Runtime) LoadProc(ctx context.Context, pid string) (*proc.Process, error) {
	rt.mu.Lock()
	if p, ok := rt.cache[pid]; ok {
		rt.mu.Unlock()
		return p, nil
	}
	rt.mu.Unlock()

	v, err, _ := rt.sf.Do(pid, func() (any, error) {
		return rt.loadFromStore(ctx, pid)
	})
	if err != nil {
		return nil, err
	}
	p := v.(*proc.Process)
	rt.mu.Lock()
	rt.cache[pid] = p
	rt.mu.Unlock()
	return p, nil
}

// StartProcess deploys a new process against (modelID, modelVer): it
// compiles (or reuses the cached compile of) the model's tree, creates
// the process's Workflow-kind root task in State None, caches the
// process, and enqueues the root task — the "starts a process...causes
// the scheduler to enqueue the root task" step of the runtime's
// dataflow. The caller is responsible for persisting the returned
// process's ProcRow before relying on it surviving a restart; the
// scheduler itself only persists at a quiescent boundary.
func (rt *Runtime) StartProcess(ctx context.Context, pid, modelID, modelVer string, env map[string]any) (*proc.Process, error) {
	compiled, modelSnapshot, err := rt.models(ctx, modelID, modelVer)
	if err != nil {
		return nil, &acterr.StoreError{Op: "start_process_model", Entity: modelID, Cause: err}
	}
	p := proc.New(pid, modelSnapshot, compiled, env)
	p.ModelID, p.ModelVer = modelID, modelVer
	root := p.Load()

	rt.mu.Lock()
	rt.cache[p.PID] = p
	rt.mu.Unlock()

	rt.enqueue(p.PID, root.ID)
	return p, nil
}

// timeoutLoop samples every cached process once per interval for tasks
// whose declared timeout has elapsed. It runs for the lifetime of the
// runtime, alongside the worker pool.
func (rt *Runtime) timeoutLoop(ctx context.Context, interval time.Duration) {
	defer rt.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.pollTimeouts(ctx)
		}
	}
}

// pollTimeouts snapshots the process cache and checks each process in
// turn; a process already mid-advance is skipped for this tick rather
// than blocked on, and picked up again next tick.
func (rt *Runtime) pollTimeouts(ctx context.Context) {
	rt.mu.Lock()
	procs := make([]*proc.Process, 0, len(rt.cache))
	for _, p := range rt.cache {
		procs = append(procs, p)
	}
	rt.mu.Unlock()
	for _, p := range procs {
		rt.pollProcTimeouts(ctx, p)
	}
}

func (rt *Runtime) pollProcTimeouts(ctx context.Context, p *proc.Process) {
	lock := rt.procLock(p.PID)
	if !lock.TryLock() {
		return
	}
	defer lock.Unlock()

	now := time.Now()
	for _, t := range p.Tasks() {
		if t.State.Terminal() || t.StartAt == nil {
			continue
		}
		n := p.Tree.Node(t.NodeID)
		if n == nil {
			continue
		}
		timeoutNodes := p.Tree.Children(n, tree.OutputTimeout)
		if len(timeoutNodes) == 0 {
			continue
		}
		d, ok := timeoutDuration(n)
		if !ok {
			continue
		}
		if now.Sub(*t.StartAt) >= d {
			rt.fireTimeout(ctx, p, t, n, timeoutNodes[0])
		}
	}
}

// timeoutDuration reads the declared timeout expression off n's act or
// step content and parses it as a Go duration.
func timeoutDuration(n *tree.Node) (time.Duration, bool) {
	var on string
	switch content := n.Content.(type) {
	case *model.Step:
		on = content.Timeout.On
	case *model.Act:
		on = content.Timeout.On
	default:
		return 0, false
	}
	if on == "" {
		return 0, false
	}
	d, err := time.ParseDuration(on)
	if err != nil {
		return 0, false
	}
	return d, true
}

// fireTimeout records a timeout error on t, runs its HookTimeout
// statements, dispatches the declared timeout clause, and lets the
// usual onTerminal cascade notify t's parent.
func (rt *Runtime) fireTimeout(ctx context.Context, p *proc.Process, t *task.Task, n, timeoutNode *tree.Node) {
	t.SetErr(TimeoutErrCode, "timeout elapsed")
	if err := t.SetState(task.StateError); err != nil {
		return
	}
	c := &Context{Go: ctx, Proc: p, Task: t, Node: n, rt: rt}
	c.EmitError(t)
	rt.runHooks(c, task.HookTimeout)
	c.DispatchAct(timeoutNode.ID, true)
	rt.onTerminal(c)
}

func (rt *Runtime) loadFromStore(ctx context.Context, pid string) (*proc.Process, error) {
	row, err := rt.procs.Find(ctx, pid)
	if err != nil {
		return nil, &acterr.StoreError{Op: "load_proc", Entity: pid, Cause: err}
	}
	taskRows, err := rt.tasks.Query(ctx, store.Leaf("PID", store.OpEq, pid))
	if err != nil {
		return nil, &acterr.StoreError{Op: "load_proc_tasks", Entity: pid, Cause: err}
	}

	compiled, modelSnapshot, err := rt.models(ctx, row.ModelID, row.ModelVer)
	if err != nil {
		return nil, &acterr.StoreError{Op: "load_proc_model", Entity: row.ModelID, Cause: err}
	}
	p := proc.New(row.PID, modelSnapshot, compiled, row.Env)
	p.ModelID, p.ModelVer = row.ModelID, row.ModelVer
	p.SetState(task.State(row.State))
	for _, tr := range taskRows {
		nt := task.New(tr.TID, tr.NodeID, tr.CreateAt)
		nt.Prev = tr.Prev
		nt.Data = tr.Data
		if tr.State != "" {
			nt.State = task.State(tr.State)
		}
		nt.StartAt, nt.EndAt = tr.StartAt, tr.EndAt
		if tr.ErrCode != "" {
			nt.Err = &task.ErrInfo{Code: tr.ErrCode, Message: tr.ErrMsg}
		}
		p.PushTask(nt)
	}
	return p, nil
}
