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

// Package sch is the scheduler/runtime: the ready-queue loop that
// advances one task at a time per process, the Context that gives a
// single advance step an ambient (proc, task) pair, and the process
// cache bridging the in-memory working set to the store. The
// goroutine-pool-with-semaphore shape and the mutable/snapshot split
// follow this runtime's own run-tracking package; the tick-driven
// sampling for timeouts follows its scheduler loop.
package sch

import (
	"context"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/emitter"
	"github.com/tombee/acts/pkg/expression"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// Engine performs the act-specific work behind the generic advance step;
// pkg/act implements this so pkg/sch never needs to import pkg/act (the
// dependency points the other way, breaking what would otherwise be an
// import cycle between the dispatcher and the context it operates on).
type Engine interface {
	// Init runs a task's init behavior when it is first discovered in
	// State None.
	Init(ctx *Context) error
	// Run executes a task's primary behavior once it is Running.
	Run(ctx *Context) error
	// Next reports whether the task's act considers itself internally
	// finished (ready to move to a terminal state).
	Next(ctx *Context) (bool, error)
	// Review lets a parent node react to one of its children reaching a
	// terminal state (join-of-siblings, chain continuation, etc).
	Review(ctx *Context, child *task.Task) error
	// DispatchHook runs every statement registered under event on the
	// task ambient to ctx, compiling each into a child Act-kind task.
	DispatchHook(ctx *Context, event task.HookEvent) error
}

// Context is installed as the ambient value for the duration of a
// single act evaluation so that expression evaluation, hook execution,
// and nested act dispatch all observe the same (proc, task) pair.
// Context instances are short-lived and never retained past the advance
// step that created them.
type Context struct {
	Go   context.Context
	Proc *proc.Process
	Task *task.Task
	Node *tree.Node

	rt     *Runtime
	action map[string]any // merged options from SetAction, if any

	hookOrigin bool
}

// Vars builds the evaluation environment for expressions run under this
// context: task data, then process-local env, then global env, with any
// merged action options layered on top so hook hook hooks and hook
// expressions can read e.g. the initiator id.
func (c *Context) Vars() map[string]any {
	vars := map[string]any{}
	if c.Task != nil {
		for k, v := range c.Task.Data {
			vars[k] = v
		}
	}
	c.Proc.WithEnvLocalMut(func(env map[string]any) {
		for k, v := range env {
			if _, exists := vars[k]; !exists {
				vars[k] = v
			}
		}
	})
	for k, v := range c.action {
		vars[k] = v
	}
	return vars
}

// SetAction records an inbound action's options into the context vars.
func (c *Context) SetAction(options map[string]any) {
	c.action = options
}

// Eval runs an expression under this context's vars.
func Eval[T any](c *Context, expr string) (T, error) {
	return expression.Eval[T](c.rt.eval, expr, c.Vars())
}

// SchedTask creates a child task for nodeID under the current task and
// enqueues it for advancing.
func (c *Context) SchedTask(nodeID string) *task.Task {
	t := c.Proc.CreateTask(nodeID, c.Task)
	c.rt.enqueue(c.Proc.PID, t.ID)
	return t
}

// DispatchAct creates a child task of the current task for the
// existing node nodeID and enqueues it. isHookEvent marks the resulting
// task so its own hook class cannot re-fire recursively.
func (c *Context) DispatchAct(nodeID string, isHookEvent bool) *task.Task {
	t := c.Proc.CreateTask(nodeID, c.Task)
	t.HookOrigin = isHookEvent
	c.rt.enqueue(c.Proc.PID, t.ID)
	return t
}

// RedoTask re-creates a task from the same node with the same prev.
func (c *Context) RedoTask(t *task.Task) *task.Task {
	nt := c.Proc.CreateTask(t.NodeID, nil)
	nt.Prev = t.Prev
	c.rt.enqueue(c.Proc.PID, nt.ID)
	return nt
}

// Requeue re-enters t's own task into the ready queue so a subsequent
// advance step re-evaluates its Next/Review outcome. Dispatchers call
// this from Review so a parent's join/chain condition is re-checked
// every time one of its children reaches a terminal state; without it
// a parent whose children terminate asynchronously would never be
// looked at again.
func (c *Context) Requeue() {
	c.rt.enqueue(c.Proc.PID, c.Task.ID)
}

// AbortTask marks t Aborted, ignoring the illegal-transition case when
// t is already terminal (abort is best-effort cleanup), then cascades
// the abort down to every descendant task across all output buckets:
// running or interrupted descendants are themselves aborted and
// recursed into, pending ones are skipped outright.
func (c *Context) AbortTask(t *task.Task) error {
	if !t.State.Terminal() {
		if err := t.SetState(task.StateAborted); err != nil {
			return err
		}
	}
	c.cascadeAbort(t)
	return nil
}

// CancelTask marks t Cancelled, cascades the same abort/skip treatment
// to its descendants, and redoes the step/act by creating a fresh task
// instance from the same node.
func (c *Context) CancelTask(t *task.Task) (*task.Task, error) {
	if !t.State.Terminal() {
		if err := t.SetState(task.StateCancelled); err != nil {
			return nil, err
		}
	}
	c.cascadeAbort(t)
	return c.RedoTask(t), nil
}

// BackTask validates that targetNodeID names a strict ancestor of t's
// own node, marks t Backed, cascades the abort/skip treatment to t's
// descendants, and creates a new task at the target node linked back
// to t via Prev so the resumed run can see where it returned from.
func (c *Context) BackTask(t *task.Task, targetNodeID string) (*task.Task, error) {
	n := c.Proc.Tree.Node(t.NodeID)
	if n == nil || !isAncestor(c.Proc.Tree, targetNodeID, n) {
		return nil, &acterr.ActionError{PID: c.Proc.PID, TID: t.ID, Event: "back", Reason: "to does not name an ancestor step"}
	}
	if !t.State.Terminal() {
		if err := t.SetState(task.StateBacked); err != nil {
			return nil, err
		}
	}
	c.cascadeAbort(t)
	nt := c.Proc.CreateTask(targetNodeID, t)
	c.rt.enqueue(c.Proc.PID, nt.ID)
	return nt, nil
}

// cascadeAbort walks every child of t's node across all output buckets
// and, for each task instance found at that child node, aborts running
// or interrupted ones (recursing further down) and skips pending ones
// outright. Terminal descendants other than running/interrupted are
// left untouched.
func (c *Context) cascadeAbort(t *task.Task) {
	n := c.Proc.Tree.Node(t.NodeID)
	if n == nil {
		return
	}
	for _, kind := range []tree.OutputKind{tree.OutputNormal, tree.OutputThen, tree.OutputElse, tree.OutputCatch, tree.OutputTimeout} {
		for _, k := range c.Proc.Tree.Children(n, kind) {
			for _, ct := range c.Proc.TaskByNID(k.ID) {
				switch ct.State {
				case task.StateRunning, task.StateInterrupted:
					_ = ct.SetState(task.StateAborted)
					c.cascadeAbort(ct)
				case task.StateNone, task.StateReady, task.StatePending:
					_ = ct.SetState(task.StateSkipped)
				}
			}
		}
	}
}

// isAncestor reports whether ancestorID names a node strictly above n
// in the tree (n itself does not count).
func isAncestor(t *tree.Tree, ancestorID string, n *tree.Node) bool {
	for p := t.Parent(n); p != nil; p = t.Parent(p) {
		if p.ID == ancestorID {
			return true
		}
	}
	return false
}

// UndoTask reverts an Interrupted task back to Running so its act can
// be re-evaluated.
func (c *Context) UndoTask(t *task.Task) error {
	return t.SetState(task.StateRunning)
}

// EmitTask publishes a task-state-transition event via the runtime's
// emitter.
func (c *Context) EmitTask(t *task.Task) {
	c.rt.emitter.EmitTaskEvent(emitter.TaskEvent{PID: c.Proc.PID, TID: t.ID, State: string(t.State)})
}

// EmitMessage persists a message for the current task via the emitter;
// delivery happens later, through the emitter's retry pass.
func (c *Context) EmitMessage(key string, inputs, outputs map[string]any) error {
	return c.rt.emitter.EmitMessage(c.Go, messageRow(c.Proc, c.Task, key, inputs, outputs))
}

// EmitError records the task's error state via the emitter, after the
// caller has already called task.SetErr/SetState(StateError).
func (c *Context) EmitError(t *task.Task) {
	c.EmitTask(t)
}

// Scope calls fn with ctx. Nothing is installed as an ambient value:
// fn sees ctx only as its argument, and a nested Scope call uses
// whatever context it is given.
func Scope(ctx *Context, fn func(*Context) error) error {
	return fn(ctx)
}
