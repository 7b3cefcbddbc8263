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

// Package task implements the runtime task state machine: the mutable
// record of one node's execution within a process, and the transition
// table that guards its state changes. The table-driven shape mirrors
// the state-machine package this runtime was ported from, generalized
// from five workflow states to the task lifecycle's thirteen.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/tombee/acts/pkg/acterr"
)

// State is a task's lifecycle position.
type State string

const (
	StateNone        State = "none"
	StateReady       State = "ready"
	StatePending     State = "pending"
	StateInterrupted State = "interrupted"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateSubmitted   State = "submitted"
	StateBacked      State = "backed"
	StateCancelled   State = "cancelled"
	StateAborted     State = "aborted"
	StateSkipped     State = "skipped"
	StateRemoved     State = "removed"
	StateError       State = "error"
)

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateSubmitted, StateSkipped, StateBacked,
		StateCancelled, StateAborted, StateError, StateRemoved:
		return true
	}
	return false
}

// transitions is the allowed-to table: table[from] is the set of states
// reachable directly from from. Built once from the component design's
// state table rather than an enumerated slice, since the fan-out here
// is large enough that a slice-of-rules reads worse than a map.
var transitions = map[State]map[State]bool{
	StateNone: set(StateReady, StateSkipped),
	StateReady: set(StatePending, StateRunning, StateSkipped),
	StatePending: set(StateRunning),
	StateRunning: set(StateInterrupted, StateCompleted, StateError,
		StateAborted, StateBacked, StateCancelled, StateSubmitted),
	StateInterrupted: set(StateRunning, StateCompleted, StateError,
		StateAborted, StateBacked, StateCancelled),
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether from -> to is legal without mutating
// anything.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	allowed := transitions[from]
	return allowed != nil && allowed[to]
}

// ErrInfo is the error code (task/node not found, etc) and message
// stored on a Task that reached StateError.
type ErrInfo struct {
	Code    string
	Message string
}

// HookEvent names a lifecycle moment that may carry registered statements.
type HookEvent string

const (
	HookCreated        HookEvent = "created"
	HookBeforeUpdate    HookEvent = "before_update"
	HookUpdated         HookEvent = "updated"
	HookCompleted       HookEvent = "completed"
	HookStep            HookEvent = "step"
	HookErrorCatch      HookEvent = "error_catch"
	HookTimeout         HookEvent = "timeout"
)

// Stmt is an opaque act statement reference; pkg/act owns the concrete
// type, task only stores and iterates the slice.
type Stmt any

// Task is the mutable runtime record for one node's execution within a
// process. Exported fields are safe to read directly; all state
// transitions must go through SetState so the table above is enforced
// and start/end timestamps stay single-write.
type Task struct {
	mu sync.Mutex

	ID       string
	NodeID   string
	State    State
	StartAt  *time.Time
	EndAt    *time.Time
	CreateAt int64 // process-local monotonic counter value
	Prev     string
	Data     map[string]any
	Hooks    map[HookEvent][]Stmt
	Err      *ErrInfo

	// HookOrigin marks a task that was itself dispatched from a hook,
	// preventing its own hook class from re-firing recursively.
	HookOrigin bool
}

// New creates a task in State None for nodeID, owned by the caller's
// process at the given monotonic timestamp.
func New(id, nodeID string, createAt int64) *Task {
	return &Task{
		ID:       id,
		NodeID:   nodeID,
		State:    StateNone,
		CreateAt: createAt,
		Data:     map[string]any{},
		Hooks:    map[HookEvent][]Stmt{},
	}
}

// SetState enforces the transition table, stamping StartAt on first
// entry to Running/Interrupted and EndAt on first entry to a terminal.
// Errors to a terminal state are recorded via SetErr before calling
// SetState(StateError).
func (t *Task) SetState(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State == to {
		return nil
	}
	if !CanTransition(t.State, to) {
		return &acterr.RuntimeError{
			TID:    t.ID,
			Reason: fmt.Sprintf("illegal transition %s -> %s", t.State, to),
		}
	}

	now := time.Now()
	if (to == StateRunning || to == StateInterrupted) && t.StartAt == nil {
		t.StartAt = &now
	}
	if to.Terminal() && t.EndAt == nil {
		t.EndAt = &now
	}
	t.State = to
	return nil
}

// SetErr records error details; callers then call SetState(StateError)
// to complete the transition.
func (t *Task) SetErr(code, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Err = &ErrInfo{Code: code, Message: message}
}

// AddHookStmts appends a statement to the given lifecycle event's list.
func (t *Task) AddHookStmts(event HookEvent, stmt Stmt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Hooks[event] = append(t.Hooks[event], stmt)
}

// AddHookCatch registers a statement under the ErrorCatch lifecycle slot.
func (t *Task) AddHookCatch(stmt Stmt) { t.AddHookStmts(HookErrorCatch, stmt) }

// AddHookTimeout registers a statement under the Timeout lifecycle slot.
func (t *Task) AddHookTimeout(stmt Stmt) { t.AddHookStmts(HookTimeout, stmt) }

// SetDataWith applies fn to Data under the task's lock, for atomic
// read-modify-write mutation from concurrent act evaluations.
func (t *Task) SetDataWith(fn func(data map[string]any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Data == nil {
		t.Data = map[string]any{}
	}
	fn(t.Data)
}

// Snapshot is an immutable projection of a Task safe to hand outside the
// task's owning process — no aliasing to Task's internal maps.
type Snapshot struct {
	ID       string
	NodeID   string
	State    State
	StartAt  *time.Time
	EndAt    *time.Time
	CreateAt int64
	Prev     string
	Data     map[string]any
	Err      *ErrInfo
}

// IntoData produces a persistable, alias-free projection of the task.
func (t *Task) IntoData() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := make(map[string]any, len(t.Data))
	for k, v := range t.Data {
		data[k] = v
	}
	var errCopy *ErrInfo
	if t.Err != nil {
		e := *t.Err
		errCopy = &e
	}
	return Snapshot{
		ID:       t.ID,
		NodeID:   t.NodeID,
		State:    t.State,
		StartAt:  t.StartAt,
		EndAt:    t.EndAt,
		CreateAt: t.CreateAt,
		Prev:     t.Prev,
		Data:     data,
		Err:      errCopy,
	}
}
