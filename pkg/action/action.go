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

// Package action defines the inbound Action envelope external callers
// use to resume or redirect a task — complete, back, abort, cancel,
// skip, error, submit, next — and the dispatch-time validation contract
// that rejects malformed or illegal requests synchronously, before they
// ever touch task state. Validation errors are structured
// acterr.ActionError values (pid, tid, event, reason) rather than
// opaque strings.
package action

import (
	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// Event names an inbound command.
type Event string

const (
	EventComplete Event = "complete"
	EventBack     Event = "back"
	EventAbort    Event = "abort"
	EventCancel   Event = "cancel"
	EventSkip     Event = "skip"
	EventError    Event = "error"
	EventSubmit   Event = "submit"
	EventNext     Event = "next"
)

// resultState maps each event to the task state it drives, mirroring
// the cmd act's built-in command set.
var resultState = map[Event]task.State{
	EventComplete: task.StateCompleted,
	EventBack:     task.StateBacked,
	EventAbort:    task.StateAborted,
	EventCancel:   task.StateCancelled,
	EventSkip:     task.StateSkipped,
	EventError:    task.StateError,
	EventSubmit:   task.StateSubmitted,
}

// Action is an inbound request against one task of one process. Options
// are merged into the acting Context's vars so expressions can read
// values like the initiator id back.
type Action struct {
	PID     string
	TID     string
	Event   Event
	Options map[string]any
}

// candidatesDataKey mirrors pkg/act's irq candidate-set storage key.
const candidatesDataKey = "__candidates"

// checkCandidates rejects an action against an irq task restricted to a
// candidate set when the action's initiator isn't in it. A task with no
// resolved candidate set, or an action with no initiator_id (anonymous
// caller), is unrestricted.
func checkCandidates(a Action, target *task.Task) error {
	raw, ok := target.Data[candidatesDataKey]
	if !ok {
		return nil
	}
	cands, ok := raw.([]string)
	if !ok || len(cands) == 0 {
		return nil
	}
	initiator, _ := a.Options["initiator_id"].(string)
	for _, c := range cands {
		if c == initiator {
			return nil
		}
	}
	return &acterr.ActionError{
		PID: a.PID, TID: a.TID, Event: string(a.Event),
		Reason: "initiator not in task's candidate set",
	}
}

// Validate checks an Action against the target task's current state
// before any mutation is attempted: unknown event, disallowed event for
// a terminal task, the cmd-act rule that 'error' requires an err_code
// input, the back rule that 'to' must name an ancestor step, and (for
// an irq task with a resolved candidate set) that the initiator is one
// of the candidates. p is the owning process, used to resolve node
// ancestry for 'back'; it may be nil for events that never need it.
func Validate(a Action, target *task.Task, p *proc.Process) error {
	if target == nil {
		return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "task not found"}
	}
	to, known := resultState[a.Event]
	if !known && a.Event != EventNext {
		return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "unknown event"}
	}
	if a.Event == EventError {
		if code, _ := a.Options["err_code"].(string); code == "" {
			return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "error action requires err_code"}
		}
	}
	if a.Event == EventBack {
		toID, ok := a.Options["to"].(string)
		if !ok || toID == "" {
			return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "back action requires a to option"}
		}
		if p != nil && !isAncestorNode(p, toID, a.TID) {
			return &acterr.ActionError{PID: a.PID, TID: a.TID, Event: string(a.Event), Reason: "to does not name an ancestor step"}
		}
	}
	if err := checkCandidates(a, target); err != nil {
		return err
	}
	if a.Event == EventNext {
		return nil // 'next' re-evaluates gating rather than forcing a terminal state
	}
	if !task.CanTransition(target.State, to) {
		return &acterr.ActionError{
			PID: a.PID, TID: a.TID, Event: string(a.Event),
			Reason: "action not legal from task's current state",
		}
	}
	return nil
}

// Apply validates then performs the state transition the action
// implies, recording err_code/err_message on the task first when the
// event is 'error'. back/abort/cancel cascade to the task's
// descendants and (for back/cancel) create a fresh task to resume
// from, rather than writing the terminal state alone.
func Apply(a Action, target *task.Task, p *proc.Process) error {
	if err := Validate(a, target, p); err != nil {
		return err
	}
	switch a.Event {
	case EventNext:
		return nil
	case EventError:
		code, _ := a.Options["err_code"].(string)
		msg, _ := a.Options["err_message"].(string)
		target.SetErr(code, msg)
		return target.SetState(task.StateError)
	case EventBack:
		to, _ := a.Options["to"].(string)
		return applyBack(p, target, to)
	case EventAbort:
		return applyAbort(p, target)
	case EventCancel:
		return applyCancel(p, target)
	default:
		return target.SetState(resultState[a.Event])
	}
}

// isAncestorNode reports whether ancestorID names a node strictly
// above tid's own node in p's tree.
func isAncestorNode(p *proc.Process, ancestorID, tid string) bool {
	t := p.Task(tid)
	if t == nil {
		return false
	}
	n := p.Tree.Node(t.NodeID)
	if n == nil {
		return false
	}
	for par := p.Tree.Parent(n); par != nil; par = p.Tree.Parent(par) {
		if par.ID == ancestorID {
			return true
		}
	}
	return false
}

// cascadeAbort duplicates pkg/sch's Context.cascadeAbort for the
// externally-authenticated inbound-action path, which has no Context
// (and so no runtime queue to push newly-created tasks onto) of its
// own — only a proc.Process to walk.
func cascadeAbort(p *proc.Process, t *task.Task) {
	if p == nil {
		return
	}
	n := p.Tree.Node(t.NodeID)
	if n == nil {
		return
	}
	for _, kind := range []tree.OutputKind{tree.OutputNormal, tree.OutputThen, tree.OutputElse, tree.OutputCatch, tree.OutputTimeout} {
		for _, k := range p.Tree.Children(n, kind) {
			for _, ct := range p.TaskByNID(k.ID) {
				switch ct.State {
				case task.StateRunning, task.StateInterrupted:
					_ = ct.SetState(task.StateAborted)
					cascadeAbort(p, ct)
				case task.StateNone, task.StateReady, task.StatePending:
					_ = ct.SetState(task.StateSkipped)
				}
			}
		}
	}
}

func applyAbort(p *proc.Process, t *task.Task) error {
	if !t.State.Terminal() {
		if err := t.SetState(task.StateAborted); err != nil {
			return err
		}
	}
	cascadeAbort(p, t)
	return nil
}

func applyCancel(p *proc.Process, t *task.Task) error {
	if !t.State.Terminal() {
		if err := t.SetState(task.StateCancelled); err != nil {
			return err
		}
	}
	cascadeAbort(p, t)
	if p != nil {
		nt := p.CreateTask(t.NodeID, nil)
		nt.Prev = t.Prev
	}
	return nil
}

func applyBack(p *proc.Process, t *task.Task, to string) error {
	if !t.State.Terminal() {
		if err := t.SetState(task.StateBacked); err != nil {
			return err
		}
	}
	cascadeAbort(p, t)
	if p != nil && to != "" {
		p.CreateTask(to, t)
	}
	return nil
}
