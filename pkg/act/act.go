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

// Package act is the dispatch interpreter behind pkg/sch's Engine
// interface: a tagged switch over each act variant, one execute<Variant>
// method per case, following the executor this runtime's act dispatch
// was ported from (there, one executeStep per step.Type; here, one
// dispatch func per act discriminator plus the container-node case for
// Workflow/Branch/Step nodes, which simply schedule their children).
package act

import (
	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/pack"
	"github.com/tombee/acts/pkg/sch"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// Dispatcher implements sch.Engine.
type Dispatcher struct {
	Packages pack.Loader
	// Workflows starts a sub-process for the call act and blocks until
	// it completes, returning its declared outputs.
	Workflows WorkflowCaller
}

// WorkflowCaller instantiates another deployed workflow as a sub-process.
type WorkflowCaller interface {
	Call(ctx *sch.Context, workflowID string, inputs map[string]any) (outputs map[string]any, err error)
}

var _ sch.Engine = (*Dispatcher)(nil)

func content(n *tree.Node) (*model.Act, bool) {
	a, ok := n.Content.(*model.Act)
	return a, ok
}

// Init validates dispatch-time-only constraints (irq/msg with an empty
// key is an error before the task ever runs) and, for a step-kind node,
// runs its setup acts once before the step's own children are
// scheduled in Run.
func (d *Dispatcher) Init(c *sch.Context) error {
	if s, ok := c.Node.Content.(*model.Step); ok {
		return d.runSetup(c, s.Setup)
	}
	a, ok := content(c.Node)
	if !ok {
		return nil
	}
	switch a.Dispatch {
	case "irq", "msg":
		if a.Key == "" {
			return &acterr.ModelError{NodeID: c.Node.ID, Reason: a.Dispatch + " requires a non-empty key"}
		}
	case "cmd":
		if cmd, _ := a.Params["cmd"].(string); cmd == "error" {
			if _, ok := a.Inputs["err_code"]; !ok {
				return &acterr.ModelError{NodeID: c.Node.ID, Reason: "cmd error requires err_code input"}
			}
		}
	}
	if len(a.Setup) > 0 {
		if err := d.runSetup(c, a.Setup); err != nil {
			return err
		}
	}
	return nil
}

// runSetup dispatches each setup act synchronously against the current
// task's own context, before Init returns and the task moves to Ready.
// Setup acts are limited to the data/side-effect acts (set, expose,
// msg) that mutate the current task rather than schedule children: a
// setup act is never compiled as a tree node of its own, so container
// acts (if/each/chain/block/call/pack) have nothing to attach nested
// children to here.
func (d *Dispatcher) runSetup(c *sch.Context, acts []model.Act) error {
	for i := range acts {
		if err := d.dispatch(c, &acts[i]); err != nil {
			return err
		}
	}
	return nil
}

// Run dispatches container nodes (Workflow/Branch/Step: schedule every
// normal child) or one act variant.
func (d *Dispatcher) Run(c *sch.Context) error {
	switch c.Node.Kind {
	case tree.KindWorkflow, tree.KindBranch, tree.KindStep:
		return d.runContainer(c)
	}
	a, ok := content(c.Node)
	if !ok {
		return &acterr.RuntimeError{PID: c.Proc.PID, TID: c.Task.ID, Reason: "act node missing content"}
	}
	return d.dispatch(c, a)
}

func (d *Dispatcher) runContainer(c *sch.Context) error {
	kids := c.Proc.Tree.Children(c.Node, tree.OutputNormal)
	for _, k := range kids {
		c.SchedTask(k.ID)
	}
	if len(kids) == 0 {
		return nil // empty container completes on the next advance pass
	}
	return nil
}

func (d *Dispatcher) dispatch(c *sch.Context, a *model.Act) error {
	switch a.Dispatch {
	case "irq":
		return d.execIrq(c, a)
	case "msg":
		return d.execMsg(c, a)
	case "cmd":
		return d.execCmd(c, a)
	case "set":
		return d.execSet(c, a)
	case "expose":
		return d.execExpose(c, a)
	case "if":
		return d.execIf(c, a)
	case "each":
		return d.execEach(c, a)
	case "chain":
		return d.execChain(c, a)
	case "block":
		return d.execBlock(c, a)
	case "call":
		return d.execCall(c, a)
	case "pack":
		return d.execPack(c, a)
	default:
		if isHookRegistrar(a.Dispatch) {
			return nil // hooks are registered on init, not executed here
		}
		return &acterr.ModelError{NodeID: c.Node.ID, Reason: "unknown act: " + a.Dispatch}
	}
}

func isHookRegistrar(dispatch string) bool {
	switch dispatch {
	case "on-created", "on-completed", "on-before-update", "on-updated",
		"on-step", "on-error-catch", "on-timeout":
		return true
	}
	return false
}

// Next reports whether the current task's act is internally finished.
// Container nodes and the acts that spawn children (if/each/block/call/
// pack) finish once every child they scheduled is terminal — for if,
// only the children of the branch it took; chain finishes once its last
// element has drained; the remaining acts (set/expose/cmd/msg) finish
// the same advance pass they ran in, since they have no children to
// wait on. irq never
// reaches Next while Interrupted — it resumes only via an inbound
// action, which itself drives the task to a terminal state directly.
func (d *Dispatcher) Next(c *sch.Context) (bool, error) {
	blocked, forced, err := resolvePendingCatches(c)
	if err != nil {
		return false, err
	}
	if forced {
		return true, nil
	}
	if blocked {
		return false, nil
	}

	switch c.Node.Kind {
	case tree.KindWorkflow, tree.KindBranch, tree.KindStep:
		return allChildrenTerminal(c, tree.OutputNormal), nil
	}
	a, ok := content(c.Node)
	if !ok {
		return true, nil
	}
	switch a.Dispatch {
	case "if":
		branch, _ := c.Task.Data["__branch"].(string)
		if branch == "" {
			return true, nil // branch had no acts to run
		}
		return allChildrenTerminal(c, tree.OutputKind(branch)), nil
	case "each":
		return allChildrenTerminal(c, tree.OutputThen), nil
	case "chain":
		done, _ := c.Task.Data["__chain_done"].(bool)
		return done, nil
	case "block", "call", "pack":
		return allChildrenTerminal(c, tree.OutputNormal), nil
	default:
		return true, nil
	}
}

// resolvePendingCatches drains the current task's __pending_catches
// list (set by the scheduler when one of its descendants errored into
// a matching catch clause). A still-running catch task blocks the
// current task's own Next from reporting done; a catch that completes
// drops off the list and its error is considered handled; a catch that
// reaches any other terminal state forces that same terminal state
// onto the current task, propagating it the way an unhandled error
// would.
func resolvePendingCatches(c *sch.Context) (blocked, forced bool, err error) {
	pending, _ := c.Task.Data["__pending_catches"].([]string)
	if len(pending) == 0 {
		return false, false, nil
	}
	remaining := make([]string, 0, len(pending))
	for _, id := range pending {
		ct := c.Proc.Task(id)
		if ct == nil || !ct.State.Terminal() {
			remaining = append(remaining, id)
			continue
		}
		if ct.State != task.StateCompleted {
			c.Task.SetDataWith(func(data map[string]any) { data["__pending_catches"] = []string{} })
			if !c.Task.State.Terminal() {
				if serr := c.Task.SetState(ct.State); serr != nil {
					return false, false, serr
				}
			}
			return false, true, nil
		}
	}
	c.Task.SetDataWith(func(data map[string]any) { data["__pending_catches"] = remaining })
	return len(remaining) > 0, false, nil
}

// allChildrenTerminal reports whether every child of c.Node in the given
// bucket has at least one task instance scheduled against it and every
// such instance is terminal.
// A bucket with no declared children (e.g. an empty then-list) is
// vacuously done, matching the empty-step-completes-in-one-pass rule.
func allChildrenTerminal(c *sch.Context, kind tree.OutputKind) bool {
	for _, k := range c.Proc.Tree.Children(c.Node, kind) {
		instances := c.Proc.TaskByNID(k.ID)
		if len(instances) == 0 {
			return false // child not yet scheduled
		}
		for _, t := range instances {
			if !t.State.Terminal() {
				return false
			}
		}
	}
	return true
}

// Review reacts to one child of the current node reaching a terminal
// state. Every call re-enqueues the current task so its own Next gets
// re-evaluated against the child's new state (join-of-siblings,
// pending-catch resolution); a chain act additionally advances to its
// next element once the child belongs to its current then-group and
// that group has fully drained.
func (d *Dispatcher) Review(c *sch.Context, child *task.Task) error {
	if a, ok := content(c.Node); ok && a.Dispatch == "chain" {
		if err := d.reviewChain(c, child); err != nil {
			return err
		}
	}
	c.Requeue()
	return nil
}

// DispatchHook compiles every statement registered under event on the
// ambient task into a child Act-kind task. Hook statements are modeled
// as *model.Act values stored as task.Stmt; this dispatches each as a
// dynamically scheduled node under the current task, marked hook-origin
// so it cannot itself re-trigger the same hook class.
func (d *Dispatcher) DispatchHook(c *sch.Context, event task.HookEvent) error {
	for range c.Task.Hooks[event] {
		c.DispatchAct(c.Node.ID, true)
	}
	return nil
}
