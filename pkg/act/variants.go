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

package act

import (
	"fmt"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/sch"
	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

// execIrq creates an interactive-request task that enters Interrupted
// immediately after emitting its creation event; it resumes only when
// an external action targets its id.
func (d *Dispatcher) execIrq(c *sch.Context, a *model.Act) error {
	inputs := resolveTemplate(c, a.Inputs)
	if err := c.EmitMessage(a.Key, inputs, nil); err != nil {
		return err
	}
	cands, err := resolveCandidates(c, a)
	if err != nil {
		return err
	}
	if len(cands) > 0 {
		c.Task.SetDataWith(func(data map[string]any) {
			data[candidatesDataKey] = []string(cands)
		})
	}
	return c.Task.SetState(task.StateInterrupted)
}

// execMsg emits one fire-and-forget message with the resolved inputs.
func (d *Dispatcher) execMsg(c *sch.Context, a *model.Act) error {
	inputs := resolveTemplate(c, a.Inputs)
	return c.EmitMessage(a.Key, inputs, nil)
}

// execCmd executes one of the built-in inbound commands against the
// enclosing task (the parent node's most recent task).
func (d *Dispatcher) execCmd(c *sch.Context, a *model.Act) error {
	cmdName, _ := a.Params["cmd"].(string)
	parent := c.Proc.Tree.Parent(c.Node)
	if parent == nil {
		return &acterr.RuntimeError{PID: c.Proc.PID, TID: c.Task.ID, Reason: "cmd act has no enclosing task"}
	}
	enclosing := latestTask(c, parent.ID)
	if enclosing == nil {
		return &acterr.RuntimeError{PID: c.Proc.PID, TID: c.Task.ID, Reason: "cmd act: enclosing task not found"}
	}
	opts := map[string]any{}
	switch cmdName {
	case "error":
		code, _ := a.Inputs["err_code"].(string)
		if code == "" {
			return &acterr.ActionError{PID: c.Proc.PID, TID: enclosing.ID, Event: "error", Reason: "missing err_code"}
		}
		opts["err_code"] = code
		if msg, ok := a.Inputs["err_message"].(string); ok {
			opts["err_message"] = msg
		}
	case "back":
		if to, ok := a.Inputs["to"].(string); ok {
			opts["to"] = to
		}
	}
	return applyCmd(c, enclosing, cmdName, opts)
}

func latestTask(c *sch.Context, nodeID string) *task.Task {
	tasks := c.Proc.TaskByNID(nodeID)
	if len(tasks) == 0 {
		return nil
	}
	return tasks[len(tasks)-1]
}

// applyCmd maps a cmd name onto the task-state transition it implies.
// This intentionally duplicates pkg/action's resultState mapping rather
// than importing pkg/action, since an inline cmd act is a compile-time
// statement, not an externally-authenticated inbound Action. back/
// abort/cancel delegate to the Context cascade methods rather than a
// flat SetState, so an inline cmd act triggers the same
// rollback/propagation as an externally-authenticated one.
func applyCmd(c *sch.Context, t *task.Task, cmdName string, opts map[string]any) error {
	switch cmdName {
	case "complete":
		return t.SetState(task.StateCompleted)
	case "back":
		to, _ := opts["to"].(string)
		if to == "" {
			return &acterr.ActionError{PID: c.Proc.PID, TID: t.ID, Event: "back", Reason: "missing to"}
		}
		_, err := c.BackTask(t, to)
		return err
	case "abort":
		return c.AbortTask(t)
	case "cancel":
		_, err := c.CancelTask(t)
		return err
	case "skip":
		return t.SetState(task.StateSkipped)
	case "submit":
		return t.SetState(task.StateSubmitted)
	case "error":
		code, _ := opts["err_code"].(string)
		msg, _ := opts["err_message"].(string)
		t.SetErr(code, msg)
		return t.SetState(task.StateError)
	case "next":
		return nil
	default:
		return &acterr.ModelError{Reason: "unknown cmd: " + cmdName}
	}
}

// execSet writes resolved key/value pairs into the enclosing task's
// data.
func (d *Dispatcher) execSet(c *sch.Context, a *model.Act) error {
	resolved := resolveTemplate(c, a.Inputs)
	c.Task.SetDataWith(func(data map[string]any) {
		for k, v := range resolved {
			data[k] = v
		}
	})
	return nil
}

// execExpose writes resolved key/value pairs into the enclosing task's
// outputs bag, read back by the parent on review. Outputs are stored
// under a reserved data key so IntoData/inputs()/outputs() can tell
// scratch data and declared outputs apart.
func (d *Dispatcher) execExpose(c *sch.Context, a *model.Act) error {
	resolved := resolveTemplate(c, a.Outputs)
	c.Task.SetDataWith(func(data map[string]any) {
		bag, _ := data["__outputs"].(map[string]any)
		if bag == nil {
			bag = map[string]any{}
		}
		for k, v := range resolved {
			bag[k] = v
		}
		data["__outputs"] = bag
	})
	return nil
}

// execIf evaluates a.On and schedules the then or else branch — already
// compiled by pkg/tree into the act node's own OutputThen/OutputElse
// children — so the container-completion check in Next has something
// concrete to wait on.
func (d *Dispatcher) execIf(c *sch.Context, a *model.Act) error {
	ok, err := sch.Eval[bool](c, a.On)
	if err != nil {
		return err
	}
	kind := tree.OutputThen
	if !ok {
		kind = tree.OutputElse
	}
	c.Task.SetDataWith(func(data map[string]any) { data["__branch"] = string(kind) })
	return d.scheduleGroup(c, kind)
}

// execEach evaluates a.In to an iterable and, for each (index, value),
// binds ACT_INDEX/ACT_VALUE and schedules a's compiled then children
// once per element — all elements run concurrently once scheduled;
// ordering between them is not implied (unlike chain).
func (d *Dispatcher) execEach(c *sch.Context, a *model.Act) error {
	items, err := resolveIterable(c, a.In)
	if err != nil {
		return err
	}
	for i, v := range items {
		c.Task.SetDataWith(func(data map[string]any) {
			data["ACT_INDEX"] = i
			data["ACT_VALUE"] = v
		})
		if err := d.scheduleGroup(c, tree.OutputThen); err != nil {
			return err
		}
	}
	return nil
}

// execChain resolves the full iterable once, stores it on the task so
// later Review calls can keep walking it, and dispatches only the
// first element's then group: element N+1 is dispatched only once
// element N's group has fully drained, by reviewChain below.
func (d *Dispatcher) execChain(c *sch.Context, a *model.Act) error {
	items, err := resolveIterable(c, a.In)
	if err != nil {
		return err
	}
	c.Task.SetDataWith(func(data map[string]any) {
		data["__chain_items"] = items
		data["__chain_idx"] = 0
	})
	if len(items) == 0 {
		c.Task.SetDataWith(func(data map[string]any) { data["__chain_done"] = true })
		return nil
	}
	return d.dispatchChainElement(c, 0)
}

// dispatchChainElement binds ACT_INDEX/ACT_VALUE for items[idx] and
// schedules the chain node's then group once more, recording how many
// tasks this pass produced so reviewChain knows when the group drains.
func (d *Dispatcher) dispatchChainElement(c *sch.Context, idx int) error {
	items, _ := c.Task.Data["__chain_items"].([]any)
	c.Task.SetDataWith(func(data map[string]any) {
		data["ACT_INDEX"] = idx
		data["ACT_VALUE"] = items[idx]
	})
	ids := d.scheduleGroupIDs(c, tree.OutputThen)
	c.Task.SetDataWith(func(data map[string]any) {
		data["__chain_idx"] = idx
		data["__chain_pending"] = len(ids)
	})
	if len(ids) == 0 {
		return d.advanceChain(c)
	}
	return nil
}

// advanceChain moves the chain on to its next element, or marks it
// done once every element has run.
func (d *Dispatcher) advanceChain(c *sch.Context) error {
	items, _ := c.Task.Data["__chain_items"].([]any)
	idx, _ := c.Task.Data["__chain_idx"].(int)
	next := idx + 1
	if next >= len(items) {
		c.Task.SetDataWith(func(data map[string]any) { data["__chain_done"] = true })
		return nil
	}
	return d.dispatchChainElement(c, next)
}

// reviewChain decrements the current element's pending-task count each
// time one of the chain node's then-bucket children terminates, and
// advances to the next element once the count reaches zero.
func (d *Dispatcher) reviewChain(c *sch.Context, child *task.Task) error {
	childNode := c.Proc.Tree.Node(child.NodeID)
	if childNode == nil || !inBucket(c.Proc.Tree.Children(c.Node, tree.OutputThen), childNode.ID) {
		return nil
	}
	pending, _ := c.Task.Data["__chain_pending"].(int)
	pending--
	c.Task.SetDataWith(func(data map[string]any) { data["__chain_pending"] = pending })
	if pending > 0 {
		return nil
	}
	return d.advanceChain(c)
}

func inBucket(nodes []*tree.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// execBlock groups a.Next as a single child task sequence, compiled by
// pkg/tree into the act node's own normal children.
func (d *Dispatcher) execBlock(c *sch.Context, a *model.Act) error {
	return d.scheduleGroup(c, tree.OutputNormal)
}

// execCall instantiates another deployed workflow as a sub-process and
// waits for its completion, copying declared outputs back onto the
// enclosing task.
func (d *Dispatcher) execCall(c *sch.Context, a *model.Act) error {
	if d.Workflows == nil {
		return &acterr.RuntimeError{PID: c.Proc.PID, TID: c.Task.ID, Reason: "call act: no workflow caller configured"}
	}
	inputs := resolveTemplate(c, a.Inputs)
	outputs, err := d.Workflows.Call(c, a.Workflow, inputs)
	if err != nil {
		return &acterr.RuntimeError{PID: c.Proc.PID, TID: c.Task.ID, Reason: fmt.Sprintf("call %s: %s", a.Workflow, err)}
	}
	c.Task.SetDataWith(func(data map[string]any) {
		data["__outputs"] = outputs
	})
	return nil
}

// execPack invokes a deployed package with the act's resolved inputs
// and options and stores its outputs on the task. A fail outcome is
// returned as a PackageError; every other outcome (complete, skip,
// back, abort) returns nil and leaves the task's state unchanged.
func (d *Dispatcher) execPack(c *sch.Context, a *model.Act) error {
	if d.Packages == nil {
		return &acterr.PackageError{Package: a.Package, Reason: "no package loader configured"}
	}
	row := store.PackageRow{ID: a.Package}
	client, err := d.Packages.Load(c.Go, row)
	if err != nil {
		return err
	}
	defer client.Close()

	inputs := resolveTemplate(c, a.Inputs)
	options := resolveTemplate(c, a.Options)
	retry, _ := a.Options["retry"].(int)
	res, err := client.Invoke(c.Go, a.Key, inputs, options, retry)
	if err != nil {
		return err
	}
	c.Task.SetDataWith(func(data map[string]any) {
		data["__outputs"] = res.Outputs
	})
	switch res.Outcome {
	case "fail":
		return &acterr.PackageError{Package: a.Package, Reason: res.Reason}
	default:
		return nil
	}
}

// scheduleGroup schedules every child of c.Node in the given bucket;
// used by if/each/block, which all run a nested statement list already
// compiled into tree children under the act node itself.
func (d *Dispatcher) scheduleGroup(c *sch.Context, kind tree.OutputKind) error {
	for _, k := range c.Proc.Tree.Children(c.Node, kind) {
		c.SchedTask(k.ID)
	}
	return nil
}

// scheduleGroupIDs behaves like scheduleGroup but returns the ids of
// the tasks it created, so the caller can track how many of them still
// need to terminate (chain's per-element drain count).
func (d *Dispatcher) scheduleGroupIDs(c *sch.Context, kind tree.OutputKind) []string {
	var ids []string
	for _, k := range c.Proc.Tree.Children(c.Node, kind) {
		ids = append(ids, c.SchedTask(k.ID).ID)
	}
	return ids
}

func resolveTemplate(c *sch.Context, tmpl map[string]any) map[string]any {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		expr, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		resolved, err := sch.Eval[any](c, expr)
		if err != nil {
			out[k] = v // not an expression; use the literal
			continue
		}
		out[k] = resolved
	}
	return out
}

func resolveIterable(c *sch.Context, in string) ([]any, error) {
	items, err := sch.Eval[[]any](c, in)
	if err != nil {
		return nil, &acterr.ScriptError{Expr: in, Cause: err}
	}
	return items, nil
}
