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

package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/task"
	"github.com/tombee/acts/pkg/tree"
)

func runningTask() *task.Task {
	tk := task.New("t1", "n1", 1)
	_ = tk.SetState(task.StateReady)
	_ = tk.SetState(task.StateRunning)
	return tk
}

func TestValidate_NilTargetIsActionError(t *testing.T) {
	err := Validate(Action{Event: EventComplete}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, "ACTION", acterr.CodeOf(err))
}

func TestValidate_UnknownEventIsError(t *testing.T) {
	err := Validate(Action{Event: "bogus"}, runningTask(), nil)
	assert.Error(t, err)
}

func TestValidate_ErrorEventRequiresErrCode(t *testing.T) {
	err := Validate(Action{Event: EventError}, runningTask(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "err_code")
}

func TestValidate_CompleteOnTerminalTaskFails(t *testing.T) {
	tk := runningTask()
	require.NoError(t, tk.SetState(task.StateCompleted))

	err := Validate(Action{Event: EventComplete}, tk, nil)
	assert.Error(t, err, "cancel/complete on a terminal task must fail with an Action error")
}

func TestValidate_NextAlwaysShortCircuits(t *testing.T) {
	tk := runningTask()
	require.NoError(t, tk.SetState(task.StateCompleted))
	assert.NoError(t, Validate(Action{Event: EventNext}, tk, nil))
}

func TestApply_CompleteTransitionsTask(t *testing.T) {
	tk := runningTask()
	require.NoError(t, Apply(Action{Event: EventComplete}, tk, nil))
	assert.Equal(t, task.StateCompleted, tk.State)
}

func TestApply_ErrorRecordsCodeBeforeTransition(t *testing.T) {
	tk := runningTask()
	err := Apply(Action{Event: EventError, Options: map[string]any{"err_code": "E1", "err_message": "boom"}}, tk, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StateError, tk.State)
	assert.Equal(t, "E1", tk.Err.Code)
}

func TestApply_InvalidActionDoesNotMutateTask(t *testing.T) {
	tk := runningTask()
	require.NoError(t, tk.SetState(task.StateCompleted))

	err := Apply(Action{Event: EventAbort}, tk, nil)
	require.Error(t, err)
	assert.Equal(t, task.StateCompleted, tk.State)
}

func TestValidate_CandidateSetRejectsOtherInitiators(t *testing.T) {
	tk := runningTask()
	tk.Data[candidatesDataKey] = []string{"alice", "bob"}

	err := Validate(Action{Event: EventComplete, Options: map[string]any{"initiator_id": "mallory"}}, tk, nil)
	require.Error(t, err)
	assert.Equal(t, "ACTION", acterr.CodeOf(err))
}

func TestValidate_CandidateSetAllowsListedInitiator(t *testing.T) {
	tk := runningTask()
	tk.Data[candidatesDataKey] = []string{"alice", "bob"}

	err := Validate(Action{Event: EventComplete, Options: map[string]any{"initiator_id": "bob"}}, tk, nil)
	assert.NoError(t, err)
}

func TestValidate_NoCandidateSetIsUnrestricted(t *testing.T) {
	tk := runningTask()
	err := Validate(Action{Event: EventComplete}, tk, nil)
	assert.NoError(t, err)
}

func TestApply_CandidateSetBlocksUnlistedInitiatorBeforeMutation(t *testing.T) {
	tk := runningTask()
	tk.Data[candidatesDataKey] = []string{"alice"}

	err := Apply(Action{Event: EventComplete, Options: map[string]any{"initiator_id": "mallory"}}, tk, nil)
	require.Error(t, err)
	assert.Equal(t, task.StateRunning, tk.State, "a rejected action must not transition the task")
}

// nestedStepProc builds a two-step process with a running task at the
// inner step, for exercising back/cancel/abort against real tree
// ancestry.
func nestedStepProc(t *testing.T) (*proc.Process, *task.Task) {
	t.Helper()
	w := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "s1"},
			{ID: "s2"},
		},
	}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	root := p.Load()
	inner := p.CreateTask("s2", root)
	require.NoError(t, inner.SetState(task.StateReady))
	require.NoError(t, inner.SetState(task.StateRunning))
	return p, inner
}

func TestValidate_BackRequiresToOption(t *testing.T) {
	p, inner := nestedStepProc(t)
	err := Validate(Action{Event: EventBack, TID: inner.ID}, inner, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to option")
}

func TestValidate_BackRejectsNonAncestorTarget(t *testing.T) {
	p, inner := nestedStepProc(t)
	err := Validate(Action{Event: EventBack, TID: inner.ID, Options: map[string]any{"to": "s2"}}, inner, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ancestor")
}

func TestValidate_BackAllowsAncestorTarget(t *testing.T) {
	p, inner := nestedStepProc(t)
	err := Validate(Action{Event: EventBack, TID: inner.ID, Options: map[string]any{"to": "wf1"}}, inner, p)
	assert.NoError(t, err)
}

func TestApply_AbortCascadesToRunningAndPendingChildren(t *testing.T) {
	w := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "s1", Acts: []model.Act{
				{Dispatch: "set", ID: "running-act", Inputs: map[string]any{"x": 1}},
				{Dispatch: "set", ID: "pending-act", Inputs: map[string]any{"y": 2}},
			}},
		},
	}
	tr, err := tree.Build(w)
	require.NoError(t, err)
	p := proc.New("p1", w, tr, nil)
	root := p.Load()
	step := p.CreateTask("s1", root)
	require.NoError(t, step.SetState(task.StateReady))
	require.NoError(t, step.SetState(task.StateRunning))

	runningChild := p.CreateTask("running-act", step)
	require.NoError(t, runningChild.SetState(task.StateReady))
	require.NoError(t, runningChild.SetState(task.StateRunning))
	pendingChild := p.CreateTask("pending-act", step)

	err = Apply(Action{Event: EventAbort, TID: step.ID}, step, p)
	require.NoError(t, err)
	assert.Equal(t, task.StateAborted, step.State)
	assert.Equal(t, task.StateAborted, runningChild.State, "a running descendant must itself be aborted")
	assert.Equal(t, task.StateSkipped, pendingChild.State, "a pending descendant must be skipped, not aborted")
}

func TestApply_BackCreatesTaskAtAncestor(t *testing.T) {
	p, inner := nestedStepProc(t)
	err := Apply(Action{Event: EventBack, TID: inner.ID, Options: map[string]any{"to": "wf1"}}, inner, p)
	require.NoError(t, err)
	assert.Equal(t, task.StateBacked, inner.State)
	assert.Len(t, p.TaskByNID("wf1"), 2, "back must create a fresh task at the target node")
}

func TestApply_CancelRedoesTheSameNode(t *testing.T) {
	p, inner := nestedStepProc(t)
	err := Apply(Action{Event: EventCancel, TID: inner.ID}, inner, p)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, inner.State)
	assert.Len(t, p.TaskByNID("s2"), 2, "cancel must redo the step by creating a fresh task at the same node")
}
