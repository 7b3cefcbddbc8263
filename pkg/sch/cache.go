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
	"time"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/proc"
	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/task"
)

// Cache is the scheduler's process working set: processes are addressed
// by pid, loaded on demand (see Runtime.LoadProc), and evicted back to
// the store at any quiescent boundary — a moment with no in-flight
// Context for that process.
type Cache struct {
	*Runtime
}

// Quiescent reports whether pid currently has no advance step running,
// approximated here by whether its advance lock is free.
func (c *Cache) Quiescent(pid string) bool {
	l := c.procLock(pid)
	if !l.TryLock() {
		return false
	}
	l.Unlock()
	return true
}

// Evict upserts pid's process and every one of its tasks to the store
// and removes it from the in-memory cache. Safe to call only when
// Quiescent(pid) holds.
func (c *Cache) Evict(ctx context.Context, pid string) error {
	c.mu.Lock()
	p, ok := c.cache[pid]
	if ok {
		delete(c.cache, pid)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.upsert(ctx, p)
}

// upsertQuiescent writes p and its tasks to the store only if p is
// currently quiescent; p stays in the in-memory cache either way.
func (c *Cache) upsertQuiescent(ctx context.Context, p *proc.Process) {
	if c.Quiescent(p.PID) {
		_ = c.upsert(ctx, p)
	}
}

func (c *Cache) upsert(ctx context.Context, p *proc.Process) error {
	snap := p.IntoData()
	row := store.ProcRow{
		PID:      snap.PID,
		ModelID:  p.ModelID,
		ModelVer: p.ModelVer,
		State:    string(snap.State),
		StartAt:  snap.StartAt,
		EndAt:    snap.EndAt,
	}
	p.WithEnvLocalMut(func(env map[string]any) {
		cp := make(map[string]any, len(env))
		for k, v := range env {
			cp[k] = v
		}
		row.Env = cp
	})
	if err := upsertRow(ctx, c.procs, row); err != nil {
		return &acterr.StoreError{Op: "evict_proc", Entity: p.PID, Cause: err}
	}
	for _, ts := range snap.Tasks {
		tr := store.TaskRow{
			PID: p.PID, TID: ts.ID, NodeID: ts.NodeID, State: string(ts.State),
			StartAt: ts.StartAt, EndAt: ts.EndAt, CreateAt: ts.CreateAt,
			Prev: ts.Prev, Data: ts.Data,
		}
		if ts.Err != nil {
			tr.ErrCode, tr.ErrMsg = ts.Err.Code, ts.Err.Message
		}
		if err := upsertRow(ctx, c.tasks, tr); err != nil {
			return &acterr.StoreError{Op: "evict_task", Entity: tr.RowID(), Cause: err}
		}
	}
	return nil
}

func upsertRow[T store.Row](ctx context.Context, coll store.DbCollection[T], row T) error {
	exists, err := coll.Exists(ctx, row.RowID())
	if err != nil {
		return err
	}
	if exists {
		return coll.Update(ctx, row)
	}
	return coll.Create(ctx, row)
}

// messageRow snapshots the emitting task's key/type/inputs/outputs/model
// identity at emission time, per the Message durable-record contract.
func messageRow(p *proc.Process, t *task.Task, key string, inputs, outputs map[string]any) store.MessageRow {
	row := store.MessageRow{
		PID: p.PID, TID: t.ID, Status: "created", UpdateAt: time.Now(),
		Key: key, Inputs: inputs, Outputs: outputs,
		ModelID: p.ModelID, ModelVer: p.ModelVer,
	}
	if n := p.Tree.Node(t.NodeID); n != nil {
		row.NodeKind = string(n.Kind)
	}
	return row
}
