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

// Package emitter is the boundary-facing side of the runtime: task and
// process lifecycle events fan out to in-process subscribers, and
// messages are persisted before they are ever handed to a subscriber, so
// delivery retries always have a durable record to work from. The
// subscribe/fan-out channel shape follows the log-subscription pattern
// this runtime's scheduler was ported from.
package emitter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/acts/pkg/store"
)

// TaskEvent is published on every task state transition.
type TaskEvent struct {
	PID, TID string
	State    string
	At       time.Time
}

// ProcEvent is published on process start and completion.
type ProcEvent struct {
	PID   string
	State string
	At    time.Time
}

// Emitter fans out task/proc events and persists outbound messages.
type Emitter struct {
	messages store.DbCollection[store.MessageRow]

	mu          sync.RWMutex
	taskSubs    map[string][]chan TaskEvent
	procSubs    map[string][]chan ProcEvent

	retryLimiter *rate.Limiter
	retryCeiling int
	retryAfter   time.Duration
}

// Option configures an Emitter at construction.
type Option func(*Emitter)

// WithRetryCeiling caps how many times a Created message is re-sent
// before it is marked Error.
func WithRetryCeiling(n int) Option { return func(e *Emitter) { e.retryCeiling = n } }

// WithRetryAfter sets how stale a Created message's update_time must be
// before the background pass re-invokes the emitter for it.
func WithRetryAfter(d time.Duration) Option { return func(e *Emitter) { e.retryAfter = d } }

// New builds an Emitter backed by messages for durability, pacing its
// background retry pass at no more than ratePerSecond re-sends/second.
func New(messages store.DbCollection[store.MessageRow], ratePerSecond float64, opts ...Option) *Emitter {
	e := &Emitter{
		messages:     messages,
		taskSubs:     map[string][]chan TaskEvent{},
		procSubs:     map[string][]chan ProcEvent{},
		retryLimiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		retryCeiling: 5,
		retryAfter:   30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SubscribeTask registers a channel for every task event on pid. The
// returned func unsubscribes.
func (e *Emitter) SubscribeTask(pid string, ch chan TaskEvent) func() {
	e.mu.Lock()
	e.taskSubs[pid] = append(e.taskSubs[pid], ch)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.taskSubs[pid]
		for i, s := range subs {
			if s == ch {
				e.taskSubs[pid] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeProc registers a channel for every proc event on pid.
func (e *Emitter) SubscribeProc(pid string, ch chan ProcEvent) func() {
	e.mu.Lock()
	e.procSubs[pid] = append(e.procSubs[pid], ch)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.procSubs[pid]
		for i, s := range subs {
			if s == ch {
				e.procSubs[pid] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// EmitTaskEvent fans out synchronously to every subscriber on ev.PID.
func (e *Emitter) EmitTaskEvent(ev TaskEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.taskSubs[ev.PID] {
		select {
		case ch <- ev:
		default: // a slow subscriber never blocks the scheduler loop
		}
	}
}

// EmitProcEvent fans out synchronously to every subscriber on ev.PID.
func (e *Emitter) EmitProcEvent(ev ProcEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.procSubs[ev.PID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// EmitMessage persists msg in Created status, guaranteeing the
// at-least-once delivery invariant even if this process crashes
// immediately after. It does not hand the message to any subscriber;
// outbound delivery happens only through RetryPass's send callback.
func (e *Emitter) EmitMessage(ctx context.Context, msg store.MessageRow) error {
	msg.Status = "created"
	msg.UpdateAt = time.Now()
	if err := e.messages.Create(ctx, msg); err != nil {
		return err
	}
	return nil
}

// RetryPass scans for Created messages older than retryAfter and
// re-attempts delivery up to retryCeiling times, marking Error beyond
// that. send performs the actual outbound attempt (left to the caller
// so sqlite/memory backends and test doubles share this one pass).
func (e *Emitter) RetryPass(ctx context.Context, send func(store.MessageRow) error) error {
	cutoff := time.Now().Add(-e.retryAfter)
	rows, err := e.messages.Query(ctx, store.Leaf("Status", store.OpEq, "created"))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.UpdateAt.After(cutoff) {
			continue
		}
		if err := e.retryLimiter.Wait(ctx); err != nil {
			return err
		}
		if row.RetryTimes >= e.retryCeiling {
			row.Status = "error"
			row.UpdateAt = time.Now()
			_ = e.messages.Update(ctx, row)
			continue
		}
		row.RetryTimes++
		row.UpdateAt = time.Now()
		if sendErr := send(row); sendErr == nil {
			row.Status = "acked"
		}
		_ = e.messages.Update(ctx, row)
	}
	return nil
}

// Resend clears a message's Error status back to Created for one more
// delivery attempt. Admin-only operation.
func (e *Emitter) Resend(ctx context.Context, pid, tid string) error {
	row, err := e.messages.Find(ctx, pid+"/"+tid)
	if err != nil {
		return err
	}
	row.Status = "created"
	row.RetryTimes = 0
	row.UpdateAt = time.Now()
	return e.messages.Update(ctx, row)
}

// DeleteMessage removes an Error message permanently. Admin-only operation.
func (e *Emitter) DeleteMessage(ctx context.Context, pid, tid string) error {
	return e.messages.Delete(ctx, pid+"/"+tid)
}
