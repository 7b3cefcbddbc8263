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

package emitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/store/memory"
)

func TestEmitMessage_PersistsAsCreatedBeforeAnyFanout(t *testing.T) {
	messages := memory.New[store.MessageRow]()
	e := New(messages, 100)

	err := e.EmitMessage(context.Background(), store.MessageRow{PID: "p1", TID: "t1", Key: "k"})
	require.NoError(t, err)

	row, err := messages.Find(context.Background(), "p1/t1")
	require.NoError(t, err)
	assert.Equal(t, "created", row.Status)
}

func TestEmitTaskEvent_NonBlockingOnFullSubscriberChannel(t *testing.T) {
	messages := memory.New[store.MessageRow]()
	e := New(messages, 100)

	ch := make(chan TaskEvent) // unbuffered, nobody reading
	unsub := e.SubscribeTask("p1", ch)
	defer unsub()

	done := make(chan struct{})
	go func() {
		e.EmitTaskEvent(TaskEvent{PID: "p1", TID: "t1", State: "running"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EmitTaskEvent blocked on a slow subscriber")
	}
}

func TestRetryPass_MarksErrorPastCeiling(t *testing.T) {
	messages := memory.New[store.MessageRow]()
	e := New(messages, 100, WithRetryCeiling(1), WithRetryAfter(0))

	stale := store.MessageRow{PID: "p1", TID: "t1", Status: "created", RetryTimes: 1, UpdateAt: time.Now().Add(-time.Hour)}
	require.NoError(t, messages.Create(context.Background(), stale))

	err := e.RetryPass(context.Background(), func(store.MessageRow) error { return nil })
	require.NoError(t, err)

	row, err := messages.Find(context.Background(), "p1/t1")
	require.NoError(t, err)
	assert.Equal(t, "error", row.Status)
}

func TestRetryPass_SkipsFreshMessages(t *testing.T) {
	messages := memory.New[store.MessageRow]()
	e := New(messages, 100, WithRetryAfter(time.Hour))

	fresh := store.MessageRow{PID: "p1", TID: "t1", Status: "created", UpdateAt: time.Now()}
	require.NoError(t, messages.Create(context.Background(), fresh))

	sendCalled := false
	require.NoError(t, e.RetryPass(context.Background(), func(store.MessageRow) error {
		sendCalled = true
		return nil
	}))
	assert.False(t, sendCalled)
}

func TestResend_ClearsErrorBackToCreated(t *testing.T) {
	messages := memory.New[store.MessageRow]()
	e := New(messages, 100)

	require.NoError(t, messages.Create(context.Background(), store.MessageRow{PID: "p1", TID: "t1", Status: "error", RetryTimes: 5}))
	require.NoError(t, e.Resend(context.Background(), "p1", "t1"))

	row, err := messages.Find(context.Background(), "p1/t1")
	require.NoError(t, err)
	assert.Equal(t, "created", row.Status)
	assert.Equal(t, 0, row.RetryTimes)
}
