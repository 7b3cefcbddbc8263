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

package store

import "time"

// ModelRow is the content-addressed, immutable record of a deployed
// workflow definition.
type ModelRow struct {
	ID      string
	Version string
	Name    string
	YAML    []byte
	SavedAt time.Time
}

func (r ModelRow) RowID() string { return r.ID + "@" + r.Version }

// ProcRow is the persisted projection of a proc.Process.
type ProcRow struct {
	PID      string
	ModelID  string
	ModelVer string
	State    string
	Env      map[string]any
	StartAt  time.Time
	EndAt    *time.Time
	ErrCode  string
	ErrMsg   string
}

func (r ProcRow) RowID() string { return r.PID }

// TaskRow is the persisted projection of a task.Task.
type TaskRow struct {
	PID      string
	TID      string
	NodeID   string
	State    string
	StartAt  *time.Time
	EndAt    *time.Time
	CreateAt int64
	Prev     string
	Data     map[string]any
	ErrCode  string
	ErrMsg   string
}

func (r TaskRow) RowID() string { return r.PID + "/" + r.TID }

// MessageRow is the durable outbound record backing the emitter's
// at-least-once delivery contract.
type MessageRow struct {
	PID        string
	TID        string
	Status     string // created | acked | error
	RetryTimes int
	UpdateAt   time.Time
	Key        string
	NodeKind   string
	Inputs     map[string]any
	Outputs    map[string]any
	ModelID    string
	ModelVer   string
}

func (r MessageRow) RowID() string { return r.PID + "/" + r.TID }

// PackageRow is the content-addressed record of a deployed package
// available to the pack act.
type PackageRow struct {
	ID      string
	Version string
	Name    string
	Command string
	Args    []string
	SavedAt time.Time
}

func (r PackageRow) RowID() string { return r.ID + "@" + r.Version }

// EventRow records a proc or task lifecycle event for audit/replay.
type EventRow struct {
	ID        string
	PID       string
	TID       string
	EventKind string
	At        time.Time
	Data      map[string]any
}

func (r EventRow) RowID() string { return r.ID }
