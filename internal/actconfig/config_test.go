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

package actconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/acts/internal/actlog"
)

func TestDefault_HasTheDocumentedOutOfBoxValues(t *testing.T) {
	c := Default()
	assert.Equal(t, ":8090", c.Listen)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 10, c.Scheduler.MaxParallel)
	assert.Equal(t, 1024, c.Scheduler.QueueSize)
	assert.Equal(t, time.Second, c.Scheduler.TimeoutPollInterval)
	assert.Equal(t, 30*time.Second, c.Emitter.RetryInterval)
	assert.Equal(t, 5, c.Emitter.RetryCeiling)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)
}

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoad_MergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :9999\nstore:\n  driver: sqlite\n  dsn: acts.db\nscheduler:\n  max_parallel: 50\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Listen)
	assert.Equal(t, "sqlite", c.Store.Driver)
	assert.Equal(t, "acts.db", c.Store.DSN)
	assert.Equal(t, 50, c.Scheduler.MaxParallel)
	// fields the override file doesn't mention keep their defaults.
	assert.Equal(t, 1024, c.Scheduler.QueueSize)
	assert.Equal(t, 5, c.Emitter.RetryCeiling)
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAMLIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLogFormat_MapsJSONAndDefaultsToText(t *testing.T) {
	c := Default()
	c.Log.Format = "json"
	assert.Equal(t, actlog.FormatJSON, c.LogFormat())

	c.Log.Format = "text"
	assert.Equal(t, actlog.FormatText, c.LogFormat())

	c.Log.Format = ""
	assert.Equal(t, actlog.FormatText, c.LogFormat())
}
