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

package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// LoadDir discovers every *.yaml/*.yml workflow under root (recursively,
// via a doublestar glob so nested directories are included without a
// manual walk) and parses each one.
func LoadDir(root string) (map[string]*Workflow, error) {
	matches, err := doublestar.Glob(os.DirFS(root), "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("glob models under %s: %w", root, err)
	}

	out := make(map[string]*Workflow, len(matches))
	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return nil, fmt.Errorf("read model %s: %w", rel, err)
		}
		w, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse model %s: %w", rel, err)
		}
		out[w.ID] = w
	}
	return out, nil
}

// Watcher reloads the model directory whenever an entry directly in
// root changes, invoking onReload with the freshly parsed set. The watch
// itself is not recursive: changes inside nested directories do not
// trigger a reload (though each reload re-reads them). Errors during reload
// are swallowed into onError rather than crashing the watch goroutine,
// since a transient partial write of a model file is expected to
// self-correct on the editor's next save.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// Watch starts watching root for changes. Call Close to stop.
func Watch(root string, onReload func(map[string]*Workflow), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start model watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				models, err := LoadDir(root)
				if err != nil {
					onError(err)
					continue
				}
				onReload(models)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				onError(err)
			}
		}
	}()

	return &Watcher{fsw: fsw}, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
