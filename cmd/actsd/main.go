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

// Command actsd runs the workflow engine daemon: it loads deployed
// models, opens the configured store, and starts the scheduler loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/acts/internal/actconfig"
	"github.com/tombee/acts/internal/actlog"
	"github.com/tombee/acts/pkg/act"
	"github.com/tombee/acts/pkg/emitter"
	"github.com/tombee/acts/pkg/expression"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/sch"
	"github.com/tombee/acts/pkg/store"
	"github.com/tombee/acts/pkg/store/memory"
	"github.com/tombee/acts/pkg/store/sqlite"
	"github.com/tombee/acts/pkg/tree"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "actsd",
		Short: "Run the workflow engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to daemon config YAML")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := actconfig.Load(configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	logger := actlog.New(actlog.Config{Level: level, Format: cfg.LogFormat()})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	models, err := model.LoadDir(cfg.Models.Dir)
	if err != nil {
		logger.Warn("model directory load failed; starting with no deployed models", "error", err)
		models = map[string]*model.Workflow{}
	}

	procs := store.DbCollection[store.ProcRow](memory.New[store.ProcRow]())
	tasks := store.DbCollection[store.TaskRow](memory.New[store.TaskRow]())
	messages := store.DbCollection[store.MessageRow](memory.New[store.MessageRow]())

	if cfg.Store.Driver == "sqlite" {
		backend, err := sqlite.Open(sqlite.Config{Path: cfg.Store.DSN, WAL: cfg.Store.WAL})
		if err != nil {
			return err
		}
		defer backend.Close()
		procs = sqlite.Table[store.ProcRow](backend, "procs")
		tasks = sqlite.Table[store.TaskRow](backend, "tasks")
		messages = sqlite.Table[store.MessageRow](backend, "messages")
	}

	em := emitter.New(messages, cfg.Emitter.RetryRate,
		emitter.WithRetryCeiling(cfg.Emitter.RetryCeiling),
		emitter.WithRetryAfter(cfg.Emitter.RetryInterval))

	resolver := func(_ context.Context, modelID, _ string) (*tree.Tree, any, error) {
		w, ok := models[modelID]
		if !ok {
			return nil, nil, fmt.Errorf("model %s not deployed", modelID)
		}
		t, err := tree.Build(w)
		return t, w, err
	}

	dispatcher := &act.Dispatcher{}
	rt := sch.New(ctx, sch.Config{
		Engine:              dispatcher,
		Eval:                expression.NewEvaluator(),
		Emitter:             em,
		Procs:               procs,
		Tasks:               tasks,
		Models:              resolver,
		MaxParallel:         cfg.Scheduler.MaxParallel,
		QueueSize:           cfg.Scheduler.QueueSize,
		TimeoutPollInterval: cfg.Scheduler.TimeoutPollInterval,
	})
	_ = rt

	logger.Info("actsd started", "listen", cfg.Listen, "models", len(models))
	<-ctx.Done()
	logger.Info("actsd shutting down")
	return nil
}
