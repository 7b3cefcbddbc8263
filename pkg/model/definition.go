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

// Package model defines the declarative workflow format: the hierarchy of
// steps, branches, and acts that pkg/tree compiles into a Node graph.
// Parsing and validation here is deliberately narrow — just enough to
// build a correct tree — since a fuller schema/language-server experience
// is an external collaborator per the runtime's scope.
package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow is the root of a deployable model.
type Workflow struct {
	ID      string          `yaml:"id"`
	Name    string          `yaml:"name"`
	Version string          `yaml:"version"`
	Inputs  []Param         `yaml:"inputs,omitempty"`
	Outputs []Param         `yaml:"outputs,omitempty"`
	Env     map[string]any  `yaml:"env,omitempty"`
	Steps   []Step          `yaml:"steps"`
	Uses    map[string]Act  `yaml:"uses,omitempty"`
}

// Param declares a named input or output with an optional default/value
// expression.
type Param struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type,omitempty"`
	Default any    `yaml:"default,omitempty"`
	Value   string `yaml:"value,omitempty"` // output value expression
}

// Step is a node in the workflow that may contain branches and/or acts.
type Step struct {
	ID       string    `yaml:"id,omitempty"`
	Key      string    `yaml:"key,omitempty"`
	Name     string    `yaml:"name,omitempty"`
	Next     string    `yaml:"next,omitempty"` // explicit next-step override
	Setup    []Act     `yaml:"setup,omitempty"`
	Branches []Branch  `yaml:"branches,omitempty"`
	Acts     []Act     `yaml:"acts,omitempty"`
	Catches  []Catch   `yaml:"catches,omitempty"`
	Timeout  *Timeout  `yaml:"timeout,omitempty"`
}

// Branch is a conditional sub-path attached to a step; the step's
// dispatch rule (if/else/unless) decides which branch runs.
type Branch struct {
	ID    string `yaml:"id,omitempty"`
	Key   string `yaml:"key,omitempty"`
	When  string `yaml:"when,omitempty"`
	Rule  string `yaml:"rule,omitempty"` // if | else | unless
	Steps []Step `yaml:"steps"`
}

// Catch declares an error-handling clause matched by error code (empty
// code matches any error).
type Catch struct {
	Err  string `yaml:"err,omitempty"`
	Then []Act  `yaml:"then"`
}

// Timeout declares a time-based catch clause.
type Timeout struct {
	On   string `yaml:"on"` // duration expression, e.g. "30s"
	Then []Act  `yaml:"then"`
}

// Act is the declarative form of an act statement; Dispatch is the
// discriminator (irq, msg, cmd, set, expose, if, each, chain, block,
// call, pack, or one of the on-* hook registrars).
type Act struct {
	Dispatch string         `yaml:"act"`
	ID       string         `yaml:"id,omitempty"`
	Key      string         `yaml:"key,omitempty"`
	Tag      string         `yaml:"tag,omitempty"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
	Outputs  map[string]any `yaml:"outputs,omitempty"`
	Options  map[string]any `yaml:"options,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
	On       string         `yaml:"on,omitempty"`   // if-condition / timeout duration expr
	In       string         `yaml:"in,omitempty"`   // each/chain iterable expr
	Then     []Act          `yaml:"then,omitempty"`
	Else     []Act          `yaml:"else,omitempty"`
	Next     []Act          `yaml:"next,omitempty"` // block's trailing block
	Catches  []Catch        `yaml:"catches,omitempty"`
	Timeout  *Timeout       `yaml:"timeout,omitempty"`
	Setup    []Act          `yaml:"setup,omitempty"`
	Workflow string         `yaml:"workflow,omitempty"` // call target model id
	Package  string         `yaml:"package,omitempty"`  // pack target package id
}

// Parse decodes a YAML workflow document.
func Parse(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if w.ID == "" && w.Name != "" {
		w.ID = w.Name
	}
	return &w, nil
}

// ToYAML re-serializes the workflow. Used by the round-trip property in
// spec §8 (Workflow.to_json ∘ Workflow.from_json = id, here over YAML).
func (w *Workflow) ToYAML() ([]byte, error) {
	return yaml.Marshal(w)
}
