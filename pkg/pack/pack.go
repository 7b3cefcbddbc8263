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

// Package pack invokes deployed, content-addressed packages — external
// code the pack act hands control to — over a stdio MCP server
// connection. The client shape (connect and initialize once, then call
// the entrypoint tool with resolved inputs) is ported from this
// runtime's own MCP client; the entrypoint is not checked against the
// server's tool list before it is called.
package pack

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/store"
)

// Outcome is the terminal signal a package invocation returns: it maps
// directly onto the cmd act's built-in command set so a package can
// finish a task the same way an inbound action would.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFail     Outcome = "fail"
	OutcomeSkip     Outcome = "skip"
	OutcomeBack     Outcome = "back"
	OutcomeAbort    Outcome = "abort"
)

// Result is what a package invocation reports back to the pack act.
type Result struct {
	Outcome Outcome
	Outputs map[string]any
	Reason  string // populated when Outcome == OutcomeFail
}

// Loader resolves a deployed package row into a live, callable Client.
type Loader interface {
	Load(ctx context.Context, row store.PackageRow) (*Client, error)
}

// Client wraps one stdio MCP server process backing a single package.
type Client struct {
	name    string
	client  *client.Client
	timeout time.Duration
}

// stdioLoader starts a fresh subprocess per package row. Processes are
// not pooled: packages are expected to be short-lived per invocation,
// matching the pack act's request/response shape.
type stdioLoader struct {
	timeout time.Duration
}

// NewStdioLoader returns a Loader that launches each package as a stdio
// MCP server subprocess, per the row's Command/Args.
func NewStdioLoader(timeout time.Duration) Loader {
	return &stdioLoader{timeout: timeout}
}

func (l *stdioLoader) Load(ctx context.Context, row store.PackageRow) (*Client, error) {
	mc, err := client.NewStdioMCPClient(row.Command, nil, row.Args...)
	if err != nil {
		return nil, &acterr.PackageError{Package: row.ID, Reason: "start package process", Cause: err}
	}
	initCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := mc.Initialize(initCtx, mcp.InitializeRequest{}); err != nil {
		return nil, &acterr.PackageError{Package: row.ID, Reason: "initialize package", Cause: err}
	}
	return &Client{name: row.ID, client: mc, timeout: l.timeout}, nil
}

// Close tears down the package's subprocess.
func (c *Client) Close() error { return c.client.Close() }

// DefaultMaxAttempts is used when the calling act doesn't set its own
// options["retry"] attempt count.
const DefaultMaxAttempts = 3

// Invoke calls the package's entrypoint tool with inputs merged with
// options, retrying with exponential backoff on transient failures —
// the same backoff shape the executor applies to tool calls.
// maxAttempts <= 0 falls back to DefaultMaxAttempts.
func (c *Client) Invoke(ctx context.Context, entrypoint string, inputs, options map[string]any, maxAttempts int) (Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	args := make(map[string]any, len(inputs)+len(options))
	for k, v := range inputs {
		args[k] = v
	}
	for k, v := range options {
		args[k] = v
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = entrypoint
	req.Params.Arguments = args

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err := c.client.CallTool(callCtx, req)
		cancel()
		if err == nil {
			return parseResult(res)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return Result{}, &acterr.PackageError{Package: c.name, Reason: "invoke entrypoint " + entrypoint, Cause: lastErr}
}

func parseResult(res *mcp.CallToolResult) (Result, error) {
	if res == nil {
		return Result{}, fmt.Errorf("empty package response")
	}
	outcome := OutcomeComplete
	if res.IsError {
		outcome = OutcomeFail
	}
	outputs := map[string]any{}
	var reason string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if res.IsError {
				reason = tc.Text
			} else {
				outputs["text"] = tc.Text
			}
		}
	}
	return Result{Outcome: outcome, Outputs: outputs, Reason: reason}, nil
}
