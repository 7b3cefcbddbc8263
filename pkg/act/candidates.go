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

package act

import (
	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/model"
	"github.com/tombee/acts/pkg/sch"
)

// Candidates is the set of users/roles eligible to act on an irq task,
// resolved once at dispatch time from the act's options["candidates"]
// expression and stored on the task for pkg/action's authorization
// check. Candidates are a flat set: the older relation-graph semantics
// (candidates inherited transitively through a role hierarchy) are not
// implemented.
type Candidates []string

// candidatesDataKey is where an irq's resolved Candidates are stored in the
// task's data bag.
const candidatesDataKey = "__candidates"

// resolveCandidates evaluates a's options["candidates"] expression, if
// present, against c's vars. An absent or empty expression yields a nil
// Candidates, meaning the irq has no restriction.
func resolveCandidates(c *sch.Context, a *model.Act) (Candidates, error) {
	expr, ok := a.Options["candidates"].(string)
	if !ok || expr == "" {
		return nil, nil
	}
	raw, err := sch.Eval[[]any](c, expr)
	if err != nil {
		return nil, &acterr.ScriptError{Expr: expr, Cause: err}
	}
	out := make(Candidates, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
