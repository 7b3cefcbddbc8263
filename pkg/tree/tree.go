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

// Package tree compiles a parsed model.Workflow into an immutable Node
// graph: the read-only structure Context and the scheduler navigate at
// run time. A tree is built once and never mutated afterward.
package tree

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tombee/acts/pkg/acterr"
	"github.com/tombee/acts/pkg/model"
)

// Kind discriminates a Node's role in the tree.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindBranch   Kind = "branch"
	KindStep     Kind = "step"
	KindAct      Kind = "act"
)

// OutputKind buckets a Node's children by how the parent reaches them.
type OutputKind string

const (
	OutputNormal  OutputKind = "normal"
	OutputCatch   OutputKind = "catch"
	OutputTimeout OutputKind = "timeout"
	OutputThen    OutputKind = "then"
	OutputElse    OutputKind = "else"
)

// Node is immutable after Build returns. Parent/prev/next are weak
// references (node ids resolved through the owning Tree), matching the
// no-aliasing discipline used for Process/Task snapshots in pkg/proc.
type Node struct {
	ID      string
	Key     string
	Kind    Kind
	Level   int
	Content any // *model.Step, *model.Act, *model.Branch, or *model.Workflow

	parent string
	prev   string
	next   string

	children map[OutputKind][]childRef
}

type childRef struct {
	id    string
	match string // error code (catch) or duration expr (timeout); empty = match-any
}

// Tree owns every Node produced from a single compiled workflow.
type Tree struct {
	root  string
	nodes map[string]*Node
}

// Root returns the workflow-kind root node.
func (t *Tree) Root() *Node { return t.nodes[t.root] }

// Node looks up a node by id in O(1); returns nil if absent.
func (t *Tree) Node(id string) *Node { return t.nodes[id] }

// Children returns only the requested output bucket, in declaration order.
func (t *Tree) Children(n *Node, kind OutputKind) []*Node {
	refs := n.children[kind]
	out := make([]*Node, 0, len(refs))
	for _, r := range refs {
		if c := t.nodes[r.id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ChildrenMatching returns the children in kind's bucket whose predicate
// equals key (an error code for catches; for timeouts the predicate is
// the declared duration string, so only that exact key matches).
// An empty predicate on a child matches any key.
func (t *Tree) ChildrenMatching(n *Node, kind OutputKind, key string) []*Node {
	var out []*Node
	for _, r := range n.children[kind] {
		if r.match == "" || r.match == key {
			if c := t.nodes[r.id]; c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

// Parent returns n's parent, or nil at the root.
func (t *Tree) Parent(n *Node) *Node {
	if n.parent == "" {
		return nil
	}
	return t.nodes[n.parent]
}

// Next follows the sibling chain within one container. A container's
// last child returns nil: linkSiblings copies the container's own next,
// which is not yet set when the container's children are linked. Only a
// step's explicit Next override can point outside its container.
func (t *Tree) Next(n *Node) *Node {
	if n.next == "" {
		return nil
	}
	return t.nodes[n.next]
}

// Prev follows the sibling chain backward.
func (t *Tree) Prev(n *Node) *Node {
	if n.prev == "" {
		return nil
	}
	return t.nodes[n.prev]
}

type builder struct {
	nodes map[string]*Node
	seq   int
	uses  map[string]model.Act
}

// resolveUse expands a against the workflow's Uses component table: if
// a.Dispatch names a registered component, the component's act is used
// as the base, with whichever of a's own fields are set overriding the
// component's defaults. An a.Dispatch that doesn't name a component is
// returned unchanged.
func (b *builder) resolveUse(a *model.Act) *model.Act {
	use, ok := b.uses[a.Dispatch]
	if !ok {
		return a
	}
	merged := use
	if a.ID != "" {
		merged.ID = a.ID
	}
	if a.Key != "" {
		merged.Key = a.Key
	}
	if a.Tag != "" {
		merged.Tag = a.Tag
	}
	if len(a.Inputs) > 0 {
		merged.Inputs = a.Inputs
	}
	if len(a.Outputs) > 0 {
		merged.Outputs = a.Outputs
	}
	if len(a.Options) > 0 {
		merged.Options = a.Options
	}
	if len(a.Params) > 0 {
		merged.Params = a.Params
	}
	if a.On != "" {
		merged.On = a.On
	}
	if a.In != "" {
		merged.In = a.In
	}
	return &merged
}

// Build compiles w into a Tree, assigning stable ids (the declared id if
// present and not yet taken, else a generated short id unique within the
// tree; a declared key is never used as the id) and linking
// siblings per the rules in the node-tree component design.
func Build(w *model.Workflow) (*Tree, error) {
	if w == nil {
		return nil, &acterr.ModelError{Reason: "nil workflow"}
	}
	b := &builder{nodes: make(map[string]*Node), uses: w.Uses}

	root := &Node{
		ID:      b.idFor(w.ID, w.ID),
		Key:     firstNonEmpty(w.ID, "root"),
		Kind:    KindWorkflow,
		Level:   0,
		Content: w,
		children: map[OutputKind][]childRef{
			OutputNormal: {},
		},
	}
	b.nodes[root.ID] = root

	ids, err := b.buildSteps(w.Steps, root, 1, root.ID)
	if err != nil {
		return nil, err
	}
	root.children[OutputNormal] = toRefs(ids)
	linkSiblings(b.nodes, ids, root.ID)
	applyStepNextOverrides(b.nodes, w.Steps, ids)

	t := &Tree{root: root.ID, nodes: b.nodes}
	if err := validate(t, root); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *builder) idFor(declared, key string) string {
	if declared != "" {
		if _, exists := b.nodes[declared]; !exists {
			return declared
		}
	}
	for {
		b.seq++
		candidate := fmt.Sprintf("n%d-%s", b.seq, uuid.NewString()[:8])
		if _, exists := b.nodes[candidate]; !exists {
			return candidate
		}
	}
}

func (b *builder) buildSteps(steps []model.Step, parent *Node, level int, parentID string) ([]string, error) {
	ids := make([]string, 0, len(steps))
	for i := range steps {
		s := &steps[i]
		id := b.idFor(s.ID, s.Key)
		key := firstNonEmpty(s.Key, s.ID, id)
		n := &Node{
			ID:       id,
			Key:      key,
			Kind:     KindStep,
			Level:    level,
			Content:  s,
			parent:   parentID,
			children: map[OutputKind][]childRef{},
		}
		b.nodes[id] = n

		var normal []string
		for j := range s.Branches {
			br := &s.Branches[j]
			bid := b.idFor(br.ID, br.Key)
			bn := &Node{
				ID:       bid,
				Key:      firstNonEmpty(br.Key, br.ID, bid),
				Kind:     KindBranch,
				Level:    level + 1,
				Content:  br,
				parent:   id,
				children: map[OutputKind][]childRef{},
			}
			b.nodes[bid] = bn
			inner, err := b.buildSteps(br.Steps, bn, level+2, bid)
			if err != nil {
				return nil, err
			}
			bn.children[OutputNormal] = toRefs(inner)
			linkSiblings(b.nodes, inner, bid)
			applyStepNextOverrides(b.nodes, br.Steps, inner)
			normal = append(normal, bid)
		}

		actIDs, err := b.buildActs(s.Acts, id, level+1)
		if err != nil {
			return nil, err
		}
		normal = append(normal, actIDs...)
		n.children[OutputNormal] = toRefs(normal)
		linkSiblings(b.nodes, normal, id)

		var catchRefs []childRef
		for _, c := range s.Catches {
			cid, err := b.buildActGroup(c.Then, id, level+1, "catch")
			if err != nil {
				return nil, err
			}
			catchRefs = append(catchRefs, childRef{id: cid, match: c.Err})
		}
		n.children[OutputCatch] = catchRefs

		if s.Timeout != nil {
			tid, err := b.buildActGroup(s.Timeout.Then, id, level+1, "timeout")
			if err != nil {
				return nil, err
			}
			n.children[OutputTimeout] = []childRef{{id: tid, match: s.Timeout.On}}
		}

		ids = append(ids, id)
	}
	return ids, nil
}

// buildActGroup wraps a then-statement list in a synthetic block node so
// catch/timeout children always have exactly one root, matching the
// block act's grouping semantics.
func (b *builder) buildActGroup(acts []model.Act, parentID string, level int, label string) (string, error) {
	gid := b.idFor("", fmt.Sprintf("%s-%s-group", parentID, label))
	gn := &Node{
		ID:       gid,
		Key:      gid,
		Kind:     KindAct,
		Level:    level,
		Content:  &model.Act{Dispatch: "block", Next: acts},
		parent:   parentID,
		children: map[OutputKind][]childRef{},
	}
	b.nodes[gid] = gn
	inner, err := b.buildActs(acts, gid, level+1)
	if err != nil {
		return "", err
	}
	gn.children[OutputNormal] = toRefs(inner)
	linkSiblings(b.nodes, inner, gid)
	return gid, nil
}

func (b *builder) buildActs(acts []model.Act, parentID string, level int) ([]string, error) {
	ids := make([]string, 0, len(acts))
	for i := range acts {
		a := b.resolveUse(&acts[i])
		id := b.idFor(a.ID, a.Key)
		n := &Node{
			ID:       id,
			Key:      firstNonEmpty(a.Key, a.ID, id),
			Kind:     KindAct,
			Level:    level,
			Content:  a,
			parent:   parentID,
			children: map[OutputKind][]childRef{},
		}
		b.nodes[id] = n
		if err := b.buildActNested(n, a, level+1); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// buildActNested compiles an act's own nested statement lists (if's
// then/else, each/chain's then, block's trailing next) and its own
// catch/timeout clauses into n's children, the same way a step's acts
// and clauses are compiled. Without this, an if/each/chain/block act
// would dispatch against a node with no children to run.
func (b *builder) buildActNested(n *Node, a *model.Act, level int) error {
	if len(a.Then) > 0 {
		ids, err := b.buildActs(a.Then, n.ID, level)
		if err != nil {
			return err
		}
		n.children[OutputThen] = toRefs(ids)
		linkSiblings(b.nodes, ids, n.ID)
	}
	if len(a.Else) > 0 {
		ids, err := b.buildActs(a.Else, n.ID, level)
		if err != nil {
			return err
		}
		n.children[OutputElse] = toRefs(ids)
		linkSiblings(b.nodes, ids, n.ID)
	}
	if len(a.Next) > 0 {
		ids, err := b.buildActs(a.Next, n.ID, level)
		if err != nil {
			return err
		}
		n.children[OutputNormal] = toRefs(ids)
		linkSiblings(b.nodes, ids, n.ID)
	}

	var catchRefs []childRef
	for _, c := range a.Catches {
		cid, err := b.buildActGroup(c.Then, n.ID, level, "catch")
		if err != nil {
			return err
		}
		catchRefs = append(catchRefs, childRef{id: cid, match: c.Err})
	}
	if catchRefs != nil {
		n.children[OutputCatch] = catchRefs
	}

	if a.Timeout != nil {
		tid, err := b.buildActGroup(a.Timeout.Then, n.ID, level, "timeout")
		if err != nil {
			return err
		}
		n.children[OutputTimeout] = []childRef{{id: tid, match: a.Timeout.On}}
	}
	return nil
}

// applyStepNextOverrides re-points a step's sibling link at the node its
// own Next field names, instead of the positional next sibling linked
// by linkSiblings. ids and steps must correspond index-for-index (the
// same slices passed to the preceding linkSiblings call).
func applyStepNextOverrides(nodes map[string]*Node, steps []model.Step, ids []string) {
	for i := range steps {
		if steps[i].Next == "" {
			continue
		}
		nodes[ids[i]].next = steps[i].Next
	}
}

func linkSiblings(nodes map[string]*Node, ids []string, containerID string) {
	container := nodes[containerID]
	containerNext := ""
	if container != nil {
		containerNext = container.next
	}
	for i, id := range ids {
		n := nodes[id]
		if i > 0 {
			n.prev = ids[i-1]
		}
		if i < len(ids)-1 {
			n.next = ids[i+1]
		} else {
			n.next = containerNext
		}
	}
}

func toRefs(ids []string) []childRef {
	refs := make([]childRef, len(ids))
	for i, id := range ids {
		refs[i] = childRef{id: id}
	}
	return refs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate enforces the single-normal-parent invariant (every non-root
// node must be reachable through exactly one parent's child buckets)
// and that every step's explicit Next override names a node that
// actually exists in the tree.
func validate(t *Tree, root *Node) error {
	seen := map[string]bool{root.ID: true}
	var walk func(*Node) error
	walk = func(n *Node) error {
		for _, kind := range []OutputKind{OutputNormal, OutputCatch, OutputTimeout, OutputThen, OutputElse} {
			for _, ref := range n.children[kind] {
				if seen[ref.id] {
					return &acterr.ModelError{NodeID: ref.id, Reason: "node reachable from more than one parent"}
				}
				seen[ref.id] = true
				if err := walk(t.nodes[ref.id]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}
	for id, n := range t.nodes {
		s, ok := n.Content.(*model.Step)
		if !ok || s.Next == "" {
			continue
		}
		if _, ok := t.nodes[s.Next]; !ok {
			return &acterr.ModelError{NodeID: id, Reason: "next target " + s.Next + " does not exist"}
		}
	}
	return nil
}
