// Package compose is the sequence composition engine. Every function here is
// a pure computation over a read-only view of the graph; callers apply the
// returned plans to the store themselves.
package compose

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/loopengine/loopagent/internal/graph"
)

var ErrNotGroup = errors.New("node is not a group")

// Lookup resolves node metadata by id. *graph.Graph and NodeMap implement it.
type Lookup interface {
	Node(id string) (graph.Node, bool)
}

// NodeMap is a Lookup over a fixed set of nodes.
type NodeMap map[string]graph.Node

func (m NodeMap) Node(id string) (graph.Node, bool) {
	n, ok := m[id]
	return n, ok
}

// Chain tries each lookup in order.
type Chain []Lookup

func (c Chain) Node(id string) (graph.Node, bool) {
	for _, l := range c {
		if l == nil {
			continue
		}
		if n, ok := l.Node(id); ok {
			return n, true
		}
	}
	return graph.Node{}, false
}

type GroupOptions struct {
	ID   string
	Name string
}

// GroupPlan describes an atomic replacement: remove every id in Remove
// (and their edges), then insert Group.
type GroupPlan struct {
	Group    graph.Node
	Order    []string
	Remove   []string
	Fallback bool
}

// Group orders the selected nodes into a single run and builds the group node
// that replaces them. It reports ok == false when fewer than two distinct
// nodes are selected.
func Group(nodes Lookup, selection []string, edges []graph.Edge, opts GroupOptions) (GroupPlan, bool) {
	selection = distinct(selection)
	if len(selection) < 2 {
		return GroupPlan{}, false
	}

	order, fallback := OrderSelection(selection, edges)

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("Group (%d)", len(order))
	}

	group := graph.Node{
		ID:      id,
		Name:    name,
		Content: graph.Group{Children: order},
	}
	for _, childID := range order {
		if child, ok := nodes.Node(childID); ok {
			group.Duration += safeDuration(child.Duration)
		}
	}
	if first, ok := nodes.Node(order[0]); ok {
		group.FirstFrameRef = first.FirstFrameRef
	}
	if last, ok := nodes.Node(order[len(order)-1]); ok {
		group.LastFrameRef = last.LastFrameRef
	}

	return GroupPlan{
		Group:    group,
		Order:    slices.Clone(order),
		Remove:   selection,
		Fallback: fallback,
	}, true
}

// OrderSelection runs Kahn's algorithm over the edges whose endpoints are
// both selected. Ready nodes are always taken in selection order. When the
// intra-selection edges contain a cycle (self-loops included) the selection
// order is returned unchanged with fallback == true.
func OrderSelection(selection []string, edges []graph.Edge) (order []string, fallback bool) {
	selection = distinct(selection)
	n := len(selection)
	index := make(map[string]int, n)
	for i, id := range selection {
		index[id] = i
	}

	indegree := make([]int, n)
	adjacency := make([][]int, n)
	for _, e := range edges {
		u, okU := index[e.Source.NodeID]
		v, okV := index[e.Target.NodeID]
		if !okU || !okV {
			continue
		}
		adjacency[u] = append(adjacency[u], v)
		indegree[v]++
	}

	ready := make([]int, 0, n)
	for i := range n {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]int, 0, n)
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		sorted = append(sorted, u)
		for _, v := range adjacency[u] {
			indegree[v]--
			if indegree[v] == 0 {
				pos, _ := slices.BinarySearch(ready, v)
				ready = slices.Insert(ready, pos, v)
			}
		}
	}

	if len(sorted) < n {
		return slices.Clone(selection), true
	}

	order = make([]string, n)
	for i, idx := range sorted {
		order[i] = selection[idx]
	}
	return order, false
}

// UngroupPlan lists the children to restore in group order. Children that
// could no longer be resolved are reported in Missing and skipped.
type UngroupPlan struct {
	GroupID string
	Restore []graph.Node
	Missing []string
}

func Ungroup(group graph.Node, stored Lookup) (UngroupPlan, error) {
	if !group.IsGroup() {
		return UngroupPlan{}, fmt.Errorf("%w: %s", ErrNotGroup, group.ID)
	}

	plan := UngroupPlan{GroupID: group.ID}
	for _, childID := range distinct(group.Children()) {
		child, ok := stored.Node(childID)
		if !ok {
			plan.Missing = append(plan.Missing, childID)
			continue
		}
		plan.Restore = append(plan.Restore, child)
	}
	return plan, nil
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
