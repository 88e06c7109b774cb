package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var ErrInvalidGroup = errors.New("invalid group")

// Graph is an immutable snapshot. It is never modified after a Store
// publishes it, so it can be shared freely between goroutines.
type Graph struct {
	nodes map[string]Node
	order []string
	edges []Edge
	index map[Edge]struct{}
}

func empty() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		index: make(map[Edge]struct{}),
	}
}

func (g *Graph) clone() *Graph {
	c := &Graph{
		nodes: make(map[string]Node, len(g.nodes)),
		order: slices.Clone(g.order),
		edges: slices.Clone(g.edges),
		index: make(map[Edge]struct{}, len(g.index)),
	}
	for id, n := range g.nodes {
		c.nodes[id] = n
	}
	for e := range g.index {
		c.index[e] = struct{}{}
	}
	return c
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

func (g *Graph) NodeIDs() []string {
	return slices.Clone(g.order)
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

func (g *Graph) HasEdge(e Edge) bool {
	_, ok := g.index[e]
	return ok
}

// EdgesAmong returns the edges whose endpoints both lie in ids.
func (g *Graph) EdgesAmong(ids []string) []Edge {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	var out []Edge
	for _, e := range g.edges {
		_, src := set[e.Source.NodeID]
		_, dst := set[e.Target.NodeID]
		if src && dst {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTouching returns the edges with at least one endpoint in ids.
func (g *Graph) EdgesTouching(ids ...string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		for _, id := range ids {
			if e.Touches(id) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (g *Graph) addNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNodeNotFound)
	}
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if err := validateNode(n); err != nil {
		return err
	}
	g.nodes[n.ID] = n.clone()
	g.order = append(g.order, n.ID)
	return nil
}

func (g *Graph) removeNode(id string) bool {
	if _, ok := g.nodes[id]; !ok {
		return false
	}
	delete(g.nodes, id)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == id })
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool {
		if e.Touches(id) {
			delete(g.index, e)
			return true
		}
		return false
	})
	return true
}

func (g *Graph) addEdge(e Edge) (bool, error) {
	if !e.Source.Side.Valid() || !e.Target.Side.Valid() {
		return false, fmt.Errorf("%w: %s", ErrInvalidSide, e)
	}
	if !g.Has(e.Source.NodeID) {
		return false, fmt.Errorf("%w: %s", ErrEdgeEndpoint, e.Source.NodeID)
	}
	if !g.Has(e.Target.NodeID) {
		return false, fmt.Errorf("%w: %s", ErrEdgeEndpoint, e.Target.NodeID)
	}
	if _, ok := g.index[e]; ok {
		return false, nil
	}
	g.index[e] = struct{}{}
	g.edges = append(g.edges, e)
	return true, nil
}

func (g *Graph) removeEdge(e Edge) bool {
	if _, ok := g.index[e]; !ok {
		return false
	}
	delete(g.index, e)
	g.edges = slices.DeleteFunc(g.edges, func(x Edge) bool { return x == e })
	return true
}

func validateNode(n Node) error {
	if n.Duration < 0 {
		return fmt.Errorf("node %s: negative duration", n.ID)
	}
	if !n.IsGroup() {
		return nil
	}
	children := n.Children()
	if len(children) == 0 {
		return fmt.Errorf("%w: %s has no children", ErrInvalidGroup, n.ID)
	}
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: %s lists child %s twice", ErrInvalidGroup, n.ID, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Store is the single mutable owner of the graph. Writers are serialised and
// publish a fresh snapshot; readers never block writers.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Graph]
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(empty())
	return s
}

func (s *Store) Snapshot() *Graph {
	return s.current.Load()
}

func (s *Store) update(fn func(g *Graph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

// Reset replaces the whole graph. Edges referring to unknown nodes are dropped.
func (s *Store) Reset(nodes []Node, edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := empty()
	for _, n := range nodes {
		if err := next.addNode(n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if _, err := next.addEdge(e); err != nil && !errors.Is(err, ErrEdgeEndpoint) {
			return err
		}
	}
	s.current.Store(next)
	return nil
}

func (s *Store) AddNode(n Node) error {
	return s.update(func(g *Graph) error {
		return g.addNode(n)
	})
}

// RemoveNode deletes the node and every edge touching it in one step.
func (s *Store) RemoveNode(id string) error {
	return s.update(func(g *Graph) error {
		if !g.removeNode(id) {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		return nil
	})
}

func (s *Store) Rename(id, name string) error {
	return s.update(func(g *Graph) error {
		n, ok := g.nodes[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		n.Name = name
		g.nodes[id] = n
		return nil
	})
}

// AddEdge inserts e. Adding an edge that already exists is a no-op and
// reports added == false.
func (s *Store) AddEdge(e Edge) (added bool, err error) {
	err = s.update(func(g *Graph) error {
		added, err = g.addEdge(e)
		return err
	})
	return added, err
}

func (s *Store) RemoveEdge(e Edge) bool {
	var removed bool
	_ = s.update(func(g *Graph) error {
		removed = g.removeEdge(e)
		return nil
	})
	return removed
}

// Replace removes the given nodes (with their edges) and inserts add as a
// single published change. Missing ids in remove are ignored.
func (s *Store) Replace(remove []string, add []Node) error {
	return s.update(func(g *Graph) error {
		for _, id := range remove {
			g.removeNode(id)
		}
		for _, n := range add {
			if err := g.addNode(n); err != nil {
				return err
			}
		}
		return nil
	})
}
