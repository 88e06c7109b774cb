package compose

import (
	"cmp"
	"slices"

	gg "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/loopengine/loopagent/internal/graph"
)

// Loop is a closed run of transitions: playing NodeIDs in order and then
// returning to the first one follows only existing edges.
type Loop struct {
	NodeIDs  []string
	Duration float64
}

// FindLoops lists the loops of the transition graph. Self-loops come out as
// single-node loops. Each loop starts at its earliest-inserted node; loops
// are sorted by length and then by insertion order. limit <= 0 means no limit.
func FindLoops(g *graph.Graph, limit int) []Loop {
	ids := g.NodeIDs()
	idToNode := make(map[string]int64, len(ids))
	for i, id := range ids {
		idToNode[id] = int64(i)
	}

	dg := simple.NewDirectedGraph()
	for i := range ids {
		dg.AddNode(simple.Node(int64(i)))
	}

	var cycles [][]int64
	selfLoops := make(map[int64]bool)
	for _, e := range g.Edges() {
		u, okU := idToNode[e.Source.NodeID]
		v, okV := idToNode[e.Target.NodeID]
		if !okU || !okV {
			continue
		}
		if u == v {
			if !selfLoops[u] {
				selfLoops[u] = true
				cycles = append(cycles, []int64{u})
			}
			continue
		}
		if !dg.HasEdgeFromTo(u, v) {
			dg.SetEdge(simple.Edge{F: simple.Node(u), T: simple.Node(v)})
		}
	}

	if hasNonTrivialComponent(dg) {
		for _, c := range topo.DirectedCyclesIn(dg) {
			cycles = append(cycles, canonical(c))
		}
	}

	slices.SortFunc(cycles, func(a, b []int64) int {
		if n := cmp.Compare(len(a), len(b)); n != 0 {
			return n
		}
		return slices.Compare(a, b)
	})
	if limit > 0 && len(cycles) > limit {
		cycles = cycles[:limit]
	}

	loops := make([]Loop, 0, len(cycles))
	for _, c := range cycles {
		loop := Loop{NodeIDs: make([]string, len(c))}
		for i, idx := range c {
			id := ids[idx]
			loop.NodeIDs[i] = id
			if n, ok := g.Node(id); ok {
				loop.Duration += safeDuration(n.Duration)
			}
		}
		loops = append(loops, loop)
	}
	return loops
}

func hasNonTrivialComponent(g gg.Directed) bool {
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) > 1 {
			return true
		}
	}
	return false
}

// canonical drops the closing node gonum repeats at the end of a cycle and
// rotates the cycle to start at its smallest id.
func canonical(cycle []gg.Node) []int64 {
	if len(cycle) > 1 && cycle[0].ID() == cycle[len(cycle)-1].ID() {
		cycle = cycle[:len(cycle)-1]
	}
	out := make([]int64, len(cycle))
	start := 0
	for i, n := range cycle {
		out[i] = n.ID()
		if n.ID() < cycle[start].ID() {
			start = i
		}
	}
	return slices.Concat(out[start:], out[:start])
}
