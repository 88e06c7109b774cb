package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopengine/loopagent/internal/graph"
)

func buildGraph(t *testing.T, nodes []graph.Node, edges []graph.Edge) *graph.Graph {
	t.Helper()
	s := graph.NewStore()
	require.NoError(t, s.Reset(nodes, edges))
	return s.Snapshot()
}

func TestFindLoops(t *testing.T) {
	g := buildGraph(t,
		[]graph.Node{clip("a", 1), clip("b", 2), clip("c", 3), clip("d", 5)},
		[]graph.Edge{
			link("b", "c"),
			link("c", "a"),
			link("a", "b"),
			link("d", "d"),
		},
	)

	loops := FindLoops(g, 0)
	require.Len(t, loops, 2)
	assert.Equal(t, []string{"d"}, loops[0].NodeIDs)
	assert.Equal(t, 5.0, loops[0].Duration)
	assert.Equal(t, []string{"a", "b", "c"}, loops[1].NodeIDs)
	assert.Equal(t, 6.0, loops[1].Duration)
}

func TestFindLoops_Acyclic(t *testing.T) {
	g := buildGraph(t,
		[]graph.Node{clip("a", 1), clip("b", 1), clip("c", 1)},
		[]graph.Edge{link("a", "b"), link("b", "c"), link("a", "c")},
	)
	assert.Empty(t, FindLoops(g, 0))
}

func TestFindLoops_ParallelEdgesCountOnce(t *testing.T) {
	g := buildGraph(t,
		[]graph.Node{clip("a", 1), clip("b", 1)},
		[]graph.Edge{
			link("a", "b"),
			graph.NewEdge("a", graph.SideFirst, "b", graph.SideFirst),
			link("b", "a"),
		},
	)

	loops := FindLoops(g, 0)
	require.Len(t, loops, 1)
	assert.Equal(t, []string{"a", "b"}, loops[0].NodeIDs)
}

func TestFindLoops_Limit(t *testing.T) {
	g := buildGraph(t,
		[]graph.Node{clip("a", 1), clip("b", 1), clip("c", 1)},
		[]graph.Edge{link("a", "a"), link("b", "b"), link("c", "c")},
	)

	loops := FindLoops(g, 2)
	require.Len(t, loops, 2)
	assert.Equal(t, []string{"a"}, loops[0].NodeIDs)
	assert.Equal(t, []string{"b"}, loops[1].NodeIDs)
}
