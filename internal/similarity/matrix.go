// Package similarity scores how well the last frame of one clip matches the
// first frame of another, and answers compatibility queries over those scores.
package similarity

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/loopengine/loopagent/internal/graph"
)

// DefaultThreshold is the score at or above which two frames are compatible.
const DefaultThreshold = 0.75

// Result is one compatible handle: NodeID's Side can be wired to the queried node.
type Result struct {
	NodeID string     `json:"node_id"`
	Side   graph.Side `json:"side"`
	Score  float64    `json:"score"`
}

// Scorer answers compatibility queries. Both the in-process scorer and the
// remote client implement it.
type Scorer interface {
	Compatible(ctx context.Context, nodeID string, side graph.Side, threshold float64) ([]Result, error)
	Matrix(ctx context.Context) (*Matrix, error)
}

// Registry keeps the score matrix in step with the set of ingested clips.
type Registry interface {
	Register(ctx context.Context, f Frames) error
	Remove(ctx context.Context, nodeID string) error
}

// Frames locates the two boundary frames of a clip on disk.
type Frames struct {
	NodeID    string
	FirstPath string
	LastPath  string
}

// Matrix holds scores keyed [lastOwner][firstOwner]: the score of playing
// lastOwner and then cutting to firstOwner.
type Matrix struct {
	mu     sync.RWMutex
	scores map[string]map[string]float64
}

func NewMatrix() *Matrix {
	return &Matrix{scores: make(map[string]map[string]float64)}
}

// MatrixFrom builds a matrix from nested maps such as the /matrix payload.
func MatrixFrom(scores map[string]map[string]float64) *Matrix {
	m := NewMatrix()
	for from, row := range scores {
		m.ensure(from)
		for to, s := range row {
			m.Set(from, to, s)
		}
	}
	return m
}

func (m *Matrix) ensure(id string) map[string]float64 {
	row, ok := m.scores[id]
	if !ok {
		row = make(map[string]float64)
		m.scores[id] = row
	}
	return row
}

// Set stores the score for cutting from the last frame of from to the first
// frame of to. Scores are clamped to [0, 1].
func (m *Matrix) Set(from, to string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(from)[to] = clamp(score)
	m.ensure(to)
}

func (m *Matrix) Score(from, to string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[from][to]
	return s, ok
}

// Has reports whether id owns a row of the matrix.
func (m *Matrix) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.scores[id]
	return ok
}

func (m *Matrix) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, id)
	for _, row := range m.scores {
		delete(row, id)
	}
}

// IDs returns the row owners in sorted order.
func (m *Matrix) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.scores))
	for id := range m.scores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of stored scores.
func (m *Matrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, row := range m.scores {
		n += len(row)
	}
	return n
}

// Snapshot returns a deep copy of the scores.
func (m *Matrix) Snapshot() map[string]map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]float64, len(m.scores))
	for from, row := range m.scores {
		cp := make(map[string]float64, len(row))
		for to, s := range row {
			cp[to] = s
		}
		out[from] = cp
	}
	return out
}

// Compatible lists the handles that can be wired to side of nodeID.
// Querying the last side returns the nodes whose first frame follows well;
// querying the first side returns the nodes whose last frame leads in well.
// Results are ordered by descending score, then node id.
func (m *Matrix) Compatible(nodeID string, side graph.Side, threshold float64) []Result {
	threshold = clamp(threshold)

	m.mu.RLock()
	var out []Result
	switch side {
	case graph.SideLast:
		for to, s := range m.scores[nodeID] {
			if s >= threshold {
				out = append(out, Result{NodeID: to, Side: graph.SideFirst, Score: s})
			}
		}
	case graph.SideFirst:
		for from, row := range m.scores {
			if s, ok := row[nodeID]; ok && s >= threshold {
				out = append(out, Result{NodeID: from, Side: graph.SideLast, Score: s})
			}
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// round4 keeps four decimals, the precision scores are stored with.
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
