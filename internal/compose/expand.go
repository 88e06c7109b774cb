package compose

import (
	"math"

	"github.com/loopengine/loopagent/internal/graph"
)

// Cycle is an ordered run of nodes played Repeat times.
type Cycle struct {
	NodeIDs []string
	Repeat  int
}

// Entry is one scheduled playback of a node. Start and End are absolute
// seconds from the beginning of the export.
type Entry struct {
	NodeID      string
	Name        string
	Kind        graph.Kind
	Start       float64
	End         float64
	CycleIndex  int
	RepeatIndex int
	// Resolved is false for ids with no metadata; such entries have zero width.
	Resolved bool
}

func (e Entry) Duration() float64 {
	return e.End - e.Start
}

type Schedule struct {
	Entries       []Entry
	TotalDuration float64
}

type ExpandOptions struct {
	// FlattenGroups schedules the clips inside group nodes instead of the
	// group nodes themselves.
	FlattenGroups bool
}

// Expand flattens cycles into a contiguous schedule. Entries are emitted by
// cycle, then repeat, then position, and each entry starts exactly where the
// previous one ended. Repeat counts below one are treated as one.
func Expand(nodes Lookup, cycles []Cycle, opts ExpandOptions) Schedule {
	runs := make([][]string, len(cycles))
	capacity := 0
	for i, c := range cycles {
		ids := c.NodeIDs
		if opts.FlattenGroups {
			ids = flattenAll(nodes, ids)
		}
		runs[i] = ids
		capacity += len(ids) * repeatCount(c.Repeat)
	}

	sched := Schedule{Entries: make([]Entry, 0, capacity)}
	clock := 0.0
	for cycleIndex, c := range cycles {
		for repeatIndex := range repeatCount(c.Repeat) {
			for _, id := range runs[cycleIndex] {
				entry := Entry{
					NodeID:      id,
					CycleIndex:  cycleIndex,
					RepeatIndex: repeatIndex,
					Start:       clock,
				}
				var duration float64
				if n, ok := nodes.Node(id); ok {
					entry.Name = n.Name
					entry.Kind = n.Kind()
					entry.Resolved = true
					duration = safeDuration(n.Duration)
				}
				entry.End = clock + duration
				sched.Entries = append(sched.Entries, entry)
				clock = entry.End
			}
		}
	}
	sched.TotalDuration = clock
	return sched
}

func repeatCount(r int) int {
	if r < 1 {
		return 1
	}
	return r
}

func safeDuration(d float64) float64 {
	if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

func flattenAll(nodes Lookup, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = flatten(nodes, id, map[string]bool{}, out)
	}
	return out
}

// flatten appends the clip ids reachable from id. A group that contains
// itself, directly or indirectly, is not descended into a second time.
func flatten(nodes Lookup, id string, visiting map[string]bool, out []string) []string {
	n, ok := nodes.Node(id)
	if !ok || !n.IsGroup() {
		return append(out, id)
	}
	if visiting[id] {
		return out
	}
	visiting[id] = true
	for _, child := range n.Children() {
		out = flatten(nodes, child, visiting, out)
	}
	delete(visiting, id)
	return out
}
