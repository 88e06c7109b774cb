package compose

import "math"

// DefaultThreshold is the minimum similarity for a transition to be accepted.
const DefaultThreshold = 0.75

// Slot is one position of a linear timeline. The same node may occupy
// several slots.
type Slot struct {
	ID     string
	NodeID string
}

type Compatibility struct {
	Index      int
	SlotID     string
	NodeID     string
	Compatible bool
	Score      float64
	// Missing is set when no score was available for the transition.
	Missing bool
}

// ScoreFunc returns the similarity between the last frame of fromID and the
// first frame of toID. ok is false when no score is known for the pair.
type ScoreFunc func(fromID, toID string) (score float64, ok bool)

// CheckTimeline evaluates every forward transition of the timeline. The first
// slot has no predecessor and is always compatible with score 1. The wrap from
// the last slot back to the first is not evaluated.
func CheckTimeline(slots []Slot, score ScoreFunc, threshold float64) []Compatibility {
	threshold = ClampUnit(threshold)
	out := make([]Compatibility, len(slots))

	for i, slot := range slots {
		c := Compatibility{Index: i, SlotID: slot.ID, NodeID: slot.NodeID}
		if i == 0 {
			c.Compatible = true
			c.Score = 1
			out[i] = c
			continue
		}

		var s float64
		var ok bool
		if score != nil {
			s, ok = score(slots[i-1].NodeID, slot.NodeID)
		}
		if !ok || math.IsNaN(s) {
			c.Missing = true
			s = 0
		}
		c.Score = ClampUnit(s)
		c.Compatible = c.Score >= threshold
		out[i] = c
	}
	return out
}

// AllCompatible reports whether every transition passed.
func AllCompatible(results []Compatibility) bool {
	for _, r := range results {
		if !r.Compatible {
			return false
		}
	}
	return true
}

// ClampUnit clamps v to [0, 1]. NaN becomes 0.
func ClampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
