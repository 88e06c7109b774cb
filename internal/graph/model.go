// Package graph holds the in-memory model of the canvas: clip and group nodes
// connected by directed frame transitions.
package graph

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("node already exists")
	ErrEdgeEndpoint  = errors.New("edge endpoint does not exist")
	ErrInvalidSide   = errors.New("invalid side")
)

type Kind int

const (
	KindClip Kind = iota
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindClip:
		return "clip"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "clip", "video":
		return KindClip, nil
	case "group":
		return KindGroup, nil
	default:
		return 0, fmt.Errorf("unknown node kind %q", s)
	}
}

// Side names the frame of a node that takes part in a transition.
type Side string

const (
	SideFirst Side = "first"
	SideLast  Side = "last"
)

func ParseSide(s string) (Side, error) {
	switch s {
	case "first", "left":
		return SideFirst, nil
	case "last", "right":
		return SideLast, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

func (s Side) Valid() bool {
	return s == SideFirst || s == SideLast
}

// Content is the kind-specific part of a node. It is implemented only by
// Clip and Group.
type Content interface {
	isContent()
}

type Clip struct {
	MediaURL string
	Width    int
	Height   int
}

type Group struct {
	Children []string
}

func (Clip) isContent()  {}
func (Group) isContent() {}

type Node struct {
	ID            string
	Name          string
	Duration      float64
	FirstFrameRef string
	LastFrameRef  string
	Content       Content
}

// Kind reports the node kind from its content. A node without content is a clip.
func (n Node) Kind() Kind {
	switch n.Content.(type) {
	case Group, *Group:
		return KindGroup
	default:
		return KindClip
	}
}

// Children returns the ordered child ids of a group node, nil for clips.
func (n Node) Children() []string {
	switch c := n.Content.(type) {
	case Group:
		return c.Children
	case *Group:
		return c.Children
	default:
		return nil
	}
}

func (n Node) IsGroup() bool {
	return n.Kind() == KindGroup
}

func (n Node) clone() Node {
	switch c := n.Content.(type) {
	case Group:
		n.Content = Group{Children: slices.Clone(c.Children)}
	case *Group:
		n.Content = Group{Children: slices.Clone(c.Children)}
	case *Clip:
		n.Content = *c
	}
	return n
}

type Endpoint struct {
	NodeID string
	Side   Side
}

// Edge is a directed transition between two node frames. Edges are compared
// by value, so two edges with the same four-tuple are the same edge.
type Edge struct {
	Source Endpoint
	Target Endpoint
}

func NewEdge(sourceID string, sourceSide Side, targetID string, targetSide Side) Edge {
	return Edge{
		Source: Endpoint{NodeID: sourceID, Side: sourceSide},
		Target: Endpoint{NodeID: targetID, Side: targetSide},
	}
}

func (e Edge) IsSelfLoop() bool {
	return e.Source.NodeID == e.Target.NodeID
}

func (e Edge) Touches(id string) bool {
	return e.Source.NodeID == id || e.Target.NodeID == id
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s->%s.%s", e.Source.NodeID, e.Source.Side, e.Target.NodeID, e.Target.Side)
}
