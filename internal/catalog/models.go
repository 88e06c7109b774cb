package catalog

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopengine/loopagent/internal/graph"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidMedia     = errors.New("invalid media")
	ErrInvalidSelection = errors.New("select at least two distinct nodes")
)

const (
	KindClip  = "clip"
	KindGroup = "group"
)

// NodeRecord is the stored form of a node. Children of a group stay stored
// with Active == false so that ungrouping can restore them.
type NodeRecord struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Name          string    `json:"name"`
	Duration      float64   `json:"duration"`
	FirstFrameRef string    `json:"first_frame_ref"`
	LastFrameRef  string    `json:"last_frame_ref"`
	MediaPath     string    `json:"-"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	Active        bool      `json:"active"`
	Position      int64     `json:"-"`
	Children      []string  `json:"children,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MediaURL is where the agent serves a node's video.
func MediaURL(nodeID string) string {
	return "/media/" + nodeID + "/video"
}

func (r *NodeRecord) IsGroup() bool {
	return r.Kind == KindGroup
}

// ToNode converts the record to its graph form.
func (r *NodeRecord) ToNode() graph.Node {
	n := graph.Node{
		ID:            r.ID,
		Name:          r.Name,
		Duration:      r.Duration,
		FirstFrameRef: r.FirstFrameRef,
		LastFrameRef:  r.LastFrameRef,
	}
	if r.IsGroup() {
		n.Content = graph.Group{Children: append([]string(nil), r.Children...)}
	} else {
		n.Content = graph.Clip{MediaURL: MediaURL(r.ID), Width: r.Width, Height: r.Height}
	}
	return n
}

// groupRecord builds the record stored for a freshly composed group.
func groupRecord(n graph.Node) *NodeRecord {
	return &NodeRecord{
		ID:            n.ID,
		Kind:          KindGroup,
		Name:          n.Name,
		Duration:      n.Duration,
		FirstFrameRef: n.FirstFrameRef,
		LastFrameRef:  n.LastFrameRef,
		Active:        true,
		Children:      n.Children(),
		CreatedAt:     time.Now(),
	}
}

const (
	JobTypeSimilarity = "similarity"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	NodeID    string    `json:"node_id,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Counts summarises the active canvas.
type Counts struct {
	Clips    int `json:"clips"`
	Groups   int `json:"groups"`
	Inactive int `json:"inactive"`
	Edges    int `json:"edges"`
}
