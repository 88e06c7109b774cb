package api

import (
	"time"

	"github.com/loopengine/loopagent/internal/catalog"
	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/graph"
	"github.com/loopengine/loopagent/internal/similarity"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State       string               `json:"state"`
	LastError   string               `json:"last_error,omitempty"`
	Clips       int                  `json:"clips"`
	Groups      int                  `json:"groups"`
	Inactive    int                  `json:"inactive"`
	Edges       int                  `json:"edges"`
	JobsRunning int                  `json:"jobs_running"`
	JobsPending int                  `json:"jobs_pending"`
	ActiveJob   *JobResponse         `json:"active_job,omitempty"`
	Threshold   float64              `json:"threshold"`
	Media       *MediaStatusResponse `json:"media,omitempty"`
}

type MediaStatusResponse struct {
	Ready          bool   `json:"ready"`
	FFmpeg         bool   `json:"ffmpeg"`
	FFprobe        bool   `json:"ffprobe"`
	FFmpegVersion  string `json:"ffmpeg_version,omitempty"`
	FFprobeVersion string `json:"ffprobe_version,omitempty"`
	LastProbeAt    string `json:"last_probe_at,omitempty"`
}

type NodeResponse struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Name          string   `json:"name"`
	Duration      float64  `json:"duration"`
	FirstFrameRef string   `json:"first_frame_ref"`
	LastFrameRef  string   `json:"last_frame_ref"`
	MediaURL      string   `json:"media_url,omitempty"`
	FirstFrameURL string   `json:"first_frame_url,omitempty"`
	LastFrameURL  string   `json:"last_frame_url,omitempty"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	Active        bool     `json:"active"`
	Children      []string `json:"children,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

type NodesResponse struct {
	Nodes []NodeResponse `json:"nodes"`
}

type RenameRequest struct {
	Name string `json:"name"`
}

type EdgeRequest struct {
	SourceID   string `json:"source_id"`
	SourceSide string `json:"source_side"`
	TargetID   string `json:"target_id"`
	TargetSide string `json:"target_side"`
}

type EdgeResponse struct {
	SourceID   string `json:"source_id"`
	SourceSide string `json:"source_side"`
	TargetID   string `json:"target_id"`
	TargetSide string `json:"target_side"`
}

type EdgesResponse struct {
	Edges []EdgeResponse `json:"edges"`
}

type EdgeChangeResponse struct {
	Edge    EdgeResponse `json:"edge"`
	Changed bool         `json:"changed"`
}

type GroupRequest struct {
	NodeIDs []string `json:"node_ids"`
	Name    string   `json:"name,omitempty"`
}

type GroupResponse struct {
	Group    NodeResponse `json:"group"`
	Order    []string     `json:"order"`
	Fallback bool         `json:"fallback"`
}

type UngroupResponse struct {
	GroupID  string         `json:"group_id"`
	Restored []NodeResponse `json:"restored"`
}

type CompatibleResponse struct {
	NodeID     string              `json:"node_id"`
	Side       string              `json:"side"`
	Threshold  float64             `json:"threshold"`
	Compatible []similarity.Result `json:"compatible"`
}

type MatrixResponse struct {
	Scores map[string]map[string]float64 `json:"scores"`
}

type SlotInput struct {
	SlotID string `json:"slot_id"`
	NodeID string `json:"node_id"`
}

type TimelineCheckRequest struct {
	Slots     []SlotInput `json:"slots"`
	Threshold *float64    `json:"threshold,omitempty"`
}

type CompatibilityResponse struct {
	Index      int     `json:"index"`
	SlotID     string  `json:"slot_id"`
	NodeID     string  `json:"node_id"`
	Compatible bool    `json:"compatible"`
	Score      float64 `json:"score"`
	Missing    bool    `json:"missing,omitempty"`
}

type TimelineCheckResponse struct {
	Threshold float64                 `json:"threshold"`
	Results   []CompatibilityResponse `json:"results"`
}

type LoopResponse struct {
	NodeIDs  []string `json:"node_ids"`
	Duration float64  `json:"duration"`
}

type LoopsResponse struct {
	Loops []LoopResponse `json:"loops"`
}

type JobResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	NodeID    string `json:"node_id,omitempty"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NodeToResponse(n *catalog.NodeRecord) NodeResponse {
	resp := NodeResponse{
		ID:            n.ID,
		Kind:          n.Kind,
		Name:          n.Name,
		Duration:      n.Duration,
		FirstFrameRef: n.FirstFrameRef,
		LastFrameRef:  n.LastFrameRef,
		Width:         n.Width,
		Height:        n.Height,
		Active:        n.Active,
		Children:      n.Children,
		CreatedAt:     n.CreatedAt.Format(time.RFC3339),
	}
	if !n.IsGroup() {
		resp.MediaURL = catalog.MediaURL(n.ID)
	}
	if n.FirstFrameRef != "" {
		resp.FirstFrameURL = "/media/" + n.ID + "/" + catalog.AssetFirst
	}
	if n.LastFrameRef != "" {
		resp.LastFrameURL = "/media/" + n.ID + "/" + catalog.AssetLast
	}
	return resp
}

func NodesToResponse(nodes []*catalog.NodeRecord) []NodeResponse {
	out := make([]NodeResponse, len(nodes))
	for i, n := range nodes {
		out[i] = NodeToResponse(n)
	}
	return out
}

func EdgeToResponse(e graph.Edge) EdgeResponse {
	return EdgeResponse{
		SourceID:   e.Source.NodeID,
		SourceSide: string(e.Source.Side),
		TargetID:   e.Target.NodeID,
		TargetSide: string(e.Target.Side),
	}
}

// ToEdge validates the sides of the request.
func (r EdgeRequest) ToEdge() (graph.Edge, error) {
	src, err := graph.ParseSide(r.SourceSide)
	if err != nil {
		return graph.Edge{}, err
	}
	tgt, err := graph.ParseSide(r.TargetSide)
	if err != nil {
		return graph.Edge{}, err
	}
	return graph.NewEdge(r.SourceID, src, r.TargetID, tgt), nil
}

func CompatibilityToResponse(c compose.Compatibility) CompatibilityResponse {
	return CompatibilityResponse{
		Index:      c.Index,
		SlotID:     c.SlotID,
		NodeID:     c.NodeID,
		Compatible: c.Compatible,
		Score:      c.Score,
		Missing:    c.Missing,
	}
}

func JobToResponse(j *catalog.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		NodeID:    j.NodeID,
		Progress:  j.Progress,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}
