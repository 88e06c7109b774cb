// Package media wraps the ffmpeg and ffprobe binaries: probing uploaded clips,
// extracting their boundary frames and checking that the tools are installed.
package media

import "time"

// ProbeResult is the subset of ffprobe output the agent keeps per clip.
type ProbeResult struct {
	Duration  float64 `json:"duration"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Codec     string  `json:"codec"`
	FrameRate float64 `json:"frame_rate"`
}

// Capabilities reports which external tools are usable, as found by Check.
type Capabilities struct {
	FFmpeg   ToolInfo  `json:"ffmpeg"`
	FFprobe  ToolInfo  `json:"ffprobe"`
	ProbedAt time.Time `json:"probed_at"`
}

// Ready reports whether uploads can be processed.
func (c *Capabilities) Ready() bool {
	return c != nil && c.FFmpeg.Available && c.FFprobe.Available
}

// ToolInfo represents the availability status of a single binary.
type ToolInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the structured outcome of executing a tool subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// BoundaryFrames locates the extracted first and last frames of a clip.
type BoundaryFrames struct {
	FirstPath string
	LastPath  string
}
