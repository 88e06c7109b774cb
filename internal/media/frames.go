package media

import (
	"context"
	"fmt"
	"path/filepath"
)

// LastFrameLead is how far before the end of a clip the last frame is taken.
// Seeking to the exact end often yields no frame.
const LastFrameLead = 0.5

// FramePaths returns where the boundary frames of a clip are stored.
func FramePaths(dir, nodeID string) BoundaryFrames {
	return BoundaryFrames{
		FirstPath: filepath.Join(dir, nodeID+"_first.jpg"),
		LastPath:  filepath.Join(dir, nodeID+"_last.jpg"),
	}
}

// LastFrameOffset returns the seek position of the last frame.
func LastFrameOffset(duration float64) float64 {
	return max(0, duration-LastFrameLead)
}

// ExtractBoundaryFrames writes the first frame (at 0s) and the last frame of
// a clip into dir. When the last frame cannot be read at its usual offset,
// one more attempt is made a second earlier.
func ExtractBoundaryFrames(ctx context.Context, ff FFmpeg, videoPath, dir, nodeID string, duration float64) (BoundaryFrames, error) {
	frames := FramePaths(dir, nodeID)

	if err := ff.ExtractFrame(ctx, videoPath, frames.FirstPath, 0); err != nil {
		return BoundaryFrames{}, fmt.Errorf("extract first frame: %w", err)
	}

	offset := LastFrameOffset(duration)
	err := ff.ExtractFrame(ctx, videoPath, frames.LastPath, offset)
	if err != nil && offset > 0 {
		err = ff.ExtractFrame(ctx, videoPath, frames.LastPath, max(0, offset-1))
	}
	if err != nil {
		return BoundaryFrames{}, fmt.Errorf("extract last frame: %w", err)
	}
	return frames, nil
}
