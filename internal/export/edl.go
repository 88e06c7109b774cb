package export

import (
	"fmt"
	"math"
	"strings"
)

// GenerateEDL writes a CMX3600 event list. Record timecodes follow the
// schedule clock; each source is taken from its start for the entry's length.
func GenerateEDL(doc Document, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	event := 0
	for _, e := range doc.Entries {
		durationMs := secondsToMs(e.Duration())
		if durationMs <= 0 {
			continue
		}
		event++

		recInMs := secondsToMs(e.Start)
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", event, "AX", "V",
				msToTimecode(0, fps), msToTimecode(durationMs, fps),
				msToTimecode(recInMs, fps), msToTimecode(recInMs+durationMs, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", ClipName(e.Name)),
		)
		if e.MediaPath != "" {
			lines = append(lines, fmt.Sprintf("* MEDIA PATH:  %s", e.MediaPath))
		}
		lines = append(lines, fmt.Sprintf("* NODE:  %s %s cycle %d repeat %d", e.Kind, e.NodeID, e.CycleIndex, e.RepeatIndex))
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func secondsToMs(s float64) int {
	return int(math.Round(s * 1000))
}

func msToTimecode(ms int, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
