package export

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/loopengine/loopagent/internal/compose"
)

// Media reports where the agent serves a node's video and the file behind it.
// Both are empty for nodes without media of their own.
type Media func(nodeID string) (url, path string)

// Build converts a schedule into a document. Times are rounded to four
// decimals. Ids that did not resolve are returned separately, each once.
func Build(sched compose.Schedule, media Media) (Document, []string) {
	doc := Document{
		TotalDuration: round4(sched.TotalDuration),
		Entries:       make([]Entry, 0, len(sched.Entries)),
	}
	var unresolved []string
	seen := make(map[string]bool)

	for _, e := range sched.Entries {
		entry := Entry{
			NodeID:      e.NodeID,
			Name:        e.Name,
			Start:       round4(e.Start),
			End:         round4(e.End),
			CycleIndex:  e.CycleIndex,
			RepeatIndex: e.RepeatIndex,
		}
		if e.Resolved {
			entry.Kind = e.Kind.String()
			if media != nil {
				entry.MediaURL, entry.MediaPath = media(e.NodeID)
			}
		} else {
			entry.Kind = "unknown"
			if !seen[e.NodeID] {
				seen[e.NodeID] = true
				unresolved = append(unresolved, e.NodeID)
			}
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc, unresolved
}

// ParseFormat normalises a requested format, defaulting to JSON.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatYAML, FormatEDL:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Encode renders doc in the given format.
func Encode(doc Document, format, title string, frameRate float64) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatEDL:
		return []byte(GenerateEDL(doc, title, frameRate)), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// Write stores data as <dir>/<name>.<format>.
func Write(dir, name, format string, data []byte) (string, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return "", err
	}
	out := filepath.Join(dir, name+"."+format)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return out, nil
}

// ContentType is the HTTP media type for a format.
func ContentType(format string) string {
	switch format {
	case FormatYAML:
		return "application/yaml"
	case FormatEDL:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
