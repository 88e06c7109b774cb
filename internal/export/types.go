// Package export turns a composed schedule into the documents handed to
// editors and players.
package export

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatEDL  = "edl"

	DefaultProjectName = "loop_export"
	DefaultFrameRate   = 30.0
)

// Request is the body of an export call.
type Request struct {
	Cycles        []CycleInput `json:"cycles"`
	FlattenGroups bool         `json:"flatten_groups"`
	Format        string       `json:"format"`
	ProjectName   string       `json:"project_name"`
	FrameRate     float64      `json:"frame_rate"`
	OutputDir     string       `json:"output_dir"`
}

type CycleInput struct {
	NodeIDs []string `json:"node_ids" yaml:"node_ids"`
	Repeat  int      `json:"repeat" yaml:"repeat"`
}

// Document lists scheduled entries in emission order.
type Document struct {
	TotalDuration float64 `json:"total_duration" yaml:"total_duration"`
	Entries       []Entry `json:"entries" yaml:"entries"`
}

type Entry struct {
	NodeID      string  `json:"node_id" yaml:"node_id"`
	Name        string  `json:"name" yaml:"name"`
	Start       float64 `json:"start" yaml:"start"`
	End         float64 `json:"end" yaml:"end"`
	CycleIndex  int     `json:"cycle_index" yaml:"cycle_index"`
	RepeatIndex int     `json:"repeat_index" yaml:"repeat_index"`
	Kind        string  `json:"kind" yaml:"kind"`
	MediaURL    string  `json:"media_url,omitempty" yaml:"media_url,omitempty"`

	// MediaPath is the local file behind a clip, used by EDL output only.
	MediaPath string `json:"-" yaml:"-"`
}

func (e Entry) Duration() float64 {
	return e.End - e.Start
}

type Response struct {
	Status     string    `json:"status"`
	Format     string    `json:"format"`
	OutputPath string    `json:"output_path,omitempty"`
	EntryCount int       `json:"entry_count"`
	Unresolved []string  `json:"unresolved"`
	Document   *Document `json:"document,omitempty"`
}
