package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/export"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var (
		cyclesPath string
		flatten    bool
		format     string
		outputDir  string
		project    string
		frameRate  float64
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Expand cycles into a playback schedule",
		Long: "Reads a cycles file (JSON or YAML: a list of {node_ids, repeat}, or {cycles: [...]})\n" +
			"and prints the expanded schedule, or writes it to --output.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cycles, err := readCycles(cmd.InOrStdin(), cyclesPath)
			if err != nil {
				return err
			}

			format = resolveOutput(cmd, format)
			if format != outputTable {
				if format, err = export.ParseFormat(format); err != nil {
					return err
				}
			}

			cat, err := ctx.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer cat.Close()

			doc, unresolved, err := cat.service.Export(cmd.Context(), cycles, flatten)
			if err != nil {
				return err
			}
			for _, id := range unresolved {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: node %s not found, scheduled with zero duration\n", id)
			}

			if format == outputTable {
				fmt.Fprintln(cmd.OutOrStdout(), renderSchedule(doc))
				return nil
			}

			name := export.ProjectName(project)
			data, err := export.Encode(doc, format, name, frameRate)
			if err != nil {
				return err
			}

			if outputDir == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			dir, err := filepath.Abs(outputDir)
			if err != nil {
				return err
			}
			path, err := export.Write(dir, name, format, data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "wrote", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&cyclesPath, "cycles", "", "Cycles file (JSON or YAML), - for stdin")
	cmd.Flags().BoolVar(&flatten, "flatten", false, "Expand groups into their clips")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: table, json, yaml or edl")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Write the export into this directory")
	cmd.Flags().StringVar(&project, "project", export.DefaultProjectName, "Project name used for the file and EDL title")
	cmd.Flags().Float64Var(&frameRate, "fps", export.DefaultFrameRate, "Frame rate for EDL timecodes")
	_ = cmd.MarkFlagRequired("cycles")

	return cmd
}

// readCycles accepts a bare list or an object with a cycles key. YAML
// parsing covers JSON input as well. An empty list is a valid, empty schedule.
func readCycles(stdin io.Reader, path string) ([]compose.Cycle, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read cycles: %w", err)
	}

	var list []export.CycleInput
	if err := yaml.Unmarshal(data, &list); err != nil {
		var wrapped struct {
			Cycles []export.CycleInput `yaml:"cycles"`
		}
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse cycles: %w", err)
		}
		list = wrapped.Cycles
	}
	cycles := make([]compose.Cycle, len(list))
	for i, c := range list {
		cycles[i] = compose.Cycle{NodeIDs: c.NodeIDs, Repeat: c.Repeat}
	}
	return cycles, nil
}

func renderSchedule(doc export.Document) string {
	rows := make([][]string, 0, len(doc.Entries))
	for i, e := range doc.Entries {
		rows = append(rows, []string{
			strconv.Itoa(i),
			e.NodeID,
			e.Name,
			e.Kind,
			formatSeconds(e.Start),
			formatSeconds(e.End),
			strconv.Itoa(e.CycleIndex),
			strconv.Itoa(e.RepeatIndex),
		})
	}
	out := renderTable(
		[]string{"#", "Node", "Name", "Kind", "Start", "End", "Cycle", "Repeat"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
	return out + "\nTotal duration: " + formatSeconds(doc.TotalDuration) + "s"
}

type checkResult struct {
	Index      int     `json:"index"`
	SlotID     string  `json:"slot_id"`
	NodeID     string  `json:"node_id"`
	Compatible bool    `json:"compatible"`
	Score      float64 `json:"score"`
	Missing    bool    `json:"missing,omitempty"`
}

type loopResult struct {
	NodeIDs  []string `json:"node_ids"`
	Duration float64  `json:"duration"`
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var (
		slots     []string
		threshold float64
		output    string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the transitions of a timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(slots) == 0 {
				return errors.New("--slots is required")
			}

			cat, err := ctx.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer cat.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = cat.service.Threshold()
			}
			if threshold < 0 || threshold > 1 {
				return errors.New("threshold must be between 0 and 1")
			}

			timeline := make([]compose.Slot, len(slots))
			for i, id := range slots {
				timeline[i] = compose.Slot{ID: "slot-" + strconv.Itoa(i), NodeID: strings.TrimSpace(id)}
			}

			checks, err := cat.service.CheckTimeline(cmd.Context(), timeline, threshold)
			if err != nil {
				return err
			}

			if resolveOutput(cmd, output) == outputJSON {
				out := make([]checkResult, len(checks))
				for i, c := range checks {
					out[i] = checkResult{Index: c.Index, SlotID: c.SlotID, NodeID: c.NodeID, Compatible: c.Compatible, Score: c.Score, Missing: c.Missing}
				}
				return writeJSON(cmd, out)
			}

			rows := make([][]string, 0, len(checks))
			for _, c := range checks {
				score := formatSeconds(c.Score)
				if c.Missing {
					score = "-"
				}
				rows = append(rows, []string{strconv.Itoa(c.Index), c.SlotID, c.NodeID, score, strconv.FormatBool(c.Compatible)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Slot", "Node", "Score", "Compatible"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&slots, "slots", nil, "Comma separated node ids in timeline order")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Compatibility threshold (defaults to the configured one)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: table or json")

	return cmd
}

func newLoopsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "loops",
		Short: "List seamless loops found in the transition graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := ctx.openCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer cat.Close()

			loops := cat.service.Loops(limit)

			if resolveOutput(cmd, output) == outputJSON {
				out := make([]loopResult, len(loops))
				for i, l := range loops {
					out[i] = loopResult{NodeIDs: l.NodeIDs, Duration: l.Duration}
				}
				return writeJSON(cmd, out)
			}

			rows := make([][]string, 0, len(loops))
			for i, l := range loops {
				rows = append(rows, []string{strconv.Itoa(i), strings.Join(l.NodeIDs, " -> "), formatSeconds(l.Duration)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Nodes", "Duration"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of loops, 0 for all")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: table or json")

	return cmd
}
