package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

var ErrNoVideoStream = errors.New("no video stream found in file")

// FFmpeg is the set of media operations ingestion depends on.
type FFmpeg interface {
	// Probe reads duration and video dimensions from a media file.
	Probe(ctx context.Context, path string) (*ProbeResult, error)

	// ExtractFrame writes the frame at offset seconds to outPath as a JPEG.
	ExtractFrame(ctx context.Context, videoPath, outPath string, offset float64) error
}

// Checker reports whether the media tools are installed.
type Checker interface {
	Check(ctx context.Context) (*Capabilities, error)
}

// Config holds the tool paths and timeouts.
type Config struct {
	FFmpegPath    string
	FFprobePath   string
	ProbeTimeout  time.Duration
	FrameTimeout  time.Duration
	DoctorTimeout time.Duration
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(ffmpegPath, ffprobePath string, logger *slog.Logger) Config {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return Config{
		FFmpegPath:    ffmpegPath,
		FFprobePath:   ffprobePath,
		ProbeTimeout:  30 * time.Second,
		FrameTimeout:  30 * time.Second,
		DoctorTimeout: 10 * time.Second,
		Logger:        logger,
	}
}

// Exec runs the real binaries as subprocesses. Binaries are resolved on each
// call so the agent starts even when they are not installed yet.
type Exec struct {
	cfg Config
}

func NewExec(cfg Config) *Exec {
	return &Exec{cfg: cfg}
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (e *Exec) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	var stdout bytes.Buffer
	result := e.run(ctx, &stdout, e.cfg.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path,
	)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("ffprobe exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse ffprobe JSON: %w", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		res := &ProbeResult{
			Width:     s.Width,
			Height:    s.Height,
			Codec:     s.CodecName,
			FrameRate: parseRate(s.RFrameRate),
		}
		if out.Format.Duration != "" {
			d, err := strconv.ParseFloat(out.Format.Duration, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", out.Format.Duration, err)
			}
			res.Duration = max(d, 0)
		}
		return res, nil
	}
	return nil, ErrNoVideoStream
}

// parseRate reads ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func (e *Exec) ExtractFrame(ctx context.Context, videoPath, outPath string, offset float64) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FrameTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("cannot create frame dir: %w", err)
	}

	result := e.run(ctx, io.Discard, e.cfg.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "2",
		outPath,
	)
	if !result.IsSuccess() {
		return fmt.Errorf("ffmpeg exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("ffmpeg produced no frame at %.3fs: %w", offset, err)
	}
	return nil
}

// Check runs `-version` on both binaries.
func (e *Exec) Check(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DoctorTimeout)
	defer cancel()

	caps := &Capabilities{
		FFmpeg:   e.tool(ctx, e.cfg.FFmpegPath),
		FFprobe:  e.tool(ctx, e.cfg.FFprobePath),
		ProbedAt: time.Now(),
	}

	if e.cfg.Logger != nil {
		e.cfg.Logger.Info("media tool check complete",
			"ffmpeg", caps.FFmpeg.Available,
			"ffmpeg_version", caps.FFmpeg.Version,
			"ffprobe", caps.FFprobe.Available,
			"ffprobe_version", caps.FFprobe.Version,
		)
	}
	if !caps.Ready() {
		return caps, fmt.Errorf("media tools unavailable: ffmpeg=%t ffprobe=%t", caps.FFmpeg.Available, caps.FFprobe.Available)
	}
	return caps, nil
}

func (e *Exec) tool(ctx context.Context, name string) ToolInfo {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolInfo{Error: err.Error()}
	}

	var stdout bytes.Buffer
	result := e.run(ctx, &stdout, path, "-version")
	if !result.IsSuccess() {
		return ToolInfo{Path: path, Error: truncate(result.StderrTail, 256)}
	}
	return ToolInfo{Available: true, Path: path, Version: parseVersion(stdout.String())}
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// run is the core subprocess execution helper.
func (e *Exec) run(ctx context.Context, stdout io.Writer, bin string, args ...string) RunResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = stdout

	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug("executing media command", "bin", filepath.Base(bin), "args", e.safeArgs(args))
	}

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if stderrBuf.Len() == 0 {
				stderrBuf.WriteString(err.Error())
			}
		}
	}

	if exitCode != 0 && e.cfg.Logger != nil {
		e.cfg.Logger.Warn("media command failed",
			"bin", filepath.Base(bin),
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrBuf.String(), 512),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
	}
}

func (e *Exec) safeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if filepath.IsAbs(a) {
			a = e.safePath(a)
		}
		out[i] = a
	}
	return out
}

func (e *Exec) safePath(path string) string {
	if e.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
