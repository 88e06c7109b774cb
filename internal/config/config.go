// Package config loads the agent configuration: built-in defaults, then an
// optional TOML file, then LOOPAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultPort      = 8797
	DefaultLogLevel  = "info"
	DefaultDataDir   = ".loopagent"
	DefaultThreshold = 0.75
	DefaultFrameSize = 256
	DefaultFFmpeg    = "ffmpeg"
	DefaultFFprobe   = "ffprobe"

	EnvConfig          = "LOOPAGENT_CONFIG"
	EnvPort            = "LOOPAGENT_PORT"
	EnvLogLevel        = "LOOPAGENT_LOG_LEVEL"
	EnvDataDir         = "LOOPAGENT_DATA_DIR"
	EnvHeadless        = "LOOPAGENT_HEADLESS"
	EnvThreshold       = "LOOPAGENT_THRESHOLD"
	EnvFFmpeg          = "LOOPAGENT_FFMPEG"
	EnvFFprobe         = "LOOPAGENT_FFPROBE"
	EnvFrameSize       = "LOOPAGENT_FRAME_SIZE"
	EnvInboxDir        = "LOOPAGENT_INBOX_DIR"
	EnvSimilarityURL   = "LOOPAGENT_SIMILARITY_URL"
	EnvSimilarityToken = "LOOPAGENT_SIMILARITY_TOKEN"
	EnvAllowedOrigins  = "LOOPAGENT_ALLOWED_ORIGINS"

	ConfigFilename = "config.toml"
	DBFilename     = "loopagent.db"
	LockFilename   = "loopagent.lock"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	UploadsDir() string
	FramesDir() string
	LockPath() string
	Headless() bool
	Threshold() float64
	FFmpegPath() string
	FFprobePath() string
	FrameSize() int
	InboxDir() string
	SimilarityURL() string
	SimilarityToken() string
	AllowedOrigins() []string
	// File is the config file that was read, or "" when none was.
	File() string
}

type similarityFile struct {
	RemoteURL string `toml:"remote_url"`
	Token     string `toml:"token"`
}

// FileConfig mirrors config.toml. Unset keys keep their defaults.
type FileConfig struct {
	Port           int            `toml:"port"`
	LogLevel       string         `toml:"log_level"`
	DataDir        string         `toml:"data_dir"`
	Headless       bool           `toml:"headless"`
	Threshold      float64        `toml:"threshold"`
	FFmpeg         string         `toml:"ffmpeg"`
	FFprobe        string         `toml:"ffprobe"`
	FrameSize      int            `toml:"frame_size"`
	InboxDir       string         `toml:"inbox_dir"`
	AllowedOrigins []string       `toml:"allowed_origins"`
	Similarity     similarityFile `toml:"similarity"`
}

// Settings is the resolved configuration.
type Settings struct {
	v    FileConfig
	file string
}

func defaults() FileConfig {
	return FileConfig{
		Port:      DefaultPort,
		LogLevel:  DefaultLogLevel,
		DataDir:   defaultDataDir(),
		Threshold: DefaultThreshold,
		FFmpeg:    DefaultFFmpeg,
		FFprobe:   DefaultFFprobe,
		FrameSize: DefaultFrameSize,
	}
}

// New loads the configuration from the default locations.
func New() (*Settings, error) {
	return Load("")
}

// Load reads path, or when empty $LOOPAGENT_CONFIG, or <data dir>/config.toml.
// A missing file is not an error unless it was named explicitly.
func Load(path string) (*Settings, error) {
	cfg := &Settings{v: defaults()}

	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		dataDir := cfg.v.DataDir
		if dd := os.Getenv(EnvDataDir); dd != "" {
			dataDir = dd
		}
		path = filepath.Join(dataDir, ConfigFilename)
	}

	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg.v); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.file = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.v.DataDir, err = expandPath(cfg.v.DataDir); err != nil {
		return nil, fmt.Errorf("data_dir: %w", err)
	}
	if cfg.v.InboxDir, err = expandPath(cfg.v.InboxDir); err != nil {
		return nil, fmt.Errorf("inbox_dir: %w", err)
	}
	cfg.v.Similarity.RemoteURL = strings.TrimRight(strings.TrimSpace(cfg.v.Similarity.RemoteURL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Settings) applyEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.v.Port = port
	}
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.v.LogLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.v.DataDir = dd
	}
	if h := os.Getenv(EnvHeadless); h != "" {
		v, err := strconv.ParseBool(h)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.v.Headless = v
	}
	if th := os.Getenv(EnvThreshold); th != "" {
		v, err := strconv.ParseFloat(th, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvThreshold, err)
		}
		c.v.Threshold = v
	}
	if sz := os.Getenv(EnvFrameSize); sz != "" {
		v, err := strconv.Atoi(sz)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvFrameSize, err)
		}
		c.v.FrameSize = v
	}
	if v := os.Getenv(EnvFFmpeg); v != "" {
		c.v.FFmpeg = v
	}
	if v := os.Getenv(EnvFFprobe); v != "" {
		c.v.FFprobe = v
	}
	if v := os.Getenv(EnvInboxDir); v != "" {
		c.v.InboxDir = v
	}
	if v := os.Getenv(EnvSimilarityURL); v != "" {
		c.v.Similarity.RemoteURL = v
	}
	if v := os.Getenv(EnvSimilarityToken); v != "" {
		c.v.Similarity.Token = v
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.v.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.v.AllowedOrigins = append(c.v.AllowedOrigins, o)
			}
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Settings) Validate() error {
	if c.v.Port < 1 || c.v.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.v.Port)
	}
	if math.IsNaN(c.v.Threshold) || c.v.Threshold < 0 || c.v.Threshold > 1 {
		return fmt.Errorf("invalid threshold %v: must be between 0 and 1", c.v.Threshold)
	}
	if c.v.FrameSize < 16 || c.v.FrameSize > 4096 {
		return fmt.Errorf("invalid frame_size %d: must be between 16 and 4096", c.v.FrameSize)
	}
	if strings.TrimSpace(c.v.FFmpeg) == "" || strings.TrimSpace(c.v.FFprobe) == "" {
		return errors.New("ffmpeg and ffprobe must not be empty")
	}
	if c.v.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	return nil
}

// EnsureDirectories creates the data, uploads and frames directories.
func (c *Settings) EnsureDirectories() error {
	for _, dir := range []string{c.v.DataDir, c.UploadsDir(), c.FramesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (c *Settings) Port() int                { return c.v.Port }
func (c *Settings) LogLevel() string         { return c.v.LogLevel }
func (c *Settings) DataDir() string          { return c.v.DataDir }
func (c *Settings) Headless() bool           { return c.v.Headless }
func (c *Settings) Threshold() float64       { return c.v.Threshold }
func (c *Settings) FFmpegPath() string       { return c.v.FFmpeg }
func (c *Settings) FFprobePath() string      { return c.v.FFprobe }
func (c *Settings) FrameSize() int           { return c.v.FrameSize }
func (c *Settings) InboxDir() string         { return c.v.InboxDir }
func (c *Settings) SimilarityURL() string    { return c.v.Similarity.RemoteURL }
func (c *Settings) SimilarityToken() string  { return c.v.Similarity.Token }
func (c *Settings) AllowedOrigins() []string { return c.v.AllowedOrigins }
func (c *Settings) File() string             { return c.file }

// DBPath returns the full path to the SQLite database file
func (c *Settings) DBPath() string {
	return filepath.Join(c.v.DataDir, DBFilename)
}

func (c *Settings) UploadsDir() string {
	return filepath.Join(c.v.DataDir, "uploads")
}

func (c *Settings) FramesDir() string {
	return filepath.Join(c.v.DataDir, "frames")
}

// LockPath guards the data directory against a second agent process.
func (c *Settings) LockPath() string {
	return filepath.Join(c.v.DataDir, LockFilename)
}

func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return filepath.Abs(filepath.Clean(p))
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
