package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/loopengine/loopagent/internal/catalog"
	"github.com/loopengine/loopagent/internal/config"
	"github.com/loopengine/loopagent/internal/db"
	"github.com/loopengine/loopagent/internal/logging"
	"github.com/loopengine/loopagent/internal/similarity"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Settings
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Settings, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// offlineCatalog is a read-mostly view of the stored canvas for CLI
// commands that run without the agent.
type offlineCatalog struct {
	db      *db.DB
	service *catalog.Service
}

func (c *commandContext) openCatalog(ctx context.Context) (*offlineCatalog, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := cliLogger(cfg)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repo := catalog.NewRepository(database.Conn())

	var scorer similarity.Scorer
	if url := cfg.SimilarityURL(); url != "" {
		scorer = similarity.NewHTTPClient(url, cfg.SimilarityToken(), logger)
	} else {
		local := similarity.NewLocal(repo, cfg.FrameSize(), logger)
		if err := local.Load(ctx); err != nil {
			database.Close()
			return nil, err
		}
		scorer = local
	}

	svc := catalog.NewService(catalog.ServiceConfig{
		Repo:       repo,
		Scorer:     scorer,
		UploadsDir: cfg.UploadsDir(),
		FramesDir:  cfg.FramesDir(),
		Threshold:  cfg.Threshold(),
		Logger:     logger,
	})
	if err := svc.Load(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("load canvas: %w", err)
	}

	return &offlineCatalog{db: database, service: svc}, nil
}

func (o *offlineCatalog) Close() error {
	return o.db.Close()
}

// cliLogger writes to stderr and stays quiet unless debugging, so command
// output on stdout can be piped.
func cliLogger(cfg config.Config) *slog.Logger {
	level := "error"
	if logging.ParseLevel(cfg.LogLevel()) <= slog.LevelDebug {
		level = cfg.LogLevel()
	}
	return logging.NewLoggerTo(os.Stderr, level)
}
