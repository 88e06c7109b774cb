package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loopengine/loopagent/internal/api"
	"github.com/loopengine/loopagent/internal/catalog"
	"github.com/loopengine/loopagent/internal/config"
	"github.com/loopengine/loopagent/internal/db"
	"github.com/loopengine/loopagent/internal/logging"
	"github.com/loopengine/loopagent/internal/media"
	"github.com/loopengine/loopagent/internal/playback"
	"github.com/loopengine/loopagent/internal/similarity"
	"github.com/loopengine/loopagent/internal/ui"
	"github.com/loopengine/loopagent/internal/watcher"
)

const deviceIDKey = "device_id"

func newServeCommand(ctx *commandContext) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: HTTP API, background jobs, inbox watcher and tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, headless || cfg.Headless())
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "Run without the system tray")

	return cmd
}

func runServe(parent context.Context, cfg *config.Settings, headless bool) error {
	startTime := time.Now()

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting loop agent", "version", config.Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another loopagent instance is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	deviceID, err := ensureSecret(repo, deviceIDKey, 16)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}
	authToken, err := ensureSecret(repo, api.AuthTokenKey, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	printBanner(cfg, authToken, deviceID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ffmpeg := media.NewExec(media.DefaultConfig(cfg.FFmpegPath(), cfg.FFprobePath(), logging.WithComponent(logger, "media")))
	doctor := media.NewCachedDoctor(ffmpeg, logger)
	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := doctor.Refresh(probeCtx); err != nil {
		logger.Warn("uploads will be rejected until ffmpeg and ffprobe are available", "error", err)
	}
	probeCancel()

	svcCfg := catalog.ServiceConfig{
		Repo:       repo,
		FFmpeg:     ffmpeg,
		UploadsDir: cfg.UploadsDir(),
		FramesDir:  cfg.FramesDir(),
		Threshold:  cfg.Threshold(),
		Logger:     logging.WithComponent(logger, "catalog"),
	}

	var local *similarity.Local
	if url := cfg.SimilarityURL(); url != "" {
		svcCfg.Scorer = similarity.NewHTTPClient(url, cfg.SimilarityToken(), logging.WithComponent(logger, "similarity"))
		logger.Info("using remote similarity service", "url", url)
	} else {
		local = similarity.NewLocal(repo, cfg.FrameSize(), logging.WithComponent(logger, "similarity"))
		if err := local.Load(ctx); err != nil {
			return err
		}
		svcCfg.Scorer = local
		svcCfg.Registry = local
	}

	catalogSvc := catalog.NewService(svcCfg)
	if err := catalogSvc.Load(ctx); err != nil {
		return fmt.Errorf("failed to load canvas: %w", err)
	}
	if local != nil {
		frames, err := catalogSvc.Frames(ctx)
		if err != nil {
			return err
		}
		local.Warm(frames)
	}

	runner := catalog.NewRunner(catalogSvc, repo, logging.WithComponent(logger, "runner"))
	go runner.Start(ctx)

	var inbox *watcher.Inbox
	if dir := cfg.InboxDir(); dir != "" {
		inbox = watcher.NewInbox(logging.WithComponent(logger, "inbox"), watcher.WithFilter(catalog.IsVideoFile))
		inbox.OnChange(func(path string, event watcher.EventType) {
			if event != watcher.EventCreate {
				return
			}
			nodes, err := catalogSvc.Ingest(ctx, []catalog.Upload{catalog.FileUpload(path)})
			if err != nil {
				logger.Warn("inbox ingest failed", "path", logging.SanitizePath(path), "error", err)
				return
			}
			logger.Info("inbox file ingested", "path", logging.SanitizePath(path), "node_id", nodes[0].ID)
		})
		if err := inbox.Watch(ctx, dir); err != nil {
			return fmt.Errorf("watch inbox: %w", err)
		}
		defer inbox.Stop()
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		CatalogService: catalogSvc,
		PlaybackServer: playback.NewServer(logger),
		Repository:     repo,
		Runner:         runner,
		Doctor:         doctor,
		Logger:         logging.WithComponent(logger, "api"),
		StartTime:      startTime,
		DeviceID:       deviceID,
		Version:        config.Version,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	if err := apiServer.Listen(); err != nil {
		return fmt.Errorf("bind API port %d: %w", cfg.Port(), err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	var quitOnce sync.Once

	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		trayCfg := ui.TrayConfig{
			CatalogService: catalogSvc,
			Runner:         runner,
			Logger:         logging.WithComponent(logger, "tray"),
			OnQuit: func() {
				quitOnce.Do(func() { close(quitCh) })
			},
		}
		if dir := cfg.InboxDir(); dir != "" {
			trayCfg.OnOpenInbox = func() error { return openFolder(dir) }
		}
		go ui.NewTray(trayCfg).Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-quitCh:
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func printBanner(cfg config.Config, authToken, deviceID string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  LOOP AGENT %-45s ║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// ensureSecret returns the config value under key, creating a random hex
// value of n bytes on first use.
func ensureSecret(repo catalog.Repository, key string, n int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}

func openFolder(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	return cmd.Start()
}
