// Package ui runs the optional system tray: canvas counts, pausing of
// background jobs and quit.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/loopengine/loopagent/internal/catalog"
)

const refreshInterval = 5 * time.Second

type Tray struct {
	catalogSvc catalog.CatalogService
	runner     *catalog.Runner
	logger     *slog.Logger

	statusItem *systray.MenuItem
	countsItem *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu   sync.Mutex
	stop chan struct{}

	onOpenInbox func() error
	onQuit      func()
}

type TrayConfig struct {
	CatalogService catalog.CatalogService
	Runner         *catalog.Runner
	Logger         *slog.Logger
	// OnOpenInbox is optional; the menu item is hidden without it.
	OnOpenInbox func() error
	OnQuit      func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		catalogSvc:  cfg.CatalogService,
		runner:      cfg.Runner,
		logger:      cfg.Logger,
		onOpenInbox: cfg.OnOpenInbox,
		onQuit:      cfg.OnQuit,
		stop:        make(chan struct{}),
	}
}

// Run blocks until the tray exits.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes())
	systray.SetTitle("Loop")
	systray.SetTooltip("Loop Agent")

	t.statusItem = systray.AddMenuItem(statusLabel(false, 0), "Current agent status")
	t.statusItem.Disable()

	t.countsItem = systray.AddMenuItem(countsLabel(catalog.Counts{}), "Nodes on the canvas")
	t.countsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause background jobs")

	inboxItem := systray.AddMenuItem("Open Inbox", "Open the inbox folder")
	if t.onOpenInbox == nil {
		inboxItem.Hide()
	}

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Loop Agent")

	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-inboxItem.ClickedCh:
				if err := t.onOpenInbox(); err != nil {
					t.logger.Error("failed to open inbox", "error", err)
				}
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.stop)
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.refresh()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := t.catalogSvc.Counts(ctx)
	if err != nil {
		t.logger.Debug("tray refresh failed", "error", err)
		return
	}
	active := 0
	if t.runner != nil {
		active = t.runner.GetActiveJobCount(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.countsItem.SetTitle(countsLabel(counts))
	t.statusItem.SetTitle(statusLabel(t.paused(), active))
}

func (t *Tray) paused() bool {
	return t.runner != nil && t.runner.IsPaused()
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	if t.runner.IsPaused() {
		t.runner.Resume()
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle(statusLabel(false, 0))
	} else {
		t.runner.Pause()
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle(statusLabel(true, 0))
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusLabel(paused bool, activeJobs int) string {
	switch {
	case paused:
		return "Status: Paused"
	case activeJobs > 0:
		return fmt.Sprintf("Status: Scoring (%d)", activeJobs)
	default:
		return "Status: Idle"
	}
}

func countsLabel(c catalog.Counts) string {
	return fmt.Sprintf("Clips: %d  Groups: %d  Edges: %d", c.Clips, c.Groups, c.Edges)
}
