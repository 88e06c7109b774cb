package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// CachedDoctor wraps a Checker to cache tool probe results with a configurable TTL.
// This avoids spawning ffmpeg -version on every status request.
type CachedDoctor struct {
	checker Checker
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

// NewCachedDoctor creates a caching wrapper around tool probes.
func NewCachedDoctor(checker Checker, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		checker: checker,
		ttl:     defaultCacheTTL,
		logger:  logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness. A failed probe
// returns the last good result when there is one.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.checker.Check(ctx)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("media tool probe failed", "error", err)
		}
		if d.cached != nil {
			if d.logger != nil {
				d.logger.Info("returning stale capabilities cache")
			}
			return d.cached, nil
		}
		return caps, err
	}

	d.cached = caps
	return caps, nil
}

// Invalidate clears the cached capabilities.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
