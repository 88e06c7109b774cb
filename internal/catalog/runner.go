package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loopengine/loopagent/internal/similarity"
)

// Runner works through pending background jobs one at a time.
type Runner struct {
	service      *Service
	repo         Repository
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
}

func NewRunner(service *Service, repo Repository, logger *slog.Logger) *Runner {
	return &Runner{
		service:      service,
		repo:         repo,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// maxJobsPerTick bounds drain so a job whose status cannot be written does
// not spin the loop.
const maxJobsPerTick = 64

// drain runs pending jobs back to back until none are left, the runner is
// paused or ctx is cancelled.
func (r *Runner) drain(ctx context.Context) int {
	n := 0
	for n < maxJobsPerTick && ctx.Err() == nil && !r.paused.Load() && r.processNextJob(ctx) {
		n++
	}
	return n
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// processNextJob runs the oldest pending job. It reports false when there
// was nothing to do.
func (r *Runner) processNextJob(ctx context.Context) bool {
	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return false
	}

	if len(jobs) == 0 {
		return false
	}

	job := jobs[0]
	r.logger.Info("processing job", "job_id", job.ID, "type", job.Type)

	switch job.Type {
	case JobTypeSimilarity:
		r.processSimilarityJob(ctx, job)

	default:
		r.logger.Warn("unknown job type", "type", job.Type)
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, "unknown job type")
	}
	return true
}

func (r *Runner) processSimilarityJob(ctx context.Context, job *Job) {
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusRunning, "")

	node, err := r.repo.GetNode(ctx, job.NodeID)
	if err != nil || node == nil {
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, "node not found")
		return
	}

	start := time.Now()
	if err := r.service.RegisterSimilarity(ctx, node.ID); err != nil {
		msg := err.Error()
		var svcErr *similarity.ServiceError
		if errors.As(err, &svcErr) {
			msg = "similarity service: " + truncateStr(svcErr.Error(), 512)
		}
		r.repo.UpdateJobStatus(ctx, job.ID, JobStatusFailed, msg)
		r.logger.Error("similarity job failed", "job_id", job.ID, "node_id", node.ID, "error", err)
		return
	}

	r.repo.UpdateJobProgress(ctx, job.ID, 100)
	r.repo.UpdateJobStatus(ctx, job.ID, JobStatusCompleted, "")
	r.logger.Info("similarity job completed", "job_id", job.ID, "node_id", node.ID,
		"duration_ms", time.Since(start).Milliseconds())
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}

func (r *Runner) GetActiveJobCount(ctx context.Context) int {
	jobs, err := r.repo.ListJobs(ctx, 100)
	if err != nil {
		return 0
	}
	count := 0
	for _, j := range jobs {
		if j.Status == JobStatusRunning || j.Status == JobStatusPending {
			count++
		}
	}
	return count
}
