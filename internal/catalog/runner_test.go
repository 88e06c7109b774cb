package catalog

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/loopengine/loopagent/internal/similarity"
)

func setupRunnerTest(t *testing.T) (*Runner, *testEnv) {
	t.Helper()

	env := setupService(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	runner := NewRunner(env.svc, env.repo, logger)
	return runner, env
}

func createTestJob(t *testing.T, repo Repository, jobType, nodeID string) *Job {
	t.Helper()

	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      jobType,
		Status:    JobStatusPending,
		NodeID:    nodeID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestRunner_SimilarityJob(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	recs := ingestClips(t, env.svc, 2)

	if !runner.processNextJob(ctx) {
		t.Fatal("expected a pending job")
	}

	jobs, _ := env.repo.ListJobs(ctx, 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Status != JobStatusCompleted {
		t.Errorf("job status = %s, want %s", jobs[0].Status, JobStatusCompleted)
	}
	if jobs[0].Progress != 100 {
		t.Errorf("job progress = %d, want 100", jobs[0].Progress)
	}
	if len(env.registry.registered) != 1 || env.registry.registered[0].NodeID != recs[0].ID {
		t.Errorf("registered = %+v", env.registry.registered)
	}

	if runner.processNextJob(ctx) {
		t.Error("queue should be empty")
	}
}

func TestRunner_DrainRunsWholeBatch(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	ingestClips(t, env.svc, 1, 2, 3)

	if n := runner.drain(ctx); n != 3 {
		t.Fatalf("drain() = %d, want 3", n)
	}
	jobs, _ := env.repo.ListJobs(ctx, 10)
	for _, j := range jobs {
		if j.Status != JobStatusCompleted {
			t.Errorf("job %s status = %s, want %s", j.ID, j.Status, JobStatusCompleted)
		}
	}
	if len(env.registry.registered) != 3 {
		t.Errorf("registered %d nodes, want 3", len(env.registry.registered))
	}
	if n := runner.drain(ctx); n != 0 {
		t.Errorf("second drain() = %d, want 0", n)
	}
}

func TestRunner_DrainStopsWhenPaused(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	ingestClips(t, env.svc, 1, 2)

	runner.Pause()
	if n := runner.drain(ctx); n != 0 {
		t.Fatalf("drain() while paused = %d, want 0", n)
	}
	runner.Resume()
	if n := runner.drain(ctx); n != 2 {
		t.Errorf("drain() after resume = %d, want 2", n)
	}
}

func TestRunner_SimilarityJob_MissingNode(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	job := createTestJob(t, env.repo, JobTypeSimilarity, "gone")

	runner.processNextJob(ctx)

	updated, _ := env.repo.GetJob(ctx, job.ID)
	if updated.Status != JobStatusFailed || updated.Error != "node not found" {
		t.Errorf("job = %+v", updated)
	}
}

func TestRunner_SimilarityJob_ServiceError(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	ingestClips(t, env.svc, 1)
	env.registry.err = &similarity.ServiceError{StatusCode: 502, Body: "bad gateway"}

	runner.processNextJob(ctx)

	jobs, _ := env.repo.ListJobs(ctx, 10)
	if jobs[0].Status != JobStatusFailed {
		t.Fatalf("job status = %s, want %s", jobs[0].Status, JobStatusFailed)
	}
	if !strings.HasPrefix(jobs[0].Error, "similarity service:") {
		t.Errorf("job error = %q", jobs[0].Error)
	}
}

func TestRunner_UnknownJobType(t *testing.T) {
	runner, env := setupRunnerTest(t)
	ctx := context.Background()
	job := createTestJob(t, env.repo, "transcode", "")

	runner.processNextJob(ctx)

	updated, _ := env.repo.GetJob(ctx, job.ID)
	if updated.Status != JobStatusFailed {
		t.Errorf("job status = %s, want %s", updated.Status, JobStatusFailed)
	}
}

func TestRunner_PauseResume(t *testing.T) {
	runner, env := setupRunnerTest(t)
	runner.pollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner.Pause()
	job := createTestJob(t, env.repo, "transcode", "")

	done := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if !runner.IsRunning() || !runner.IsPaused() {
		t.Fatalf("running = %v paused = %v", runner.IsRunning(), runner.IsPaused())
	}
	if got, _ := env.repo.GetJob(ctx, job.ID); got.Status != JobStatusPending {
		t.Errorf("paused runner processed a job: %s", got.Status)
	}
	if n := runner.GetActiveJobCount(ctx); n != 1 {
		t.Errorf("active jobs = %d, want 1", n)
	}

	runner.Resume()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := env.repo.GetJob(ctx, job.ID); got.Status == JobStatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got, _ := env.repo.GetJob(ctx, job.ID); got.Status != JobStatusFailed {
		t.Errorf("job status after resume = %s", got.Status)
	}

	cancel()
	<-done
	if runner.IsRunning() {
		t.Error("runner should stop when the context is cancelled")
	}
}
