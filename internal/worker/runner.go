// Package worker contains the background pipeline for queued bulk dispatch
// jobs: an admin schedules a large send, the API writes a dispatch_jobs row
// and enqueues it here, and a worker goroutine runs the batch off the request
// path. It is intentionally decoupled from the HTTP layer: the api package
// holds a worker.Enqueuer interface and calls Enqueue — it never imports the
// concrete Runner or Job types.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitview/feedback360/internal/db"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface the api package uses to hand off a
// scheduled bulk send. The concrete implementation is *Runner. In tests, any
// struct with an Enqueue method satisfies the interface.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. All fields have
// sensible defaults if zero-valued; call DefaultRunnerConfig() to get them.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Each job is itself
	// strictly sequential over its participants, so Workers bounds the number
	// of simultaneous outbound mail calls. Default: 2.
	Workers int

	// PollInterval is how often the fallback poller checks the database for
	// claimable jobs that were missed by the in-process channel (e.g. after a
	// crash or restart). Default: 30s.
	PollInterval time.Duration

	// JobTimeout is the per-job context deadline. A batch of a few hundred
	// participants at one sequential mail call each can take minutes. It also
	// bounds how long a running claim is honored: a job stuck in running
	// longer than JobTimeout is treated as abandoned and requeued by the
	// poller. Default: 15 minutes.
	JobTimeout time.Duration

	// MaxRetries is the number of times a job is retried before it is marked
	// permanently failed. Default: 3. Re-running a partially sent batch is
	// safe: completed links are excluded by eligibility and pending links are
	// refreshed, never duplicated.
	MaxRetries int
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      2,
		PollInterval: 30 * time.Second,
		JobTimeout:   15 * time.Minute,
		MaxRetries:   3,
	}
}

// Runner manages a pool of worker goroutines. It accepts jobs via an
// in-process channel (fast path, used for freshly scheduled sends) and also
// polls the database periodically to pick up jobs that were in-flight when
// the process last restarted (recovery path).
type Runner struct {
	job    *Job
	q      db.Querier
	cfg    RunnerConfig
	logger *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(job *Job, q db.Querier, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRunnerConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultRunnerConfig().JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRunnerConfig().MaxRetries
	}

	return &Runner{
		job:    job,
		q:      q,
		cfg:    cfg,
		logger: logger,
		// Buffer = Workers*2 so Enqueue never blocks under normal load.
		queue: make(chan uuid.UUID, cfg.Workers*2),
	}
}

// Enqueue pushes a jobID onto the in-process channel. It satisfies the
// Enqueuer interface. If the channel is full it returns an error rather than
// blocking the HTTP response; the poller will pick the job up.
func (r *Runner) Enqueue(_ context.Context, jobID uuid.UUID) error {
	select {
	case r.queue <- jobID:
		r.logger.Info("worker: enqueued dispatch job", "job_id", jobID)
		return nil
	default:
		return errors.New("worker: queue is full, job will be picked up by poller")
	}
}

// Start launches the worker pool and the fallback poller. It blocks until ctx
// is cancelled. Call it in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

// work is the inner loop for each worker goroutine.
func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)
	log.Info("worker: goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: goroutine stopping")
			return
		case jobID := <-r.queue:
			r.runWithRetry(ctx, jobID, log)
		}
	}
}

// poll queries the database on PollInterval for queued or interrupted jobs
// that were not delivered via the channel (e.g. jobs from before a restart).
func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Run once immediately on startup to pick up anything from before restart.
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	// Fresh running jobs belong to a live worker and are never re-enqueued.
	// Only queued jobs and running jobs whose claim is older than JobTimeout
	// (an abandoned claim after a crash) are picked up.
	staleBefore := time.Now().Add(-r.cfg.JobTimeout)
	jobs, err := r.q.ListClaimableDispatchJobs(ctx, staleBefore)
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, j := range jobs {
		if j.Status == db.DispatchJobRunning {
			// Release the abandoned claim so a worker can claim it again.
			if _, err := r.q.RequeueDispatchJob(ctx, j.ID); err != nil {
				r.logger.Error("worker: requeue stale job failed", "job_id", j.ID, "error", err)
				continue
			}
			r.logger.Warn("worker: requeued stale running job", "job_id", j.ID)
		}
		select {
		case r.queue <- j.ID:
			r.logger.Debug("worker: poller enqueued job", "job_id", j.ID)
		default:
			// Queue full — will be picked up next poll cycle.
		}
	}
}

// runWithRetry executes the job up to MaxRetries times. After exhausting
// retries it marks the job permanently failed so the poller stops picking it
// up.
func (r *Runner) runWithRetry(ctx context.Context, jobID uuid.UUID, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, jobID)
		cancel()

		if lastErr == nil {
			log.Info("worker: job completed", "job_id", jobID, "attempt", attempt)
			return
		}

		log.Warn("worker: job attempt failed",
			"job_id", jobID,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			// The failed attempt left the job in running; release the claim
			// so the next attempt (or another worker) can claim it.
			if _, err := r.q.RequeueDispatchJob(ctx, jobID); err != nil {
				log.Error("worker: requeue after failed attempt", "job_id", jobID, "error", err)
			}

			// Exponential back-off: 2s, 4s, 8s …
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Error("worker: job permanently failed", "job_id", jobID, "error", lastErr)
	failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.q.SetDispatchJobError(failCtx, db.SetDispatchJobErrorParams{
		ID:           jobID,
		ErrorMessage: lastErr.Error(),
	}); err != nil {
		log.Error("worker: failed to mark job as failed", "job_id", jobID, "error", err)
	}
}
