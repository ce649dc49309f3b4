// Package jobs wraps the batch orchestrator with an asynchronous surface:
// durable job records in Postgres, a Redis work queue, lease-based crash
// recovery, and a capped synchronous path.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/database"
	"github.com/lumeo-ai/contentforge/internal/metrics"
	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pipeline"
	"github.com/lumeo-ai/contentforge/internal/pkg/ulid"
	"github.com/lumeo-ai/contentforge/internal/repository"
)

var (
	// ErrBusy is returned when the global worker budget is exhausted.
	ErrBusy = errors.New("all workers busy, retry later")
	// ErrJobNotFound is returned for unknown job handles.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotTerminal is returned when a result is requested before the
	// job reaches a terminal state.
	ErrJobNotTerminal = errors.New("job has not finished")
	// ErrTooLargeForSync is returned when a synchronous submission exceeds
	// the configured piece limit.
	ErrTooLargeForSync = errors.New("batch too large for synchronous execution")
	// ErrSyncTimeout is returned when a synchronous run outlives the cap.
	// The run is aborted with nothing persisted; resubmit through Submit.
	ErrSyncTimeout = errors.New("synchronous execution timed out")
)

// Manager owns job submission, execution, and recovery.
type Manager struct {
	cfg    config.JobsConfig
	orch   *pipeline.Orchestrator
	jobs   repository.JobRepository
	avatar repository.AvatarRepository
	redis  *database.Redis
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a job manager.
func NewManager(cfg config.JobsConfig, orch *pipeline.Orchestrator, jobs repository.JobRepository, avatars repository.AvatarRepository, redis *database.Redis, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = "contentforge:jobs"
	}
	return &Manager{
		cfg:    cfg,
		orch:   orch,
		jobs:   jobs,
		avatar: avatars,
		redis:  redis,
		logger: logger,
		now:    time.Now,
	}
}

// Submit enqueues a batch for background execution and returns the job
// handle. Refuses with ErrBusy when running jobs already hold the global
// worker budget.
func (m *Manager) Submit(ctx context.Context, avatar *models.Avatar, batchCfg models.BatchConfig) (*models.Job, error) {
	if err := batchCfg.Validate(); err != nil {
		return nil, err
	}
	if !avatar.HasWeights() {
		return nil, pipeline.ErrMissingWeights
	}

	running, err := m.jobs.CountRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("count running jobs: %w", err)
	}
	if m.cfg.TotalWorkerBudget > 0 && running >= m.cfg.TotalWorkerBudget {
		return nil, ErrBusy
	}

	cfgJSON, err := json.Marshal(batchCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal batch config: %w", err)
	}
	job := &models.Job{
		ID:       ulid.New(),
		AvatarID: avatar.ID,
		BatchID:  ulid.New(),
		State:    models.StateQueued,
		Config:   cfgJSON,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := m.redis.LPush(ctx, m.cfg.QueueKey, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// SubmitSync runs a batch inline, blocking the caller up to the configured
// cap. Batches above the sync piece limit must use Submit.
func (m *Manager) SubmitSync(ctx context.Context, avatar *models.Avatar, batchCfg models.BatchConfig) (*models.BatchResult, error) {
	if err := batchCfg.Validate(); err != nil {
		return nil, err
	}
	if m.cfg.SyncMaxPieces > 0 && batchCfg.NumPieces > m.cfg.SyncMaxPieces {
		return nil, ErrTooLargeForSync
	}

	timeout := m.cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := m.orch.Run(ctx, avatar, ulid.New(), batchCfg, nil)
	if err != nil {
		return nil, err
	}
	if result.State == models.StateFailed && result.Reason == models.ReasonDeadlineExceeded {
		return nil, ErrSyncTimeout
	}
	return result, nil
}

// Status returns the current job snapshot.
func (m *Manager) Status(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Result returns the terminal batch result. Defined only once the job has
// finished.
func (m *Manager) Result(ctx context.Context, id string) (*models.BatchResult, error) {
	job, err := m.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.State.Terminal() {
		return nil, ErrJobNotTerminal
	}
	var result models.BatchResult
	if len(job.Result) == 0 {
		// Terminal without a stored result happens only for failures that
		// predate execution; synthesize from the job row.
		result = models.BatchResult{
			BatchID:  job.BatchID,
			AvatarID: job.AvatarID,
			State:    job.State,
		}
		if job.Error != nil {
			result.Reason = *job.Error
		}
		return &result, nil
	}
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &result, nil
}

// List returns recent jobs for one avatar.
func (m *Manager) List(ctx context.Context, avatar *models.Avatar, limit int) ([]*models.Job, error) {
	return m.jobs.ListByAvatar(ctx, avatar.ID, limit)
}

// QueueDepth reports how many jobs are waiting.
func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.redis.LLen(ctx, m.cfg.QueueKey)
}

// RunWorker consumes jobs from the queue until the context is cancelled.
// Meant to run as a long-lived goroutine, one or more per worker process.
func (m *Manager) RunWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := m.redis.BRPop(ctx, 5*time.Second, m.cfg.QueueKey)
		if err != nil {
			if database.IsNil(err) || errors.Is(err, context.Canceled) {
				continue
			}
			m.logger.Error("job dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.execute(ctx, id)
	}
}

// RunReclaimer periodically returns lapsed running jobs to the queue.
func (m *Manager) RunReclaimer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := m.redis.LLen(ctx, m.cfg.QueueKey); err == nil {
				metrics.SetQueueDepth(depth)
			}
			if running, err := m.jobs.CountRunning(ctx); err == nil {
				metrics.SetJobsRunning(running)
			}
			reclaimed, err := m.jobs.ReclaimExpired(ctx, m.now())
			if err != nil {
				m.logger.Error("job reclaim failed", slog.String("error", err.Error()))
				continue
			}
			for _, job := range reclaimed {
				m.logger.Warn("reclaimed stuck job", slog.String("job_id", job.ID))
				if err := m.redis.LPush(ctx, m.cfg.QueueKey, job.ID); err != nil {
					m.logger.Error("requeue reclaimed job failed",
						slog.String("job_id", job.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// execute claims and runs one job to its terminal state. Re-execution after
// a crash is safe: blob paths are content-addressed and piece inserts are
// deduplicated on (batch_id, piece_index).
func (m *Manager) execute(ctx context.Context, id string) {
	lease := m.cfg.Lease
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	claimed, err := m.jobs.MarkRunning(ctx, id, m.now().Add(lease))
	if err != nil {
		m.logger.Error("job claim failed", slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	if !claimed {
		return
	}

	job, err := m.jobs.GetByID(ctx, id)
	if err != nil || job == nil {
		m.logger.Error("claimed job vanished", slog.String("job_id", id))
		return
	}
	avatar, err := m.avatar.GetByID(ctx, job.AvatarID)
	if err != nil || avatar == nil {
		m.finishWithError(ctx, id, models.StateFailed, fmt.Sprintf("avatar %s not found", job.AvatarID))
		return
	}
	var batchCfg models.BatchConfig
	if err := json.Unmarshal(job.Config, &batchCfg); err != nil {
		m.finishWithError(ctx, id, models.StateFailed, fmt.Sprintf("corrupt job config: %v", err))
		return
	}

	logger := m.logger.With(slog.String("job_id", id), slog.String("batch_id", job.BatchID))
	logger.Info("job started", slog.Int("num_pieces", batchCfg.NumPieces))

	sink := func(p pipeline.Progress) {
		if err := m.jobs.UpdateProgress(ctx, id, p.Percent, p.Stage); err != nil {
			logger.Warn("progress update failed", slog.String("error", err.Error()))
		}
	}

	result, err := m.orch.Run(ctx, avatar, job.BatchID, batchCfg, sink)
	if err != nil {
		m.finishWithError(ctx, id, models.StateFailed, err.Error())
		logger.Error("job failed", slog.String("error", err.Error()))
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		m.finishWithError(ctx, id, models.StateFailed, fmt.Sprintf("encode result: %v", err))
		return
	}
	var errMsg *string
	if result.Reason != "" && result.State != models.StateSucceeded && result.State != models.StatePartiallySucceeded {
		errMsg = &result.Reason
	}
	// The job row is the durable record; finishing must survive caller
	// cancellation.
	if err := m.jobs.Finish(context.WithoutCancel(ctx), id, result.State, resultJSON, errMsg); err != nil {
		logger.Error("job finish not recorded", slog.String("error", err.Error()))
		return
	}
	metrics.ObserveBatch(result)
	logger.Info("job finished",
		slog.String("state", string(result.State)),
		slog.Int("pieces", len(result.Pieces)),
		slog.Int("dropped", len(result.Dropped)),
		slog.Float64("cost_usd", result.Cost.TotalUSD),
	)
}

func (m *Manager) finishWithError(ctx context.Context, id string, state models.BatchState, msg string) {
	if err := m.jobs.Finish(context.WithoutCancel(ctx), id, state, nil, &msg); err != nil {
		m.logger.Error("job error not recorded", slog.String("job_id", id), slog.String("error", err.Error()))
	}
}
