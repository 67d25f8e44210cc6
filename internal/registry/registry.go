// Package registry is the in-memory system of record for captcha jobs. It
// owns job IDs, status transitions, and TTL-based expiry; the queue only
// carries work, the registry decides what each job's state is.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/id/numeric"
)

// Config controls job lifetime handling.
type Config struct {
	// TTL is how long a non-terminal job may live before it is expired.
	TTL time.Duration
	// Retention is how long terminal jobs stay pollable before purge.
	Retention time.Duration
}

// Registry tracks every submitted job by its numeric ID.
type Registry struct {
	cfg    Config
	queue  captcha.Queue
	clock  captcha.Clock
	ids    *numeric.Generator
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*captcha.Job
}

// New constructs a Registry backed by the given queue.
func New(cfg Config, queue captcha.Queue, clock captcha.Clock, logger *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Registry{
		cfg:    cfg,
		queue:  queue,
		clock:  clock,
		ids:    numeric.NewGenerator(),
		logger: logger,
		jobs:   make(map[string]*captcha.Job),
	}
}

// Submit registers a new job and enqueues it for the workers. Kinds the
// solver cannot handle are rejected up front so clients fail fast instead
// of polling a job that can never finish.
func (r *Registry) Submit(ctx context.Context, spec captcha.TaskSpec) (string, error) {
	if !spec.Kind.Known() {
		return "", fmt.Errorf("unknown captcha kind %q", spec.Kind)
	}
	if !spec.Kind.Solvable() {
		return "", fmt.Errorf("kind %q: %w", spec.Kind, captcha.ErrChallengeUnsupported)
	}
	if spec.PageURL == "" {
		return "", fmt.Errorf("page url is required")
	}
	if spec.SiteKey == "" {
		return "", fmt.Errorf("site key is required")
	}

	now := r.clock.Now()
	job := &captcha.Job{
		ID:        r.ids.NewID(),
		Spec:      spec,
		Status:    captcha.StatusQueued,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	item := captcha.QueueItem{
		JobID:     job.ID,
		Spec:      spec,
		Attempt:   job.Attempt,
		Submitted: now.Unix(),
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		r.mu.Lock()
		delete(r.jobs, job.ID)
		r.mu.Unlock()
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	r.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(spec.Kind)),
		zap.String("page_url", spec.PageURL),
	)
	return job.ID, nil
}

// Poll returns a copy of the job, or captcha.ErrNotFound for IDs the
// registry has never seen or has already purged.
func (r *Registry) Poll(jobID string) (captcha.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return captcha.Job{}, fmt.Errorf("job %s: %w", jobID, captcha.ErrNotFound)
	}
	return *job, nil
}

// MarkProcessing claims a queued job for a worker. Claims on jobs that have
// already moved on fail, which is how a worker learns its dequeued item is
// stale (expired or deleted while waiting).
func (r *Registry) MarkProcessing(jobID string) error {
	return r.transition(jobID, captcha.StatusQueued, func(job *captcha.Job) {
		job.Status = captcha.StatusProcessing
	})
}

// MarkSolved finishes a processing job with its token.
func (r *Registry) MarkSolved(jobID, token string) error {
	return r.transition(jobID, captcha.StatusProcessing, func(job *captcha.Job) {
		job.Status = captcha.StatusSolved
		job.Token = token
		job.FailKind = ""
	})
}

// MarkFailed finishes a processing job with a failure classification.
func (r *Registry) MarkFailed(jobID string, failKind captcha.FailKind) error {
	return r.transition(jobID, captcha.StatusProcessing, func(job *captcha.Job) {
		job.Status = captcha.StatusFailed
		job.FailKind = failKind
	})
}

// Requeue puts a processing job back on the queue with a bumped attempt
// counter. This is the one backward status move the registry allows, used
// when the shared browser dropped out from under a claimed job.
func (r *Registry) Requeue(ctx context.Context, jobID string) error {
	var item captcha.QueueItem
	err := r.transition(jobID, captcha.StatusProcessing, func(job *captcha.Job) {
		job.Status = captcha.StatusQueued
		job.Attempt++
		item = captcha.QueueItem{
			JobID:     job.ID,
			Spec:      job.Spec,
			Attempt:   job.Attempt,
			Submitted: job.CreatedAt.Unix(),
		}
	})
	if err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, item); err != nil {
		// The job stays queued in the registry; the sweeper will expire it
		// if no requeue ever lands.
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	r.logger.Info("job requeued",
		zap.String("job_id", jobID),
		zap.Int("attempt", item.Attempt),
	)
	return nil
}

// Report acknowledges a solved or failed job and drops its record, the
// reportgood/reportbad semantics of the polling protocol.
func (r *Registry) Report(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, captcha.ErrNotFound)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is still %s", jobID, job.Status)
	}
	delete(r.jobs, jobID)
	return nil
}

// Delete removes a job regardless of state.
func (r *Registry) Delete(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, captcha.ErrNotFound)
	}
	delete(r.jobs, jobID)
	return nil
}

// Counts returns per-status job counts for the ops endpoints.
func (r *Registry) Counts() map[captcha.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[captcha.Status]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts
}

// Sweep expires non-terminal jobs older than the TTL and purges terminal
// jobs past retention. Expired jobs stay pollable until retention so late
// pollers see the expired status rather than an unknown ID.
func (r *Registry) Sweep() (expired, purged int) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, job := range r.jobs {
		if !job.Status.Terminal() && now.Sub(job.CreatedAt) > r.cfg.TTL {
			job.Status = captcha.StatusExpired
			job.FailKind = captcha.FailTimeout
			job.UpdatedAt = now
			expired++
			continue
		}
		if job.Status.Terminal() && now.Sub(job.UpdatedAt) > r.cfg.Retention {
			delete(r.jobs, id)
			purged++
		}
	}
	if expired > 0 || purged > 0 {
		r.logger.Debug("registry sweep",
			zap.Int("expired", expired),
			zap.Int("purged", purged),
		)
	}
	return expired, purged
}

// RunSweeper sweeps on the interval until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// transition applies mutate to the job when it is in the expected state.
func (r *Registry) transition(jobID string, from captcha.Status, mutate func(*captcha.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, captcha.ErrNotFound)
	}
	if job.Status != from {
		return fmt.Errorf("job %s is %s, expected %s", jobID, job.Status, from)
	}
	mutate(job)
	job.UpdatedAt = r.clock.Now()
	return nil
}
