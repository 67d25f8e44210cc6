// Package worker implements the solve pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/browser"
	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/metrics"
	"github.com/solvekit/captcha-relay/internal/proxy"
	"github.com/solvekit/captcha-relay/internal/solver"
)

// jobRegistry is the slice of the registry the worker drives.
type jobRegistry interface {
	MarkProcessing(jobID string) error
	MarkSolved(jobID, token string) error
	MarkFailed(jobID string, failKind captcha.FailKind) error
	Requeue(ctx context.Context, jobID string) error
}

// sessionManager hands out browser tabs.
type sessionManager interface {
	AcquireContext(ctx context.Context) (*browser.Context, error)
	Invalidate()
}

// proxyPool provides egress proxies and takes outcome feedback.
type proxyPool interface {
	Select(ctx context.Context) (proxy.Record, error)
	ReportOutcome(proxyURL string, success bool)
}

// challengeSolver executes one challenge in a tab.
type challengeSolver interface {
	Solve(ctx context.Context, tab context.Context, spec captcha.TaskSpec, proxyURL string) (solver.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts bounds how often a job may be requeued after the browser
	// session dropped out from under it.
	MaxAttempts int
	// MaxProxyAttempts bounds proxy rotation within one attempt.
	MaxProxyAttempts int
	// JobTimeout bounds one full attempt including rotation.
	JobTimeout time.Duration
	// Topic is the event topic for terminal jobs; empty disables publishing.
	Topic string
	// ArtifactPrefix namespaces failure screenshots in the artifact store.
	ArtifactPrefix string
	// ArtifactsOnFailure archives a screenshot for failed jobs.
	ArtifactsOnFailure bool
}

// Worker consumes queue items and executes the solve pipeline.
type Worker struct {
	queue     captcha.Queue
	registry  jobRegistry
	browser   sessionManager
	proxies   proxyPool
	solver    challengeSolver
	publisher captcha.Publisher
	artifacts captcha.ArtifactStore
	history   captcha.HistoryStore
	clock     captcha.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. Publisher, artifact store, and history store may
// be nil; the corresponding side effects are skipped.
func New(
	queue captcha.Queue,
	registry jobRegistry,
	browserMgr sessionManager,
	proxies proxyPool,
	challengeSlv challengeSolver,
	publisher captcha.Publisher,
	artifacts captcha.ArtifactStore,
	history captcha.HistoryStore,
	clock captcha.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.MaxProxyAttempts <= 0 {
		cfg.MaxProxyAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3 * time.Minute
	}
	return &Worker{
		queue:     queue,
		registry:  registry,
		browser:   browserMgr,
		proxies:   proxies,
		solver:    challengeSlv,
		publisher: publisher,
		artifacts: artifacts,
		history:   history,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item captcha.QueueItem) {
	// A failed claim means the job expired or was deleted while queued.
	if err := w.registry.MarkProcessing(item.JobID); err != nil {
		w.logger.Debug("skipping stale queue item",
			zap.String("job_id", item.JobID),
			zap.Error(err),
		)
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := w.clock.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	outcome, proxyUsed, err := w.attempt(jobCtx, item)
	duration := w.clock.Now().Sub(start)

	switch {
	case err == nil:
		if err := w.registry.MarkSolved(item.JobID, outcome.Token); err != nil {
			w.logger.Error("mark solved failed", zap.String("job_id", item.JobID), zap.Error(err))
			return
		}
		metrics.ObserveJob(string(item.Spec.Kind), "solved", duration)
		w.logger.Info("job solved",
			zap.String("job_id", item.JobID),
			zap.String("kind", string(item.Spec.Kind)),
			zap.String("proxy", proxyUsed),
			zap.Duration("duration", duration),
		)
		w.finalize(ctx, item, captcha.StatusSolved, captcha.FailNone, proxyUsed, duration, nil)

	case errors.Is(err, captcha.ErrBrowserUnavailable) && item.Attempt < w.cfg.MaxAttempts:
		if requeueErr := w.registry.Requeue(ctx, item.JobID); requeueErr != nil {
			w.logger.Error("requeue failed", zap.String("job_id", item.JobID), zap.Error(requeueErr))
			w.failJob(ctx, item, captcha.FailBrowserUnavailable, proxyUsed, duration, outcome.Artifact)
			return
		}
		metrics.ObserveJob(string(item.Spec.Kind), "requeued", duration)
		w.logger.Warn("browser unavailable, job requeued",
			zap.String("job_id", item.JobID),
			zap.Int("attempt", item.Attempt),
		)

	default:
		failKind := captcha.Classify(err)
		w.logger.Warn("job failed",
			zap.String("job_id", item.JobID),
			zap.String("kind", string(item.Spec.Kind)),
			zap.String("fail_kind", string(failKind)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		w.failJob(ctx, item, failKind, proxyUsed, duration, outcome.Artifact)
	}
}

// attempt runs one full solve attempt: acquire a tab, then rotate proxies
// until the challenge solves, a non-proxy error ends the attempt, or the
// rotation budget runs out.
func (w *Worker) attempt(ctx context.Context, item captcha.QueueItem) (solver.Outcome, string, error) {
	browserCtx, err := w.browser.AcquireContext(ctx)
	if err != nil {
		return solver.Outcome{}, "", fmt.Errorf("acquire browser tab: %w", err)
	}
	defer browserCtx.Release()

	// A caller-supplied proxy disables rotation.
	if item.Spec.ProxyOverride != "" {
		outcome, err := w.solver.Solve(ctx, browserCtx.Tab, item.Spec, item.Spec.ProxyOverride)
		if err != nil && w.sessionLost(err) {
			w.browser.Invalidate()
		}
		return outcome, item.Spec.ProxyOverride, err
	}

	var lastOutcome solver.Outcome
	var lastErr error
	var lastProxy string
	for rotation := 0; rotation < w.cfg.MaxProxyAttempts; rotation++ {
		if ctx.Err() != nil {
			break
		}
		record, err := w.proxies.Select(ctx)
		if err != nil {
			if lastErr != nil {
				break
			}
			return solver.Outcome{}, "", fmt.Errorf("select proxy: %w", err)
		}
		proxyURL := record.URL()

		outcome, err := w.solver.Solve(ctx, browserCtx.Tab, item.Spec, proxyURL)
		if err == nil {
			w.proxies.ReportOutcome(proxyURL, true)
			return outcome, proxyURL, nil
		}
		lastOutcome, lastErr, lastProxy = outcome, err, proxyURL

		if solver.IsProxyError(err) {
			w.proxies.ReportOutcome(proxyURL, false)
			w.logger.Warn("proxy-attributable failure, rotating",
				zap.String("job_id", item.JobID),
				zap.String("proxy", proxyURL),
				zap.Error(err),
			)
			continue
		}
		if w.sessionLost(err) {
			w.browser.Invalidate()
			return outcome, proxyURL, fmt.Errorf("browser session lost: %w: %w",
				captcha.ErrBrowserUnavailable, err)
		}
		return outcome, proxyURL, err
	}

	if lastErr == nil {
		return solver.Outcome{}, "", fmt.Errorf("attempt canceled: %w", ctx.Err())
	}
	return lastOutcome, lastProxy, fmt.Errorf("rotated through %d proxies: %w (last: %w)",
		w.cfg.MaxProxyAttempts, captcha.ErrProxyExhausted, lastErr)
}

// sessionLost reports whether the error implicates the shared browser
// connection rather than the page or the proxy.
func (w *Worker) sessionLost(err error) bool {
	message := err.Error()
	for _, marker := range []string{
		"websocket",
		"could not dial",
		"context canceled by remote",
		"browser closed",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func (w *Worker) failJob(
	ctx context.Context,
	item captcha.QueueItem,
	failKind captcha.FailKind,
	proxyUsed string,
	duration time.Duration,
	artifact []byte,
) {
	if err := w.registry.MarkFailed(item.JobID, failKind); err != nil {
		w.logger.Error("mark failed failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(item.Spec.Kind), "failed", duration)
	w.finalize(ctx, item, captcha.StatusFailed, failKind, proxyUsed, duration, artifact)
}

// finalize fans out the terminal side effects: history, events, artifacts.
// All are best effort; the job's terminal status is already committed.
func (w *Worker) finalize(
	ctx context.Context,
	item captcha.QueueItem,
	status captcha.Status,
	failKind captcha.FailKind,
	proxyUsed string,
	duration time.Duration,
	artifact []byte,
) {
	if w.history != nil {
		record := captcha.SolveRecord{
			JobID:      item.JobID,
			Kind:       item.Spec.Kind,
			Status:     status,
			FailKind:   failKind,
			Proxy:      proxyUsed,
			Attempts:   item.Attempt,
			DurationMs: duration.Milliseconds(),
			FinishedAt: w.clock.Now(),
		}
		if err := w.history.StoreSolve(ctx, record); err != nil {
			w.logger.Warn("store solve history", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}

	if w.publisher != nil && w.cfg.Topic != "" {
		payload := map[string]any{
			"job_id":      item.JobID,
			"kind":        string(item.Spec.Kind),
			"status":      string(status),
			"fail_kind":   string(failKind),
			"attempt":     item.Attempt,
			"duration_ms": duration.Milliseconds(),
			"timestamp":   w.clock.Now().Format(time.RFC3339),
		}
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
			w.logger.Warn("publish job event", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}

	if w.cfg.ArtifactsOnFailure && status == captcha.StatusFailed &&
		len(artifact) > 0 && w.artifacts != nil {
		path := w.buildArtifactPath(item.JobID)
		uri, err := w.artifacts.PutObject(ctx, path, "image/png", artifact)
		if err != nil {
			w.logger.Warn("archive failure screenshot", zap.String("job_id", item.JobID), zap.Error(err))
		} else {
			w.logger.Debug("failure screenshot archived",
				zap.String("job_id", item.JobID),
				zap.String("uri", uri),
			)
		}
	}
}

func (w *Worker) buildArtifactPath(jobID string) string {
	prefix := strings.Trim(w.cfg.ArtifactPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/failure.png", jobID)
	}
	return fmt.Sprintf("%s/%s/failure.png", prefix, jobID)
}
