// Package solver drives a browser tab through a captcha challenge and
// returns the provider token. Each kind runs as an ordered series of named
// stages with individual timeouts, so a hung page fails on the stage that
// stalled instead of eating the whole job budget.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// Config controls stage budgets and browser fingerprinting.
type Config struct {
	// StageTimeout bounds each non-navigation stage.
	StageTimeout time.Duration
	// NavTimeout bounds the initial page load.
	NavTimeout time.Duration
	// VerifyTimeout bounds the final token wait.
	VerifyTimeout time.Duration
	// UserAgent overrides the tab's user agent when non-empty.
	UserAgent string
	// AudioTimeout bounds the proxied challenge-audio download.
	AudioTimeout time.Duration
}

// Outcome is the result of one solve attempt. Artifact holds a screenshot
// of the tab when the attempt failed and one could be captured.
type Outcome struct {
	Token    string
	Artifact []byte
}

// Solver executes challenges inside tabs handed to it by the worker.
type Solver struct {
	cfg         Config
	transcriber captcha.Transcriber
	audio       audioFetcher
	logger      *zap.Logger
}

// New builds a Solver that uses the given transcriber for audio challenges.
func New(cfg Config, transcriber captcha.Transcriber, logger *zap.Logger) *Solver {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 20 * time.Second
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	if cfg.AudioTimeout <= 0 {
		cfg.AudioTimeout = 30 * time.Second
	}
	return &Solver{
		cfg:         cfg,
		transcriber: transcriber,
		audio:       &tlsAudioFetcher{timeout: cfg.AudioTimeout, userAgent: cfg.UserAgent},
		logger:      logger,
	}
}

// stage is one named step of a solve.
type stage struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Solve runs the challenge in the given tab, routing artifact downloads
// through proxyURL. On failure the returned Outcome may carry a screenshot
// of the tab at the moment things went wrong.
func (s *Solver) Solve(ctx context.Context, tab context.Context, spec captcha.TaskSpec, proxyURL string) (Outcome, error) {
	run := newSolveRun(s, tab, spec, proxyURL)
	defer run.cleanup()
	stages, err := s.stagesFor(spec, run)
	if err != nil {
		return Outcome{}, err
	}

	// Stages need a chromedp context, so they derive from the tab; the
	// caller's context still cancels the whole solve.
	solveCtx, cancelSolve := context.WithCancel(tab)
	defer cancelSolve()
	stop := context.AfterFunc(ctx, cancelSolve)
	defer stop()

	start := time.Now()
	if err := s.runStages(solveCtx, stages); err != nil {
		outcome := Outcome{Artifact: s.captureArtifact(tab)}
		s.logger.Warn("solve failed",
			zap.String("kind", string(spec.Kind)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return outcome, err
	}

	s.logger.Info("solve succeeded",
		zap.String("kind", string(spec.Kind)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Outcome{Token: run.token}, nil
}

// stagesFor maps a task to its stage plan.
func (s *Solver) stagesFor(spec captcha.TaskSpec, run *solveRun) ([]stage, error) {
	switch spec.Kind {
	case captcha.KindRecaptchaV2:
		return []stage{
			{"navigate", s.cfg.NavTimeout, run.navigate},
			{"anchor", s.cfg.StageTimeout, run.clickAnchor},
			{"challenge", s.cfg.StageTimeout, run.openAudioChallenge},
			{"transcribe", s.cfg.StageTimeout + s.cfg.AudioTimeout, run.solveAudio},
			{"verify", s.cfg.VerifyTimeout, run.awaitRecaptchaToken},
		}, nil
	case captcha.KindRecaptchaV2Invisible:
		return []stage{
			{"navigate", s.cfg.NavTimeout, run.navigate},
			{"execute", s.cfg.StageTimeout, run.executeInvisible},
			{"challenge", s.cfg.StageTimeout, run.openAudioChallenge},
			{"transcribe", s.cfg.StageTimeout + s.cfg.AudioTimeout, run.solveAudio},
			{"verify", s.cfg.VerifyTimeout, run.awaitRecaptchaToken},
		}, nil
	case captcha.KindRecaptchaV3:
		return []stage{
			{"navigate", s.cfg.NavTimeout, run.navigate},
			{"execute", s.cfg.VerifyTimeout, run.executeV3},
		}, nil
	case captcha.KindHCaptcha:
		return []stage{
			{"navigate", s.cfg.NavTimeout, run.navigate},
			{"checkbox", s.cfg.StageTimeout, run.clickHCaptchaCheckbox},
			{"verify", s.cfg.VerifyTimeout, run.awaitHCaptchaToken},
		}, nil
	default:
		return nil, fmt.Errorf("kind %q: %w", spec.Kind, captcha.ErrChallengeUnsupported)
	}
}

func (s *Solver) runStages(ctx context.Context, stages []stage) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("solve canceled: %w", err)
		}
		stageCtx, cancel := context.WithTimeout(ctx, st.timeout)
		err := st.run(stageCtx)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("stage %s timed out after %s: %w", st.name, st.timeout, captcha.ErrTimeout)
		}
		return fmt.Errorf("stage %s: %w", st.name, err)
	}
	return nil
}

// captureArtifact best-effort screenshots the tab for failure forensics.
func (s *Solver) captureArtifact(tab context.Context) []byte {
	shotCtx, cancel := context.WithTimeout(tab, 5*time.Second)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		s.logger.Debug("screenshot capture failed", zap.Error(err))
		return nil
	}
	return buf
}
