package solver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// stealthScript hides the obvious automation tells before any page script
// runs. Challenge providers check these before deciding how hostile to be.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
window.chrome = window.chrome || {runtime: {}};
`

const recaptchaTokenJS = `(() => {
	const t = document.getElementById('g-recaptcha-response') ||
		document.querySelector('[name="g-recaptcha-response"]');
	return t && t.value ? t.value : '';
})()`

const audioErrorJS = `(() => {
	const blocked = document.querySelector('.rc-doscaptcha-header-text');
	if (blocked && blocked.offsetParent !== null) return blocked.textContent.trim();
	const err = document.querySelector('.rc-audiochallenge-error-message');
	if (err && err.offsetParent !== null && err.textContent.trim()) return err.textContent.trim();
	return '';
})()`

const hcaptchaTokenJS = `(() => {
	const t = document.querySelector('[name="h-captcha-response"]');
	return t && t.value ? t.value : '';
})()`

// solveRun carries the per-attempt state shared between stages.
type solveRun struct {
	s        *Solver
	tab      context.Context
	spec     captcha.TaskSpec
	proxyURL string

	token     string
	challenge context.Context // bframe target, set by openAudioChallenge
	cancels   []context.CancelFunc
}

func newSolveRun(s *Solver, tab context.Context, spec captcha.TaskSpec, proxyURL string) *solveRun {
	return &solveRun{s: s, tab: tab, spec: spec, proxyURL: proxyURL}
}

func (r *solveRun) cleanup() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

// navigate loads the target page with the automation tells scrubbed.
func (r *solveRun) navigate(ctx context.Context) error {
	userAgent := r.spec.UserAgent
	if userAgent == "" {
		userAgent = r.s.cfg.UserAgent
	}

	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		chromedp.EmulateViewport(1920, 1080),
	}
	if userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(userAgent))
	}
	actions = append(actions,
		chromedp.Navigate(r.spec.PageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)

	if err := chromedp.Run(ctx, actions...); err != nil {
		return fmt.Errorf("load %s: %w", r.spec.PageURL, err)
	}
	return nil
}

// clickAnchor ticks the "I'm not a robot" checkbox inside the anchor frame.
func (r *solveRun) clickAnchor(ctx context.Context) error {
	frame, err := r.frame(ctx, "api2/anchor", "enterprise/anchor")
	if err != nil {
		return fmt.Errorf("find anchor frame: %w", err)
	}
	if err := chromedp.Run(r.withDeadline(ctx, frame),
		chromedp.WaitVisible("#recaptcha-anchor", chromedp.ByQuery),
		chromedp.Click("#recaptcha-anchor", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("click anchor: %w", err)
	}
	return nil
}

// executeInvisible triggers an invisible widget, which opens the same
// challenge frame the checkbox flow uses.
func (r *solveRun) executeInvisible(ctx context.Context) error {
	err := chromedp.Run(ctx, chromedp.Evaluate(
		`typeof grecaptcha !== 'undefined' && grecaptcha.execute()`, nil,
	))
	if err != nil {
		return fmt.Errorf("trigger invisible widget: %w", err)
	}
	return nil
}

// openAudioChallenge switches the challenge frame to the audio variant.
// A low-risk session may pass straight from the checkbox click, in which
// case the token is already present and the remaining stages no-op.
func (r *solveRun) openAudioChallenge(ctx context.Context) error {
	if token, err := r.pollJS(ctx, r.tab, recaptchaTokenJS, 2*time.Second); err == nil && token != "" {
		r.token = token
		r.s.logger.Debug("token granted without challenge")
		return nil
	}

	frame, err := r.frame(ctx, "api2/bframe", "enterprise/bframe")
	if err != nil {
		return fmt.Errorf("find challenge frame: %w", err)
	}
	r.challenge = frame
	if err := chromedp.Run(r.withDeadline(ctx, frame),
		chromedp.WaitVisible("#recaptcha-audio-button", chromedp.ByQuery),
		chromedp.Click("#recaptcha-audio-button", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("switch to audio challenge: %w", err)
	}
	return nil
}

// solveAudio downloads the challenge audio through the job's proxy, has it
// transcribed, and submits the answer.
func (r *solveRun) solveAudio(ctx context.Context) error {
	if r.token != "" {
		return nil
	}

	if blocked, err := r.evalString(ctx, r.challenge, audioErrorJS); err == nil && blocked != "" {
		return fmt.Errorf("audio challenge refused: %s: %w", blocked, captcha.ErrProviderFailure)
	}

	var audioURL string
	var found bool
	if err := chromedp.Run(r.withDeadline(ctx, r.challenge),
		chromedp.WaitVisible("#audio-source", chromedp.ByQuery),
		chromedp.AttributeValue("#audio-source", "src", &audioURL, &found, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("locate audio source: %w", err)
	}
	if !found || audioURL == "" {
		return fmt.Errorf("audio source has no url: %w", captcha.ErrProviderFailure)
	}

	audio, err := r.s.audio.fetch(ctx, audioURL, r.proxyURL)
	if err != nil {
		return fmt.Errorf("download challenge audio: %w", err)
	}
	answer, err := r.s.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return fmt.Errorf("transcribe challenge audio: %w", err)
	}
	r.s.logger.Debug("audio transcribed", zap.Int("bytes", len(audio)))

	if err := chromedp.Run(r.withDeadline(ctx, r.challenge),
		chromedp.WaitVisible("#audio-response", chromedp.ByQuery),
		chromedp.SendKeys("#audio-response", answer, chromedp.ByQuery),
		chromedp.Click("#recaptcha-verify-button", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("submit audio answer: %w", err)
	}
	return nil
}

// awaitRecaptchaToken waits for the response token to land in the page.
func (r *solveRun) awaitRecaptchaToken(ctx context.Context) error {
	if r.token != "" {
		return nil
	}
	for {
		token, err := r.evalString(ctx, r.tab, recaptchaTokenJS)
		if err != nil {
			return fmt.Errorf("read response token: %w", err)
		}
		if token != "" {
			r.token = token
			return nil
		}
		if r.challenge != nil {
			if msg, err := r.evalString(ctx, r.challenge, audioErrorJS); err == nil && msg != "" {
				return fmt.Errorf("challenge rejected answer: %s: %w", msg, captcha.ErrProviderFailure)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// executeV3 asks the page's own widget for a token. Score-based flows have
// no challenge UI; the whole solve is this one call.
func (r *solveRun) executeV3(ctx context.Context) error {
	execute := "grecaptcha.execute"
	if r.spec.Enterprise {
		execute = "grecaptcha.enterprise.execute"
	}
	action := r.spec.Action
	if action == "" {
		action = "submit"
	}
	js := fmt.Sprintf(`new Promise((resolve, reject) => {
		try {
			grecaptcha.ready(() => {
				%s(%q, {action: %q}).then(resolve, (e) => reject(new Error(String(e))));
			});
		} catch (e) {
			reject(new Error(String(e)));
		}
	})`, execute, r.spec.SiteKey, action)

	var token string
	err := chromedp.Run(ctx, chromedp.Evaluate(js, &token,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		return fmt.Errorf("execute score widget: %w", err)
	}
	if token == "" {
		return fmt.Errorf("score widget returned empty token: %w", captcha.ErrProviderFailure)
	}
	r.token = token
	return nil
}

// clickHCaptchaCheckbox ticks the hCaptcha widget checkbox.
func (r *solveRun) clickHCaptchaCheckbox(ctx context.Context) error {
	frame, err := r.frame(ctx, "hcaptcha.com/captcha")
	if err != nil {
		return fmt.Errorf("find hcaptcha frame: %w", err)
	}
	if err := chromedp.Run(r.withDeadline(ctx, frame),
		chromedp.WaitVisible("#checkbox", chromedp.ByQuery),
		chromedp.Click("#checkbox", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("click hcaptcha checkbox: %w", err)
	}
	return nil
}

// awaitHCaptchaToken waits for the h-captcha-response field to fill.
func (r *solveRun) awaitHCaptchaToken(ctx context.Context) error {
	token, err := r.pollJS(ctx, r.tab, hcaptchaTokenJS, 0)
	if err != nil {
		return err
	}
	r.token = token
	return nil
}

// pollJS evaluates the expression in target until it yields a non-empty
// string. A positive budget bounds the poll below the stage timeout; zero
// polls until the stage context ends.
func (r *solveRun) pollJS(ctx context.Context, target context.Context, js string, budget time.Duration) (string, error) {
	pollCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	for {
		value, err := r.evalString(pollCtx, target, js)
		if err != nil {
			return "", err
		}
		if value != "" {
			return value, nil
		}
		select {
		case <-pollCtx.Done():
			return "", pollCtx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// evalString runs the expression in the given chromedp target, bounded by
// the stage context.
func (r *solveRun) evalString(ctx context.Context, target context.Context, js string) (string, error) {
	var value string
	if err := chromedp.Run(r.withDeadline(ctx, target), chromedp.Evaluate(js, &value)); err != nil {
		return "", err
	}
	return value, nil
}

// withDeadline rebinds the stage context's deadline and cancellation onto a
// different chromedp target (a frame context instead of the main tab).
func (r *solveRun) withDeadline(ctx context.Context, target context.Context) context.Context {
	if target == nil {
		target = r.tab
	}
	var bound context.Context
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		bound, cancel = context.WithDeadline(target, deadline)
	} else {
		bound, cancel = context.WithCancel(target)
	}
	r.cancels = append(r.cancels, cancel)
	stop := context.AfterFunc(ctx, cancel)
	r.cancels = append(r.cancels, func() { stop() })
	return bound
}

// frame waits for an OOPIF target whose URL contains one of the substrings
// and returns a chromedp context attached to it.
func (r *solveRun) frame(ctx context.Context, urlSubstrings ...string) (context.Context, error) {
	for {
		infos, err := chromedp.Targets(r.tab)
		if err != nil {
			return nil, fmt.Errorf("list frame targets: %w", err)
		}
		for _, info := range infos {
			if info.Type != "iframe" {
				continue
			}
			for _, substring := range urlSubstrings {
				if strings.Contains(info.URL, substring) {
					frameCtx, cancel := chromedp.NewContext(r.tab, chromedp.WithTargetID(info.TargetID))
					r.cancels = append(r.cancels, cancel)
					return frameCtx, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("frame %s never appeared: %w",
				strings.Join(urlSubstrings, "|"), ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}
