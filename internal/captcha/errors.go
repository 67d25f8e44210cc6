package captcha

import "errors"

// Sentinel errors for the failure kinds the orchestration core distinguishes.
// Components wrap these with %w so callers can classify with errors.Is.
var (
	ErrBrowserUnavailable   = errors.New("browser unavailable")
	ErrProxyExhausted       = errors.New("no qualifying proxy available")
	ErrChallengeUnsupported = errors.New("challenge unsupported")
	ErrTimeout              = errors.New("stage timed out")
	ErrProviderFailure      = errors.New("solution provider failure")
	ErrNotFound             = errors.New("job not found")
	ErrQueueFull            = errors.New("queue full")
)

// FailKind is the stable failure code stored on a failed job and exposed on
// the JSON API. The classic wire contract collapses all of these into
// ERROR_CAPTCHA_UNSOLVABLE.
type FailKind string

const (
	FailNone                 FailKind = ""
	FailBrowserUnavailable   FailKind = "browser_unavailable"
	FailProxyExhausted       FailKind = "proxy_exhausted"
	FailChallengeUnsupported FailKind = "challenge_unsupported"
	FailTimeout              FailKind = "timeout"
	FailProviderFailure      FailKind = "provider_failure"
)

// Classify maps an error chain to the failure kind recorded on the job.
func Classify(err error) FailKind {
	switch {
	case err == nil:
		return FailNone
	case errors.Is(err, ErrBrowserUnavailable):
		return FailBrowserUnavailable
	case errors.Is(err, ErrProxyExhausted):
		return FailProxyExhausted
	case errors.Is(err, ErrChallengeUnsupported):
		return FailChallengeUnsupported
	case errors.Is(err, ErrProviderFailure):
		return FailProviderFailure
	default:
		// Deadline and cancellation errors from stage contexts land here too.
		return FailTimeout
	}
}
