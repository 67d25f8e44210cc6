// Package captcha defines the shared domain types for the solving service:
// job records, task specs, failure kinds, and the small interfaces the
// orchestration components are wired through.
package captcha

import "time"

// Kind tags the captcha variant a job targets.
type Kind string

// Supported captcha kinds. Image and text are recognized on the wire but the
// solver has no pipeline for them, so submissions are rejected up front.
const (
	KindRecaptchaV2          Kind = "recaptcha-v2"
	KindRecaptchaV2Invisible Kind = "recaptcha-v2-invisible"
	KindRecaptchaV3          Kind = "recaptcha-v3"
	KindHCaptcha             Kind = "hcaptcha"
	KindImage                Kind = "image"
	KindText                 Kind = "text"
)

// Known reports whether k is one of the declared kinds.
func (k Kind) Known() bool {
	switch k {
	case KindRecaptchaV2, KindRecaptchaV2Invisible, KindRecaptchaV3,
		KindHCaptcha, KindImage, KindText:
		return true
	default:
		return false
	}
}

// Solvable reports whether the service has a solve pipeline for k.
func (k Kind) Solvable() bool {
	switch k {
	case KindRecaptchaV2, KindRecaptchaV2Invisible, KindRecaptchaV3, KindHCaptcha:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a job. Transitions are forward-monotone
// except a bounded processing->queued requeue edge.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSolved     Status = "solved"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSolved, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// TaskSpec carries the caller-provided inputs for one solve request.
type TaskSpec struct {
	Kind          Kind    `json:"kind"`
	PageURL       string  `json:"page_url"`
	SiteKey       string  `json:"site_key"`
	Action        string  `json:"action,omitempty"`
	MinScore      float64 `json:"min_score,omitempty"`
	UserAgent     string  `json:"user_agent,omitempty"`
	Invisible     bool    `json:"invisible,omitempty"`
	Enterprise    bool    `json:"enterprise,omitempty"`
	ProxyOverride string  `json:"proxy_override,omitempty"`
	SoftID        string  `json:"soft_id,omitempty"`
}

// Job is one solve request tracked from submission to terminal outcome.
// Exactly one of Token / FailKind is set once Status is terminal.
type Job struct {
	ID        string    `json:"id"`
	Spec      TaskSpec  `json:"spec"`
	Status    Status    `json:"status"`
	Token     string    `json:"token,omitempty"`
	FailKind  FailKind  `json:"fail_kind,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueItem is the unit of work handed from the registry to a worker.
type QueueItem struct {
	JobID     string   `json:"job_id"`
	Spec      TaskSpec `json:"spec"`
	Attempt   int      `json:"attempt"`
	Submitted int64    `json:"submitted"`
}

// SolveRecord is the terminal snapshot archived for accounting.
type SolveRecord struct {
	JobID      string
	Kind       Kind
	Status     Status
	FailKind   FailKind
	Proxy      string
	Attempts   int
	DurationMs int64
	FinishedAt time.Time
}
