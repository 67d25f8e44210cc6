package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// createCaptchaRequest is the JSON submission body.
type createCaptchaRequest struct {
	Kind          string  `json:"kind"`
	PageURL       string  `json:"page_url"`
	SiteKey       string  `json:"site_key"`
	Action        string  `json:"action,omitempty"`
	MinScore      float64 `json:"min_score,omitempty"`
	UserAgent     string  `json:"user_agent,omitempty"`
	Invisible     bool    `json:"invisible,omitempty"`
	Enterprise    bool    `json:"enterprise,omitempty"`
	ProxyOverride string  `json:"proxy,omitempty"`
}

// createCaptcha submits a job through the JSON API.
func (s *Server) createCaptcha(w http.ResponseWriter, r *http.Request) {
	var req createCaptchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	spec := captcha.TaskSpec{
		Kind:          captcha.Kind(req.Kind),
		PageURL:       req.PageURL,
		SiteKey:       req.SiteKey,
		Action:        req.Action,
		MinScore:      req.MinScore,
		UserAgent:     req.UserAgent,
		Invisible:     req.Invisible,
		Enterprise:    req.Enterprise,
		ProxyOverride: req.ProxyOverride,
	}
	if req.Invisible && spec.Kind == captcha.KindRecaptchaV2 {
		spec.Kind = captcha.KindRecaptchaV2Invisible
	}

	jobID, err := s.registry.Submit(r.Context(), spec)
	if err != nil {
		if errors.Is(err, captcha.ErrChallengeUnsupported) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": jobID})
}

// getCaptcha polls one job. Pending jobs answer 202 so clients can poll on
// status codes alone.
func (s *Server) getCaptcha(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "captcha_id")
	job, err := s.registry.Poll(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown captcha id")
		return
	}

	status := http.StatusOK
	if !job.Status.Terminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newJobView(job))
}

// deleteCaptcha removes a job regardless of its state.
func (s *Server) deleteCaptcha(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "captcha_id")
	if err := s.registry.Delete(jobID); err != nil {
		writeError(w, http.StatusNotFound, "unknown captcha id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jobView is the JSON shape of a job on the API.
type jobView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Token     string `json:"token,omitempty"`
	FailKind  string `json:"fail_kind,omitempty"`
	Attempt   int    `json:"attempt"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func newJobView(job captcha.Job) jobView {
	return jobView{
		ID:        job.ID,
		Kind:      string(job.Spec.Kind),
		Status:    string(job.Status),
		Token:     job.Token,
		FailKind:  string(job.FailKind),
		Attempt:   job.Attempt,
		CreatedAt: job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}
