package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// Plain-text response codes of the classic polling protocol. Clients match
// these strings verbatim, including the historical CAPCHA spelling.
const (
	codeNotReady        = "CAPCHA_NOT_READY"
	codeKeyMissing      = "ERROR_KEY_DOES_NOT_EXIST"
	codeUnsolvable      = "ERROR_CAPTCHA_UNSOLVABLE"
	codeWrongIDFormat   = "ERROR_WRONG_ID_FORMAT"
	codeMissingPageURL  = "ERROR_PAGEURL"
	codeMissingSiteKey  = "ERROR_GOOGLEKEY"
	codeNoSlotAvailable = "ERROR_NO_SLOT_AVAILABLE"
	codeEmptyAction     = "ERROR_EMPTY_ACTION"
	codeReportRecorded  = "OK_REPORT_RECORDED"
)

// classicSubmit implements in.php. Every outcome is a 200 with a plain-text
// code; HTTP status codes are not part of this protocol.
func (s *Server) classicSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, codeUnsolvable)
		return
	}
	if r.Form.Get("key") != s.cfg.Auth.APIKey {
		writeText(w, codeKeyMissing)
		return
	}

	spec, errCode := specFromClassicForm(r.Form.Get)
	if errCode != "" {
		writeText(w, errCode)
		return
	}

	jobID, err := s.registry.Submit(r.Context(), spec)
	if err != nil {
		switch {
		case errors.Is(err, captcha.ErrChallengeUnsupported):
			writeText(w, codeUnsolvable)
		case errors.Is(err, captcha.ErrQueueFull):
			writeText(w, codeNoSlotAvailable)
		default:
			s.logger.Warn("classic submit failed", zap.Error(err))
			writeText(w, codeUnsolvable)
		}
		return
	}
	writeText(w, "OK|"+jobID)
}

// classicResult implements res.php: polling, balance, and report actions.
func (s *Server) classicResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, codeEmptyAction)
		return
	}
	if r.Form.Get("key") != s.cfg.Auth.APIKey {
		writeText(w, codeKeyMissing)
		return
	}

	action := r.Form.Get("action")
	switch action {
	case "getbalance":
		writeText(w, reportedBalance)
	case "get", "get2", "":
		s.classicPoll(w, r.Form.Get("id"))
	case "reportgood", "reportbad":
		s.classicReport(w, r.Form.Get("id"))
	default:
		writeText(w, codeEmptyAction)
	}
}

func (s *Server) classicPoll(w http.ResponseWriter, jobID string) {
	if !isNumericID(jobID) {
		writeText(w, codeWrongIDFormat)
		return
	}
	job, err := s.registry.Poll(jobID)
	if err != nil {
		writeText(w, codeWrongIDFormat)
		return
	}
	switch job.Status {
	case captcha.StatusSolved:
		writeText(w, "OK|"+job.Token)
	case captcha.StatusFailed, captcha.StatusExpired:
		// The classic protocol has no failure taxonomy; every failure
		// collapses into unsolvable.
		writeText(w, codeUnsolvable)
	default:
		writeText(w, codeNotReady)
	}
}

func (s *Server) classicReport(w http.ResponseWriter, jobID string) {
	if !isNumericID(jobID) {
		writeText(w, codeWrongIDFormat)
		return
	}
	if err := s.registry.Report(jobID); err != nil {
		if errors.Is(err, captcha.ErrNotFound) {
			writeText(w, codeWrongIDFormat)
			return
		}
		writeText(w, codeNotReady)
		return
	}
	writeText(w, codeReportRecorded)
}

// classicUser answers the account endpoint with the flat balance.
func (s *Server) classicUser(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" && key != s.cfg.Auth.APIKey {
		writeError(w, http.StatusForbidden, "unknown api key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": 999.99})
}

// specFromClassicForm maps the legacy form parameters onto a task spec,
// returning a protocol error code when a required field is missing.
func specFromClassicForm(get func(string) string) (captcha.TaskSpec, string) {
	spec := captcha.TaskSpec{
		PageURL:   get("pageurl"),
		Action:    get("action"),
		UserAgent: get("userAgent"),
		SoftID:    get("soft_id"),
	}

	siteKey := get("googlekey")
	if siteKey == "" {
		siteKey = get("sitekey")
	}
	spec.SiteKey = siteKey

	switch get("method") {
	case "userrecaptcha":
		switch {
		case get("version") == "v3":
			spec.Kind = captcha.KindRecaptchaV3
		case get("invisible") == "1":
			spec.Kind = captcha.KindRecaptchaV2Invisible
			spec.Invisible = true
		default:
			spec.Kind = captcha.KindRecaptchaV2
		}
	case "hcaptcha":
		spec.Kind = captcha.KindHCaptcha
	case "post", "base64":
		spec.Kind = captcha.KindImage
	case "textcaptcha":
		spec.Kind = captcha.KindText
	default:
		return captcha.TaskSpec{}, codeUnsolvable
	}

	if get("enterprise") == "1" {
		spec.Enterprise = true
	}
	if raw := get("min_score"); raw != "" {
		if score, err := strconv.ParseFloat(raw, 64); err == nil {
			spec.MinScore = score
		}
	}
	if proxyAddr := get("proxy"); proxyAddr != "" {
		scheme := strings.ToLower(get("proxytype"))
		if scheme == "" {
			scheme = "http"
		}
		spec.ProxyOverride = scheme + "://" + proxyAddr
	}

	// Image and text submissions carry no page context, so the page and
	// key checks only apply to the browser-driven kinds.
	if spec.Kind.Solvable() {
		if spec.PageURL == "" {
			return captcha.TaskSpec{}, codeMissingPageURL
		}
		if spec.SiteKey == "" {
			return captcha.TaskSpec{}, codeMissingSiteKey
		}
	}
	return spec, ""
}

func isNumericID(jobID string) bool {
	if jobID == "" {
		return false
	}
	_, err := strconv.ParseInt(jobID, 10, 64)
	return err == nil
}
