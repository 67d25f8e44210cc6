// Package api exposes the HTTP interface of the solving service: the classic
// plain-text polling endpoints (in.php / res.php), a JSON job API, and the
// operational surface (health, status, proxies, metrics).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/browser"
	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/config"
	"github.com/solvekit/captcha-relay/internal/metrics"
	"github.com/solvekit/captcha-relay/internal/proxy"
)

// reportedBalance is the flat balance the billing-compatibility endpoints
// answer with. There is no real account behind this service.
const reportedBalance = "999.99"

// jobRegistry is the slice of the registry the HTTP layer uses.
type jobRegistry interface {
	Submit(ctx context.Context, spec captcha.TaskSpec) (string, error)
	Poll(jobID string) (captcha.Job, error)
	Report(jobID string) error
	Delete(jobID string) error
	Counts() map[captcha.Status]int
}

// browserStatus exposes the session manager state for health reporting.
type browserStatus interface {
	Snapshot() browser.Snapshot
}

// proxyStatus exposes the proxy pool for the ops endpoints.
type proxyStatus interface {
	Stats() proxy.Stats
	EligibleCount() int
	Refresh(ctx context.Context, opts proxy.RefreshOptions) (int, error)
}

// Server wires HTTP handlers to the registry, browser manager, and proxy
// pool.
type Server struct {
	router   chi.Router
	registry jobRegistry
	browser  browserStatus
	proxies  proxyStatus
	clock    captcha.Clock
	cfg      config.Config
	logger   *zap.Logger
	started  time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry jobRegistry,
	browserMgr browserStatus,
	proxies proxyStatus,
	clock captcha.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		registry: registry,
		browser:  browserMgr,
		proxies:  proxies,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		started:  clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	// Classic plain-text polling protocol. Authentication happens inside
	// the handlers because failures must be plain-text codes, not HTTP
	// errors.
	r.Post("/in.php", s.classicSubmit)
	r.Get("/in.php", s.classicSubmit)
	r.Get("/res.php", s.classicResult)
	r.Post("/res.php", s.classicResult)
	r.Get("/user", s.classicUser)

	// JSON job API.
	r.Route("/captcha", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Post("/", s.createCaptcha)
		r.Get("/{captcha_id}", s.getCaptcha)
		r.Delete("/{captcha_id}", s.deleteCaptcha)
	})

	// Operational surface.
	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/config", s.configView)
	r.Get("/proxies", s.listProxies)
	r.Post("/proxies/refresh", s.refreshProxies)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "captcha-relay",
		"endpoints": []string{
			"/in.php", "/res.php", "/user",
			"/captcha", "/health", "/status", "/config", "/proxies", "/metrics",
		},
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.browser.Snapshot()
	healthy := snapshot.State == browser.StateReady || snapshot.State == browser.StateDisconnected

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         label,
		"browser":        snapshot,
		"proxies":        s.proxies.EligibleCount(),
		"uptime_seconds": int64(s.clock.Now().Sub(s.started).Seconds()),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	counts := s.registry.Counts()
	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}
	stats := s.proxies.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    jobs,
		"workers": s.cfg.Solver.Workers,
		"browser": s.browser.Snapshot(),
		"proxies": map[string]any{
			"total":    stats.Total,
			"eligible": stats.Eligible,
			"policy":   string(stats.Policy),
		},
	})
}

// configView exposes the effective configuration with secrets redacted.
func (s *Server) configView(w http.ResponseWriter, _ *http.Request) {
	view := s.cfg
	view.Auth.APIKey = "[redacted]"
	view.Transcriber.APIKey = "[redacted]"
	view.History.DSN = "[redacted]"
	view.Queue.RabbitURL = "[redacted]"
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.proxies.Stats())
}

// refreshProxies kicks a forced refresh in the background; harvesting and
// testing can take minutes, far past any sane request timeout.
func (s *Server) refreshProxies(w http.ResponseWriter, _ *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		added, err := s.proxies.Refresh(ctx, proxy.RefreshOptions{Force: true, Clean: true})
		if err != nil {
			s.logger.Warn("manual proxy refresh failed", zap.Error(err))
			return
		}
		s.logger.Info("manual proxy refresh complete", zap.Int("added", added))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}
