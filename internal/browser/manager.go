// Package browser owns the single shared remote-debuggable Chrome instance.
//
// Workers never touch the browser handle directly. They ask the Manager for
// an isolated Context (its own tab) and give it back when done. The manager
// lock covers only handle acquisition and health-checking, never the duration
// of a job, so unrelated jobs navigate concurrently in their own tabs.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/metrics"
)

// State is the connection state of the shared browser session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
)

// Config controls the session manager.
type Config struct {
	// DebugHost is the host:port of the Chrome DevTools endpoint.
	DebugHost string
	// ChromePath is the browser binary used when the manager has to launch
	// its own instance. Empty means attach-only.
	ChromePath string
	Headless   bool
	// ProfileDir is the base directory for per-launch user-data-dirs.
	ProfileDir string
	// MaxAttempts bounds reconnect attempts per EnsureReady call.
	MaxAttempts int
	// Backoff is the base delay between reconnect attempts.
	Backoff time.Duration
	// ConnectWindow bounds the total time one reconnect cycle may take.
	ConnectWindow time.Duration
	// Cooldown is how long the manager reports unavailable after a
	// reconnect cycle is exhausted.
	Cooldown time.Duration
	// ProbeInterval is how long a successful liveness probe is trusted.
	ProbeInterval time.Duration
}

// Snapshot is a read-only view of the manager state for /health.
type Snapshot struct {
	State         State     `json:"state"`
	Retries       int       `json:"retries"`
	LastProbe     time.Time `json:"last_probe"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	DebugHost     string    `json:"debug_host"`
}

// Manager guards the shared browser session.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	allocator     context.Context
	allocCancel   context.CancelFunc
	lastProbe     time.Time
	retries       int
	cooldownUntil time.Time

	// Overridable in tests.
	probe     func(ctx context.Context) error
	launch    func() (terminate func(), err error)
	terminate func()
}

// NewManager constructs a Manager; the session itself is created lazily on
// first demand.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.DebugHost == "" {
		cfg.DebugHost = "127.0.0.1:9222"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.ConnectWindow <= 0 {
		cfg.ConnectWindow = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}
	m.probe = m.probeDevtools
	m.launch = m.launchChrome
	return m
}

// EnsureReady returns once a ready session exists, or fails with
// captcha.ErrBrowserUnavailable after the reconnect budget is spent. While a
// cooldown is active it fails fast without touching the browser.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Before(m.cooldownUntil) {
		return fmt.Errorf("in cooldown until %s: %w",
			m.cooldownUntil.Format(time.RFC3339), captcha.ErrBrowserUnavailable)
	}

	// Trust a recent probe so concurrent jobs do not stampede the endpoint.
	if m.state == StateReady && now.Sub(m.lastProbe) < m.cfg.ProbeInterval {
		return nil
	}

	if err := m.probe(ctx); err == nil {
		m.markReady()
		return nil
	}

	if m.state == StateReady {
		m.logger.Warn("browser probe failed, session degraded")
	}
	m.state = StateDegraded

	deadline := now.Add(m.cfg.ConnectWindow)
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("reconnect canceled: %w", ctx.Err())
		}
		if time.Now().After(deadline) {
			break
		}
		m.state = StateConnecting
		m.retries++
		metrics.ObserveBrowserReconnect()
		m.logger.Info("reconnecting browser",
			zap.Int("attempt", attempt),
			zap.String("debug_host", m.cfg.DebugHost),
		)

		if m.terminate != nil {
			m.terminate()
			m.terminate = nil
		}
		terminate, err := m.launch()
		if err != nil {
			m.logger.Warn("browser launch failed", zap.Error(err))
		} else {
			m.terminate = terminate
		}

		if !sleepCtx(ctx, m.cfg.Backoff*time.Duration(attempt)) {
			return fmt.Errorf("reconnect canceled: %w", ctx.Err())
		}

		if err := m.probe(ctx); err == nil {
			m.markReady()
			m.logger.Info("browser session reestablished", zap.Int("attempts", attempt))
			return nil
		}
	}

	m.state = StateDegraded
	m.cooldownUntil = time.Now().Add(m.cfg.Cooldown)
	m.logger.Error("browser reconnect budget exhausted",
		zap.Int("attempts", m.cfg.MaxAttempts),
		zap.Duration("cooldown", m.cfg.Cooldown),
	)
	return fmt.Errorf("reconnect budget exhausted: %w", captcha.ErrBrowserUnavailable)
}

// markReady must be called with the lock held and after a passing probe.
func (m *Manager) markReady() {
	m.state = StateReady
	m.lastProbe = time.Now()
	m.cooldownUntil = time.Time{}
	if m.allocator == nil {
		allocCtx, cancel := chromedp.NewRemoteAllocator(
			context.Background(),
			fmt.Sprintf("http://%s", m.cfg.DebugHost),
		)
		m.allocator = allocCtx
		m.allocCancel = cancel
	}
}

// AcquireContext creates an isolated tab for one job. The lock is held only
// to read the session handle; tab creation and everything after runs
// unlocked.
func (m *Manager) AcquireContext(ctx context.Context) (*Context, error) {
	if err := m.EnsureReady(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	allocator := m.allocator
	m.mu.Unlock()
	if allocator == nil {
		return nil, fmt.Errorf("no allocator: %w", captcha.ErrBrowserUnavailable)
	}

	tabCtx, cancel := chromedp.NewContext(allocator)
	return &Context{Tab: tabCtx, cancel: cancel}, nil
}

// Invalidate drops the cached session so the next EnsureReady re-probes.
// Workers call it after errors that smell like a dead browser connection.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.allocator = nil
	m.allocCancel = nil
	m.lastProbe = time.Time{}
	if m.state == StateReady {
		m.state = StateDegraded
	}
}

// Snapshot returns the current manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:         m.state,
		Retries:       m.retries,
		LastProbe:     m.lastProbe,
		CooldownUntil: m.cooldownUntil,
		DebugHost:     m.cfg.DebugHost,
	}
}

// Close tears down the allocator and any self-launched browser.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocator = nil
		m.allocCancel = nil
	}
	if m.terminate != nil {
		m.terminate()
		m.terminate = nil
	}
	m.state = StateDisconnected
}

// probeDevtools checks the DevTools version endpoint with a short timeout.
func (m *Manager) probeDevtools(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/json/version", m.cfg.DebugHost)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe devtools: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe devtools: status %d", resp.StatusCode)
	}
	return nil
}

// launchChrome starts a fresh browser process in an isolated profile
// directory, exposing the configured DevTools port.
func (m *Manager) launchChrome() (func(), error) {
	if m.cfg.ChromePath == "" {
		return nil, fmt.Errorf("no chrome binary configured, attach-only mode")
	}

	profile := filepath.Join(m.cfg.ProfileDir, uuid.NewString())
	if err := os.MkdirAll(profile, 0o750); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%s", portOf(m.cfg.DebugHost)),
		fmt.Sprintf("--user-data-dir=%s", profile),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-default-apps",
		"--disable-popup-blocking",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-ipc-flooding-protection",
		"--disable-blink-features=AutomationControlled",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-hang-monitor",
		"--disable-prompt-on-repost",
		"--metrics-recording-only",
		"--window-size=1920,1080",
	}
	if m.cfg.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.Command(m.cfg.ChromePath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	m.logger.Info("launched chrome",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("profile", profile),
	)

	terminate := func() {
		if cmd.Process == nil {
			return
		}
		if err := cmd.Process.Kill(); err != nil {
			m.logger.Warn("kill chrome", zap.Error(err))
		}
		// Reap the process so it does not linger as a zombie.
		go func() { _ = cmd.Wait() }()
		if err := os.RemoveAll(profile); err != nil {
			m.logger.Warn("remove profile dir", zap.Error(err))
		}
	}
	return terminate, nil
}

func portOf(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[i+1:]
		}
	}
	return "9222"
}

// sleepCtx sleeps for d unless the context finishes first; it reports
// whether the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
