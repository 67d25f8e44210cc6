package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  api_key: secret
solver:
  workers: 8
  queue_depth: 128
  job_ttl_seconds: 120
  max_proxy_attempts: 5
browser:
  debug_host: 127.0.0.1:9333
  headless: false
proxy:
  target_count: 25
  test_count: 50
  min_proxies: 3
  max_fail_ratio: 0.4
  policy: latency_weighted
transcriber:
  endpoint: http://localhost:9000/transcribe
  api_key: whisper-key
queue:
  backend: memory
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected api key override to apply")
	}
	if cfg.Solver.Workers != 8 || cfg.Solver.MaxProxyAttempts != 5 {
		t.Fatalf("expected solver overrides to apply: %+v", cfg.Solver)
	}
	if cfg.Browser.DebugHost != "127.0.0.1:9333" || cfg.Browser.Headless {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Proxy.Policy != "latency_weighted" || cfg.Proxy.MaxFailRatio != 0.4 {
		t.Fatalf("expected proxy overrides to apply: %+v", cfg.Proxy)
	}
	// Defaults survive partial overrides.
	if cfg.Proxy.CheckURL != "http://httpbin.org/ip" {
		t.Fatalf("expected default check url, got %q", cfg.Proxy.CheckURL)
	}
	if len(cfg.Proxy.Sources) != 2 {
		t.Fatalf("expected default proxy sources, got %v", cfg.Proxy.Sources)
	}
	if cfg.Solver.AudioTimeoutSec != 30 {
		t.Fatalf("expected default audio timeout, got %d", cfg.Solver.AudioTimeoutSec)
	}
	if got := cfg.JobTTL(); got != 120*time.Second {
		t.Fatalf("expected job ttl 120s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 5001},
		Auth:   AuthConfig{APIKey: "key"},
		Solver: SolverConfig{Workers: 2, JobTTLSeconds: 60},
		Proxy:  ProxyConfig{MaxFailRatio: 0.5},
		Queue:  QueueConfig{Backend: "memory"},
		Artifacts: ArtifactsConfig{
			Backend: "memory",
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing api key",
			cfg: func() Config {
				c := base
				c.Auth.APIKey = ""
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Solver.Workers = 0
				return c
			}(),
			want: "solver.workers",
		},
		{
			name: "invalid ttl",
			cfg: func() Config {
				c := base
				c.Solver.JobTTLSeconds = 0
				return c
			}(),
			want: "solver.job_ttl_seconds",
		},
		{
			name: "invalid fail ratio",
			cfg: func() Config {
				c := base
				c.Proxy.MaxFailRatio = 1.5
				return c
			}(),
			want: "proxy.max_fail_ratio",
		},
		{
			name: "unknown queue backend",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "sqs"
				return c
			}(),
			want: "queue.backend",
		},
		{
			name: "rabbit without url",
			cfg: func() Config {
				c := base
				c.Queue.Backend = "rabbit"
				return c
			}(),
			want: "queue.rabbit_url",
		},
		{
			name: "local artifacts without dir",
			cfg: func() Config {
				c := base
				c.Artifacts.Backend = "local"
				return c
			}(),
			want: "artifacts.dir",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
