// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Solver      SolverConfig      `mapstructure:"solver"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	Queue       QueueConfig       `mapstructure:"queue"`
	History     HistoryConfig     `mapstructure:"history"`
	Events      EventsConfig      `mapstructure:"events"`
	Artifacts   ArtifactsConfig   `mapstructure:"artifacts"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the API key the wire endpoints require.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SolverConfig governs the worker pool and job lifecycle.
type SolverConfig struct {
	Workers            int    `mapstructure:"workers"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	JobTTLSeconds      int    `mapstructure:"job_ttl_seconds"`
	RetentionSeconds   int    `mapstructure:"retention_seconds"`
	SweepSeconds       int    `mapstructure:"sweep_seconds"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	MaxProxyAttempts   int    `mapstructure:"max_proxy_attempts"`
	StageTimeoutSec    int    `mapstructure:"stage_timeout_seconds"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	VerifyTimeoutSec   int    `mapstructure:"verify_timeout_seconds"`
	AudioTimeoutSec    int    `mapstructure:"audio_timeout_seconds"`
	UserAgent          string `mapstructure:"user_agent"`
	ArtifactsOnFailure bool   `mapstructure:"archive_artifacts_on_failure"`
}

// BrowserConfig configures the shared browser session manager.
type BrowserConfig struct {
	DebugHost        string `mapstructure:"debug_host"`
	ChromePath       string `mapstructure:"chrome_path"`
	Headless         bool   `mapstructure:"headless"`
	ProfileDir       string `mapstructure:"profile_dir"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffMs        int    `mapstructure:"backoff_ms"`
	ConnectWindowSec int    `mapstructure:"connect_window_seconds"`
	CooldownSec      int    `mapstructure:"cooldown_seconds"`
	ProbeIntervalSec int    `mapstructure:"probe_interval_seconds"`
}

// ProxyConfig controls the proxy pool, testing, and persistence.
type ProxyConfig struct {
	Sources            []string `mapstructure:"sources"`
	CheckURL           string   `mapstructure:"check_url"`
	File               string   `mapstructure:"file"`
	Policy             string   `mapstructure:"policy"`
	TargetCount        int      `mapstructure:"target_count"`
	TestCount          int      `mapstructure:"test_count"`
	TestParallel       int      `mapstructure:"test_parallel"`
	TestTimeoutSec     int      `mapstructure:"test_timeout_seconds"`
	MinProxies         int      `mapstructure:"min_proxies"`
	MaxFailRatio       float64  `mapstructure:"max_fail_ratio"`
	MinSamples         int      `mapstructure:"min_samples"`
	SaveEvery          int      `mapstructure:"save_every"`
	RefreshIntervalMin int      `mapstructure:"refresh_interval_minutes"`
	GeoIPPath          string   `mapstructure:"geoip_path"`
}

// TranscriberConfig points at the external solution provider.
type TranscriberConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend     string `mapstructure:"backend"`
	RabbitURL   string `mapstructure:"rabbit_url"`
	RabbitQueue string `mapstructure:"rabbit_queue"`
}

// HistoryConfig controls the optional Postgres solve archive.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// EventsConfig holds metadata for publish-subscribe notifications.
type EventsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArtifactsConfig selects where failed-job challenge artifacts are archived.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTCHA_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5001)
	v.SetDefault("auth.api_key", "fake_680d0e29b28040ef")
	v.SetDefault("solver.workers", 4)
	v.SetDefault("solver.queue_depth", 64)
	v.SetDefault("solver.job_ttl_seconds", 180)
	v.SetDefault("solver.retention_seconds", 600)
	v.SetDefault("solver.sweep_seconds", 15)
	v.SetDefault("solver.max_attempts", 3)
	v.SetDefault("solver.max_proxy_attempts", 3)
	v.SetDefault("solver.stage_timeout_seconds", 20)
	v.SetDefault("solver.nav_timeout_seconds", 25)
	v.SetDefault("solver.verify_timeout_seconds", 15)
	v.SetDefault("solver.audio_timeout_seconds", 30)
	v.SetDefault("solver.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36")
	v.SetDefault("solver.archive_artifacts_on_failure", true)
	v.SetDefault("browser.debug_host", "127.0.0.1:9222")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.profile_dir", "/tmp/captcha-relay-profiles")
	v.SetDefault("browser.max_attempts", 3)
	v.SetDefault("browser.backoff_ms", 500)
	v.SetDefault("browser.connect_window_seconds", 30)
	v.SetDefault("browser.cooldown_seconds", 60)
	v.SetDefault("browser.probe_interval_seconds", 30)
	v.SetDefault("proxy.sources", []string{
		"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		"https://cdn.jsdelivr.net/gh/proxifly/free-proxy-list@main/proxies/protocols/http/data.txt",
	})
	v.SetDefault("proxy.check_url", "http://httpbin.org/ip")
	v.SetDefault("proxy.file", "working_proxies.json")
	v.SetDefault("proxy.policy", "random")
	v.SetDefault("proxy.target_count", 50)
	v.SetDefault("proxy.test_count", 100)
	v.SetDefault("proxy.test_parallel", 10)
	v.SetDefault("proxy.test_timeout_seconds", 10)
	v.SetDefault("proxy.min_proxies", 5)
	v.SetDefault("proxy.max_fail_ratio", 0.5)
	v.SetDefault("proxy.min_samples", 3)
	v.SetDefault("proxy.save_every", 10)
	v.SetDefault("proxy.refresh_interval_minutes", 60)
	v.SetDefault("transcriber.timeout_seconds", 30)
	v.SetDefault("transcriber.max_retries", 2)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.rabbit_queue", "captcha-jobs")
	v.SetDefault("history.table", "solves")
	v.SetDefault("artifacts.backend", "memory")
	v.SetDefault("artifacts.prefix", "artifacts")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set")
	}
	if c.Solver.Workers <= 0 {
		return fmt.Errorf("solver.workers must be > 0")
	}
	if c.Solver.JobTTLSeconds <= 0 {
		return fmt.Errorf("solver.job_ttl_seconds must be > 0")
	}
	if c.Proxy.MaxFailRatio <= 0 || c.Proxy.MaxFailRatio > 1 {
		return fmt.Errorf("proxy.max_fail_ratio must be in (0, 1]")
	}
	if c.Queue.Backend != "memory" && c.Queue.Backend != "rabbit" {
		return fmt.Errorf("queue.backend must be memory or rabbit")
	}
	if c.Queue.Backend == "rabbit" && c.Queue.RabbitURL == "" {
		return fmt.Errorf("queue.rabbit_url must be set when queue.backend is rabbit")
	}
	switch c.Artifacts.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("artifacts.backend must be memory, local, or gcs")
	}
	if c.Artifacts.Backend == "local" && c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir must be set when artifacts.backend is local")
	}
	if c.Artifacts.Backend == "gcs" && c.Artifacts.GCSBucket == "" {
		return fmt.Errorf("artifacts.gcs_bucket must be set when artifacts.backend is gcs")
	}
	return nil
}

// JobTTL converts the configured job time-to-live into a duration.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Solver.JobTTLSeconds) * time.Second
}
