// Package main wires together the captcha relay service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/api"
	artifactsGCS "github.com/solvekit/captcha-relay/internal/artifacts/gcs"
	artifactsLocal "github.com/solvekit/captcha-relay/internal/artifacts/local"
	artifactsMemory "github.com/solvekit/captcha-relay/internal/artifacts/memory"
	"github.com/solvekit/captcha-relay/internal/browser"
	"github.com/solvekit/captcha-relay/internal/captcha"
	"github.com/solvekit/captcha-relay/internal/clock/system"
	"github.com/solvekit/captcha-relay/internal/config"
	"github.com/solvekit/captcha-relay/internal/dispatcher"
	eventsMemory "github.com/solvekit/captcha-relay/internal/events/memory"
	eventsPubsub "github.com/solvekit/captcha-relay/internal/events/pubsub"
	historyPostgres "github.com/solvekit/captcha-relay/internal/history/postgres"
	"github.com/solvekit/captcha-relay/internal/logging"
	"github.com/solvekit/captcha-relay/internal/metrics"
	"github.com/solvekit/captcha-relay/internal/proxy"
	queueMemory "github.com/solvekit/captcha-relay/internal/queue/memory"
	queueRabbit "github.com/solvekit/captcha-relay/internal/queue/rabbit"
	"github.com/solvekit/captcha-relay/internal/registry"
	"github.com/solvekit/captcha-relay/internal/solver"
	"github.com/solvekit/captcha-relay/internal/transcribe"
	"github.com/solvekit/captcha-relay/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	var queue captcha.Queue
	switch cfg.Queue.Backend {
	case "rabbit":
		rabbitQueue, err := queueRabbit.NewQueue(queueRabbit.Config{
			URL:       cfg.Queue.RabbitURL,
			QueueName: cfg.Queue.RabbitQueue,
		}, logger.Named("queue"))
		if err != nil {
			logger.Fatal("rabbit queue init failed", zap.Error(err))
		}
		queue = rabbitQueue
	default:
		queue = queueMemory.NewQueue(cfg.Solver.QueueDepth)
	}

	reg := registry.New(registry.Config{
		TTL:       time.Duration(cfg.Solver.JobTTLSeconds) * time.Second,
		Retention: time.Duration(cfg.Solver.RetentionSeconds) * time.Second,
	}, queue, clock, logger.Named("registry"))

	browserMgr := browser.NewManager(browser.Config{
		DebugHost:     cfg.Browser.DebugHost,
		ChromePath:    cfg.Browser.ChromePath,
		Headless:      cfg.Browser.Headless,
		ProfileDir:    cfg.Browser.ProfileDir,
		MaxAttempts:   cfg.Browser.MaxAttempts,
		Backoff:       time.Duration(cfg.Browser.BackoffMs) * time.Millisecond,
		ConnectWindow: time.Duration(cfg.Browser.ConnectWindowSec) * time.Second,
		Cooldown:      time.Duration(cfg.Browser.CooldownSec) * time.Second,
		ProbeInterval: time.Duration(cfg.Browser.ProbeIntervalSec) * time.Second,
	}, logger.Named("browser"))
	defer browserMgr.Close()

	var geo *geoip2.Reader
	if cfg.Proxy.GeoIPPath != "" {
		geo, err = geoip2.Open(cfg.Proxy.GeoIPPath)
		if err != nil {
			logger.Warn("geoip database unavailable", zap.Error(err))
		} else {
			defer geo.Close()
		}
	}

	pool, err := proxy.NewPool(proxy.Config{
		Sources:      cfg.Proxy.Sources,
		File:         cfg.Proxy.File,
		Policy:       proxy.Policy(cfg.Proxy.Policy),
		TargetCount:  cfg.Proxy.TargetCount,
		TestCount:    cfg.Proxy.TestCount,
		TestParallel: cfg.Proxy.TestParallel,
		MinProxies:   cfg.Proxy.MinProxies,
		MaxFailRatio: cfg.Proxy.MaxFailRatio,
		MinSamples:   cfg.Proxy.MinSamples,
		SaveEvery:    cfg.Proxy.SaveEvery,
	},
		proxy.NewSourceFetcher(logger.Named("proxy-fetch")),
		proxy.NewLiveTester(
			cfg.Proxy.CheckURL,
			time.Duration(cfg.Proxy.TestTimeoutSec)*time.Second,
			geo,
			logger.Named("proxy-test"),
		),
		logger.Named("proxy"),
	)
	if err != nil {
		logger.Fatal("proxy pool init failed", zap.Error(err))
	}

	transcriber := transcribe.NewClient(transcribe.Config{
		Endpoint:   cfg.Transcriber.Endpoint,
		APIKey:     cfg.Transcriber.APIKey,
		Timeout:    time.Duration(cfg.Transcriber.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Transcriber.MaxRetries,
	}, logger.Named("transcribe"))

	challengeSolver := solver.New(solver.Config{
		StageTimeout:  time.Duration(cfg.Solver.StageTimeoutSec) * time.Second,
		NavTimeout:    time.Duration(cfg.Solver.NavTimeoutSec) * time.Second,
		VerifyTimeout: time.Duration(cfg.Solver.VerifyTimeoutSec) * time.Second,
		AudioTimeout:  time.Duration(cfg.Solver.AudioTimeoutSec) * time.Second,
		UserAgent:     cfg.Solver.UserAgent,
	}, transcriber, logger.Named("solver"))

	var publisher captcha.Publisher
	if cfg.Events.ProjectID != "" && cfg.Events.TopicName != "" {
		pubsubClient, err := gcpubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer pubsubClient.Close()
		publisher = eventsPubsub.New(pubsubClient.Topic(cfg.Events.TopicName))
	} else {
		publisher = eventsMemory.New()
	}

	var artifacts captcha.ArtifactStore
	switch cfg.Artifacts.Backend {
	case "local":
		artifacts, err = artifactsLocal.New(artifactsLocal.Config{BaseDir: cfg.Artifacts.Dir})
		if err != nil {
			logger.Fatal("local artifact store init failed", zap.Error(err))
		}
	case "gcs":
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer storageClient.Close()
		artifacts, err = artifactsGCS.New(storageClient, artifactsGCS.Config{Bucket: cfg.Artifacts.GCSBucket})
		if err != nil {
			logger.Fatal("gcs artifact store init failed", zap.Error(err))
		}
	default:
		artifacts = artifactsMemory.New()
	}

	var history captcha.HistoryStore
	if cfg.History.DSN != "" {
		solveStore, err := historyPostgres.NewSolveStore(ctx, historyPostgres.SolveStoreConfig{
			DSN:   cfg.History.DSN,
			Table: cfg.History.Table,
		})
		if err != nil {
			logger.Fatal("history store init failed", zap.Error(err))
		}
		defer solveStore.Close()
		history = solveStore
	}

	workerCfg := worker.Config{
		MaxAttempts:        cfg.Solver.MaxAttempts,
		MaxProxyAttempts:   cfg.Solver.MaxProxyAttempts,
		JobTimeout:         time.Duration(cfg.Solver.JobTTLSeconds) * time.Second,
		Topic:              cfg.Events.TopicName,
		ArtifactPrefix:     cfg.Artifacts.Prefix,
		ArtifactsOnFailure: cfg.Solver.ArtifactsOnFailure,
	}

	var workers []*worker.Worker
	for i := 0; i < cfg.Solver.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			reg,
			browserMgr,
			pool,
			challengeSolver,
			publisher,
			artifacts,
			history,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(workers, logger.Named("dispatcher"))

	apiServer := api.NewServer(reg, browserMgr, pool, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Solver.Workers))
		dispatch.Run(ctx)
	}()
	go reg.RunSweeper(ctx, time.Duration(cfg.Solver.SweepSeconds)*time.Second)
	go pool.Maintain(ctx, time.Duration(cfg.Proxy.RefreshIntervalMin)*time.Minute)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}
