// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/queueforge/queueforge/internal/admin"
	"github.com/queueforge/queueforge/internal/bridge"
	"github.com/queueforge/queueforge/internal/config"
	"github.com/queueforge/queueforge/internal/jobqueue"
	"github.com/queueforge/queueforge/internal/obs"
	"github.com/queueforge/queueforge/internal/reaper"
	"github.com/queueforge/queueforge/internal/redisclient"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var adminIDs string
	var adminDest string
	var benchCount int
	var benchRate int
	var benchJobType string
	var benchTimeout time.Duration
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "engine", "Role to run: engine|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-failed|requeue-failed|bench")
	fs.StringVar(&adminQueue, "queue", "default", "Queue name for admin peek/purge/bench")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.StringVar(&adminIDs, "ids", "", "Comma-separated job ids for requeue-failed")
	fs.StringVar(&adminDest, "dest-queue", "", "Destination queue for requeue-failed (defaults to original)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.IntVar(&benchCount, "bench-count", 1000, "Admin bench: number of jobs")
	fs.IntVar(&benchRate, "bench-rate", 500, "Admin bench: enqueue rate jobs/sec")
	fs.StringVar(&benchJobType, "bench-type", "noop", "Admin bench: job type to submit")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Admin bench: timeout to wait for completion")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	storage, closeStorage, err := buildStorage(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build storage", obs.Err(err))
	}
	defer closeStorage()

	bus, closeBus, err := buildEventBus(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build event bus", obs.Err(err))
	}
	defer closeBus()

	svc := buildService(cfg, storage, bus, logger)
	for name, qcfg := range cfg.Queues {
		svc.EnsureQueue(name, jobqueue.QueueConfig{
			Concurrency:       qcfg.Concurrency,
			DefaultTimeout:    qcfg.DefaultTimeout,
			DefaultMaxRetries: qcfg.DefaultMaxRetries,
		})
	}
	// A handler type every deployment can rely on, used by admin bench and
	// smoke-testing: it succeeds immediately with no side effects.
	for name := range cfg.Queues {
		svc.RegisterHandler(name, "noop", func(hctx *jobqueue.HandlerContext) (any, error) {
			return map[string]any{"ok": true}, nil
		})
	}

	if role == "admin" {
		runAdmin(context.Background(), svc, adminCmd, adminQueue, adminN, adminYes, adminIDs, adminDest, benchCount, benchRate, benchJobType, benchTimeout, logger)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		return storage.HealthCheck(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, func(sampleCtx context.Context) map[string]int {
		totals := make(map[string]int)
		for name, st := range svc.AllStats(sampleCtx) {
			totals[name] = st.Total
		}
		return totals
	}, logger)

	rep := reaper.New(svc, svc.ListQueues(), 30*time.Second, 5*time.Minute, logger)
	go rep.Run(ctx)

	if err := svc.StartAll(); err != nil {
		logger.Fatal("failed to start queue instances", obs.Err(err))
	}
	logger.Info("jobqueue engine started", obs.String("server_id", cfg.ServerID), obs.Int("queues", len(cfg.Queues)))

	<-ctx.Done()
	if err := svc.StopAll(jobqueue.StopAllOptions{Graceful: true, Timeout: 10 * time.Second}); err != nil {
		logger.Warn("graceful shutdown returned error", obs.Err(err))
	}
}

func buildStorage(cfg *config.Config, logger *zap.Logger) (jobqueue.Storage, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		rdb := redisclient.New(cfg.Storage.Redis)
		storage := jobqueue.NewRedisStorage(rdb, "")
		if err := storage.Connect(context.Background()); err != nil {
			rdb.Close()
			return nil, func() {}, fmt.Errorf("connect to redis: %w", err)
		}
		return storage, func() { rdb.Close() }, nil
	default:
		return jobqueue.NewMemoryStorage(), func() {}, nil
	}
}

func buildEventBus(cfg *config.Config, logger *zap.Logger) (jobqueue.EventBus, func(), error) {
	switch cfg.EventBus.Kind {
	case "nats":
		natsBus, err := bridge.NewNATSBus(cfg.EventBus.NATS.URL, cfg.EventBus.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, func() {}, err
		}
		return natsBus, func() { _ = natsBus.Close() }, nil
	case "webhook":
		webhookBus := bridge.NewWebhookBus(cfg.EventBus.Webhook.URL, cfg.EventBus.Webhook.Secret, cfg.EventBus.Webhook.Timeout, cfg.EventBus.Webhook.MaxRetries, logger)
		return webhookBus, func() { _ = webhookBus.Close() }, nil
	default:
		return jobqueue.NoopEventBus{}, func() {}, nil
	}
}

func buildService(cfg *config.Config, storage jobqueue.Storage, bus jobqueue.EventBus, logger *zap.Logger) *jobqueue.Service {
	return jobqueue.NewService(jobqueue.ServiceConfig{
		ServerID: cfg.ServerID,
		CircuitBreaker: jobqueue.CircuitBreakerConfig{
			Window:           cfg.CircuitBreaker.Window,
			CooldownPeriod:   cfg.CircuitBreaker.CooldownPeriod,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			MinSamples:       cfg.CircuitBreaker.MinSamples,
		},
	}, storage, bus, logger)
}

func runAdmin(ctx context.Context, svc *jobqueue.Service, cmd, queue string, n int, yes bool, ids, dest string, benchCount, benchRate int, benchJobType string, benchTimeout time.Duration, logger *zap.Logger) {
	switch cmd {
	case "stats":
		res := admin.Stats(ctx, svc)
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		res, err := admin.Peek(ctx, svc, queue, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-failed":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		purged, err := admin.PurgeFailed(ctx, svc, queue)
		if err != nil {
			logger.Fatal("admin purge-failed error", obs.Err(err))
		}
		payload, _ := json.Marshal(struct {
			Purged int `json:"purged"`
		}{Purged: purged})
		fmt.Println(string(payload))
	case "requeue-failed":
		if ids == "" {
			logger.Fatal("admin requeue-failed requires --ids")
		}
		res, err := admin.RequeueFailed(ctx, svc, splitIDs(ids), dest)
		if err != nil {
			logger.Fatal("admin requeue-failed error", obs.Err(err))
		}
		payload, _ := json.Marshal(struct {
			Requeued int `json:"requeued"`
		}{Requeued: res})
		fmt.Println(string(payload))
	case "bench":
		res, err := admin.Bench(ctx, svc, queue, benchJobType, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func splitIDs(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
