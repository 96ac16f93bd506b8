package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/archive"
	"github.com/miradorstack/mirador-remediator/internal/breaker"
	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/consensus"
	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/escalation"
	"github.com/miradorstack/mirador-remediator/internal/ingest"
	"github.com/miradorstack/mirador-remediator/internal/lease"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/patterns"
	"github.com/miradorstack/mirador-remediator/internal/runner"
	"github.com/miradorstack/mirador-remediator/internal/services"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/telemetry"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the gRPC/HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-remediator", slog.String("address", cfg.Server.Address), slog.String("version", version))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown", slog.Any("error", err))
		}
	}()

	st, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN}, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	breakers := breaker.New(st, breaker.Config{
		Threshold:   cfg.Breaker.Threshold,
		Cooldown:    cfg.Breaker.Cooldown,
		MaxCooldown: cfg.Breaker.MaxCooldown,
	}, breaker.WithLogger(logger))

	agents, err := buildAgents(cfg)
	if err != nil {
		return err
	}
	runnerOpts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithEvidence(engine.PriorEvidence(st, logger)),
	}
	if sampler, err := runner.NewProcSampler(cfg.Runner.ProcMount); err != nil {
		logger.Warn("host load sampling unavailable; dispatch is not load gated", slog.Any("error", err))
	} else {
		runnerOpts = append(runnerOpts, runner.WithSampler(sampler))
	}
	agentRunner, err := runner.New(agents, st, runner.Config{
		Concurrency:        cfg.Runner.Concurrency,
		AgentTimeout:       cfg.Runner.AgentTimeout,
		ProtocolConstraint: cfg.Runner.ProtocolConstraint,
		Load: runner.LoadPolicy{
			CPUThreshold:    cfg.Runner.CPUThreshold,
			MemoryThreshold: cfg.Runner.MemoryThreshold,
			InitialBackoff:  cfg.Runner.LoadBackoff,
			MaxBackoff:      cfg.Runner.LoadMaxBackoff,
			MaxWait:         cfg.Runner.LoadMaxWait,
		},
	}, runnerOpts...)
	if err != nil {
		return fmt.Errorf("failed to build agent runner: %w", err)
	}

	rules, err := escalation.LoadSeverityRules(cfg.Escalation.RulesPath, cfg.Scheduler.EscalationThreshold, logger)
	if err != nil {
		return fmt.Errorf("failed to load severity rules: %w", err)
	}
	gateway := escalation.NewGateway(st, breakers, rules, logger)

	schedulerOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(telemetry.Tracer()),
	}
	if cfg.Escalation.StaleCommand != "" {
		schedulerOpts = append(schedulerOpts, engine.WithStaleChecker(escalation.CommandStaleChecker{
			Path:    cfg.Escalation.StaleCommand,
			Args:    cfg.Escalation.StaleArgs,
			Timeout: cfg.Escalation.StaleTimeout,
		}))
	}
	if cfg.Lease.Enabled {
		locker, err := lease.NewRedisLocker(ctx, lease.RedisConfig{
			Addr:        cfg.Lease.Addr,
			Username:    cfg.Lease.Username,
			Password:    cfg.Lease.Password,
			DB:          cfg.Lease.DB,
			KeyPrefix:   cfg.Lease.KeyPrefix,
			DialTimeout: cfg.Lease.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect lease store: %w", err)
		}
		defer func() { _ = locker.Close() }()
		schedulerOpts = append(schedulerOpts, engine.WithLocker(locker))
		logger.Info("class leases shared through redis", slog.String("addr", cfg.Lease.Addr))
	}

	scheduler := engine.New(engine.Config{
		Period:              cfg.Scheduler.Period,
		EscalationThreshold: cfg.Scheduler.EscalationThreshold,
		LeaseTTL:            cfg.Lease.TTL,
	}, st, agentRunner, breakers, consensus.NewArbiter(logger), gateway, patterns.NewProfiler(logger, st), schedulerOpts...)

	service := services.NewRemediatorService(logger, st, gateway, breakers, agentRunner, scheduler,
		services.WithReportLimit(cfg.Server.ReportRate, cfg.Server.ReportBurst))

	server, err := api.NewServer(cfg.Server, service,
		grpc.ChainUnaryInterceptor(api.UnaryAuthInterceptor(api.NewTokenValidator(cfg.Auth.Secret, cfg.Auth.Issuer))))
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}
	if cfg.Auth.Secret == "" {
		logger.Warn("auth secret not configured; mutating RPCs are unauthenticated")
	}

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		if err := scheduler.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})

	if cfg.Spool.Enabled {
		spool, err := ingest.NewSpool(ingest.Config{
			Dir:           cfg.Spool.Dir,
			Debounce:      cfg.Spool.Debounce,
			Rescan:        cfg.Spool.Rescan,
			RatePerSecond: cfg.Server.ReportRate,
			Burst:         cfg.Server.ReportBurst,
		}, st, logger)
		if err != nil {
			stop()
			_ = workers.Wait()
			return fmt.Errorf("failed to open spool: %w", err)
		}
		workers.Go(func() error {
			if err := spool.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("spool: %w", err)
			}
			return nil
		})
	}

	if cfg.Archive.Enabled {
		archiver, err := buildArchiver(ctx, cfg, st, logger)
		if err != nil {
			stop()
			_ = workers.Wait()
			return err
		}
		workers.Go(func() error {
			archiver.RunEvery(workerCtx, cfg.Archive.Interval)
			return nil
		})
	}

	var httpServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		httpServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      api.NewHTTPHandler(prometheus.DefaultGatherer, service, st.Ping, logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-workerCtx.Done()
	logger.Info("shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if httpServer != nil {
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(httpCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		cancelHTTP()
	}

	err = workers.Wait()
	logger.Info("mirador-remediator stopped")
	return err
}

func buildAgents(cfg *config.Config) ([]runner.Agent, error) {
	agents := make([]runner.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		switch a.Type {
		case "", "exec":
			agents = append(agents, runner.NewExecAgent(a.Name, a.Path, a.Args, a.Env, a.Grace))
		case "http":
			client := &http.Client{Timeout: cfg.Runner.AgentTimeout + 5*time.Second}
			agents = append(agents, runner.NewHTTPAgent(a.Name, a.Endpoint, a.Token, client))
		default:
			return nil, fmt.Errorf("agent %s: unsupported type %q", a.Name, a.Type)
		}
	}
	return agents, nil
}

func buildArchiver(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*archive.Archiver, error) {
	sink, err := archive.NewSink(ctx, archive.SinkConfig{
		Type:     archive.SinkType(cfg.Archive.Sink),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive sink: %w", err)
	}
	archiver, err := archive.NewArchiver(st, sink, archive.Config{
		Retention: cfg.Archive.Retention,
		BatchSize: cfg.Archive.BatchSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create archiver: %w", err)
	}
	return archiver, nil
}
