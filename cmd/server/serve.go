package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/fleet-orchestrator/internal/api"
	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/lifecycle"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
	"github.com/t77yq/fleet-orchestrator/internal/recovery"
	"github.com/t77yq/fleet-orchestrator/internal/resource"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
	"github.com/t77yq/fleet-orchestrator/internal/transport"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", zap.Error(err))
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var (
		recorder telemetry.Recorder = telemetry.Nop{}
		metrics  http.Handler
	)
	if cfg.HTTP.Metrics {
		prom := telemetry.NewPrometheusRecorder()
		recorder = prom
		metrics = prom.Handler()
	}

	var gpus resource.GPUProbe = resource.NopGPUProbe{}
	if cfg.Resources.GPUCount > 0 || cfg.Resources.VRAMTotal > 0 {
		gpus = resource.StaticGPUProbe{Count: cfg.Resources.GPUCount, VRAMTotal: cfg.Resources.VRAMTotal}
	}
	capacity := cfg.Resources.Capacity
	if cfg.Resources.Discover {
		discovered, err := resource.DiscoverCapacity(ctx, capacity, cfg.Resources.DiskPath, gpus, logger)
		if err != nil {
			return fmt.Errorf("failed to discover capacity: %w", err)
		}
		capacity = discovered
	}

	allocCfg, err := cfg.AllocatorConfig(capacity)
	if err != nil {
		return err
	}
	allocator := resource.NewAllocator(allocCfg, recorder, logger)
	breakers := scheduler.NewBreakerRegistry(cfg.BreakerConfig(), recorder, logger)
	sched := scheduler.NewTaskScheduler(cfg.TaskSchedulerConfig(), breakers, allocator, logger)
	sched.SetRecorder(recorder)

	var retainer orchestrator.Retainer
	if cfg.Storage.Enabled {
		archive, err := storage.NewSQLiteTaskArchive(cfg.Storage.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open task archive: %w", err)
		}
		defer archive.Close()
		sched.SetArchiver(archive)
		retainer = archive
	}

	analyzer := monitor.NewPredictiveAnalyzer(cfg.Analyzer, recorder, logger)

	runtimes := map[model.ProcessRuntime]lifecycle.Runtime{
		model.RuntimeExec: lifecycle.NewExecRuntime(logger),
	}
	if cfg.HasContainers() {
		docker, err := lifecycle.NewDockerRuntime(logger)
		if err != nil {
			return fmt.Errorf("failed to create docker runtime: %w", err)
		}
		runtimes[model.RuntimeContainer] = docker
	}
	lc, err := lifecycle.NewController(cfg.ControllerConfig(), cfg.Processes, runtimes, logger)
	if err != nil {
		return fmt.Errorf("failed to create lifecycle controller: %w", err)
	}

	rec := recovery.NewManager(cfg.RecoveryManagerConfig(), lc, recorder, logger)
	broadcaster := monitor.NewBroadcaster(logger)
	collector := monitor.NewMetricsCollector(
		monitor.SystemProbe{DiskPath: cfg.Resources.DiskPath},
		cfg.Orchestrator.HostSampleInterval, logger)

	components := orchestrator.Components{
		Scheduler:   sched,
		Breakers:    breakers,
		Allocator:   allocator,
		Analyzer:    analyzer,
		Lifecycle:   lc,
		Recovery:    rec,
		Broadcaster: broadcaster,
		Collector:   collector,
		Retainer:    retainer,
	}

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.Embedded {
			ns, err := startEmbeddedNATS(cfg.NATS, logger)
			if err != nil {
				return err
			}
			defer ns.Shutdown()
			url = ns.ClientURL()
		}

		nc, err = connectNATS(url, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if err := transport.SetupTaskStream(ctx, js, logger); err != nil {
			return err
		}
		components.Dispatcher = transport.NewTaskDispatcher(js, logger)
	}

	orch, err := orchestrator.New(cfg.LoopConfig(), components, logger)
	if err != nil {
		return err
	}

	if cfg.Lifecycle.AutoStart && len(cfg.Processes) > 0 {
		if err := lc.StartAll(ctx); err != nil {
			logger.Warn("Some managed processes failed to start", zap.Error(err))
		}
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		lc.StopAll(stopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	if nc != nil {
		actions := transport.NewActionServer(nc, orch, cfg.Actions, logger)
		if err := actions.Start(gctx); err != nil {
			return err
		}
		defer actions.Stop()

		results := transport.NewResultConsumer(js, orch, logger)
		if err := results.Start(gctx); err != nil {
			return err
		}
		defer results.Stop()

		publisher := transport.NewStatusPublisher(nc, broadcaster, logger)
		g.Go(func() error {
			return publisher.Run(gctx)
		})
	}

	if cfg.HTTP.Enabled {
		server := api.NewServer(cfg.HTTP.Config, orch, orch, broadcaster, metrics, logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	logger.Info("Fleet orchestrator started",
		zap.Int("processes", len(cfg.Processes)),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("http", cfg.HTTP.Enabled),
		zap.Bool("storage", cfg.Storage.Enabled))

	err = g.Wait()
	logger.Info("Shutting down...")
	return err
}
