package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/graph-relay/config"
	"github.com/target/graph-relay/internal/adapters/chainwatch"
	"github.com/target/graph-relay/internal/adapters/graphqlbackend"
	"github.com/target/graph-relay/internal/adapters/queries"
	"github.com/target/graph-relay/internal/adapters/redisbus"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/data/cryptoutil"
	"github.com/target/graph-relay/internal/observability/statsd"
	"github.com/target/graph-relay/internal/service"
)

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// buildObservability configures the metric sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildRelayService wires the full relay pipeline: jobs, query source,
// backend factory, block streams, dedup and publish.
func buildRelayService(cfg *ServiceOrchestrationConfig, obs ObservabilityContainer, logger *slog.Logger) (*service.DispatcherService, error) {
	relayCfg := cfg.Config.Relay

	jobs, err := LoadJobs(relayCfg.JobsFile)
	if err != nil {
		return nil, err
	}

	digester, err := cryptoutil.NewDigester(relayCfg.DigestKey)
	if err != nil {
		return nil, fmt.Errorf("create digester: %w", err)
	}

	bus, err := redisbus.NewBus(redisbus.Options{
		Client: cfg.RedisClient,
		Stream: relayCfg.Stream,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create message bus: %w", err)
	}

	publisher, err := service.NewPublishService(service.PublishServiceOptions{
		Digester:    digester,
		Ledger:      data.NewLedgerRepo(cfg.DB),
		Bus:         bus,
		Source:      relayCfg.Source,
		Concurrency: relayCfg.QueryConcurrency,
		Logger:      logger,
		Metrics:     obs.MetricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("create publish pipeline: %w", err)
	}

	return service.NewDispatcherService(service.DispatcherServiceOptions{
		Jobs:     jobs,
		Sink:     publisher,
		Backends: graphqlbackend.Factory(nil, logger),
		Queries:  queries.NewDirSource(relayCfg.QueriesDir),
		Blocks:   chainwatch.NewProvider(relayCfg.ChainEndpoints, logger),
		Retry: service.RetryPolicy{
			Delay:      relayCfg.RetryDelay,
			MaxRetries: relayCfg.MaxBatchRetries,
		},
		Probe: service.ProbePolicy{
			Attempts: relayCfg.SchemaProbeAttempts,
			Delay:    relayCfg.SchemaProbeDelay,
		},
		Concurrency: relayCfg.QueryConcurrency,
		Logger:      logger,
		Metrics:     obs.MetricsSink,
	})
}

func buildSweeperService(cfg *ServiceOrchestrationConfig, obs ObservabilityContainer, logger *slog.Logger) (*service.SweeperService, error) {
	return service.NewSweeperService(service.SweeperServiceOptions{
		Ledger:  data.NewLedgerRepo(cfg.DB),
		Config:  cfg.Config.Sweeper,
		Logger:  logger,
		Metrics: obs.MetricsSink,
	})
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

func launchBackground(
	ctx context.Context,
	logger *slog.Logger,
	errCh chan<- error,
	descriptor backgroundService,
) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()
	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return backgroundServiceHandle{name: descriptor.name, done: done}
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, len(enabledServices)+1)

	obs := buildObservability(logger, cfg.Config.Observability)
	if obs.MetricsSink != nil {
		defer func() {
			if cerr := obs.MetricsSink.Close(); cerr != nil {
				logger.Warn("close statsd client failed", "error", cerr)
			}
		}()
	}

	handles := make([]backgroundServiceHandle, 0, len(enabledServices))

	if enabledServices[config.ServiceModeRelay] {
		dispatcher, buildErr := buildRelayService(cfg, obs, logger)
		if buildErr != nil {
			return fmt.Errorf("build relay service: %w", buildErr)
		}
		handles = append(handles, launchBackground(serviceCtx, logger, errCh, backgroundService{
			mode:  config.ServiceModeRelay,
			name:  "relay",
			start: dispatcher.Run,
		}))
	}

	if enabledServices[config.ServiceModeSweeper] {
		sweeper, buildErr := buildSweeperService(cfg, obs, logger)
		if buildErr != nil {
			return fmt.Errorf("build sweeper service: %w", buildErr)
		}
		handles = append(handles, launchBackground(serviceCtx, logger, errCh, backgroundService{
			mode:  config.ServiceModeSweeper,
			name:  "sweeper",
			start: sweeper.Run,
		}))
	}

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
