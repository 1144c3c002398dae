package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gantry/internal/breaker"
	"gantry/internal/config"
	"gantry/internal/daemon"
	"gantry/internal/destinations"
	"gantry/internal/destinations/httpdest"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/pipeline"
	"gantry/internal/queue"
	"gantry/internal/ratelimit"
	"gantry/internal/retry"
	"gantry/internal/stage"
	"gantry/internal/stages"
	"gantry/internal/uploader"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd, cfg)
		},
	}
}

func runDaemon(cmd *cobra.Command, cfg *config.Config) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}

	registry, limiter, err := buildDestinations(cfg)
	if err != nil {
		store.Close()
		return err
	}
	breakers := breaker.NewRegistry(breaker.Config{
		MaxFailures:  cfg.Resilience.BreakerMaxFailures,
		OpenDuration: time.Duration(cfg.Resilience.BreakerOpenSeconds) * time.Second,
	})
	executor := retry.New(retry.Policy{
		MaxRetries:  cfg.Resilience.RetryMaxRetries,
		BaseDelay:   time.Duration(cfg.Resilience.RetryBaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Resilience.RetryMaxDelayMS) * time.Millisecond,
		BackoffBase: cfg.Resilience.RetryBackoffBase,
	})

	notifier := notifications.NewFromConfig(cfg, logger)
	orchestrator := uploader.New(cfg, store, registry, breakers, limiter, executor, logger)

	handlers := map[queue.Stage]stage.Handler{
		queue.StageScan:     stages.NewScanner(cfg, logger),
		queue.StageAnalyze:  stages.NewAnalyzer(cfg, logger),
		queue.StageRename:   stages.NewRenamer(cfg, logger),
		queue.StagePrepare:  stages.NewPreparer(cfg, logger),
		queue.StageMetadata: stages.NewMetadataGenerator(cfg, logger),
		queue.StageUpload:   orchestrator,
	}
	engine := pipeline.NewEngine(cfg, store, handlers, notifier, logger)
	manager := pipeline.NewManager(cfg, store, engine, logger)

	for _, health := range engine.HealthChecks(signalCtx) {
		if !health.Ready {
			logger.Warn("stage dependency not ready",
				logging.String("stage", health.Name),
				logging.String("detail", health.Detail))
		}
	}

	d, err := daemon.New(cfg, store, manager, logger)
	if err != nil {
		store.Close()
		return err
	}
	if err := d.Start(signalCtx); err != nil {
		store.Close()
		return err
	}
	defer d.Close()

	<-signalCtx.Done()
	return nil
}

// buildDestinations registers one HTTP client per enabled site and sizes its
// rate bucket from the site's own limits.
func buildDestinations(cfg *config.Config) (*destinations.Registry, *ratelimit.Limiter, error) {
	registry := destinations.NewRegistry()
	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: cfg.Resilience.RatePerSecond,
		Burst:         cfg.Resilience.RateBurst,
	})
	callTimeout := time.Duration(cfg.Workflow.CallTimeout) * time.Second

	for _, name := range cfg.EnabledDestinations() {
		site := cfg.Destinations.Sites[name]
		if err := registry.Register(httpdest.New(name, site, callTimeout)); err != nil {
			return nil, nil, err
		}
		limiter.Configure("destination:"+name, ratelimit.Config{
			RatePerSecond: site.RatePerSecond,
			Burst:         site.RateBurst,
		})
	}
	return registry, limiter, nil
}
