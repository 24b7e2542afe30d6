package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/cycle"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/gitops"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/metrics"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-cycle-orchestrator/web/api"
)

var (
	servePort   int
	promptsDir  string
	skipRecover bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&promptsDir, "prompts", "", "directory with prompt template overrides")
	serveCmd.Flags().BoolVar(&skipRecover, "no-recover", false, "leave interrupted jobs untouched at startup")
	rootCmd.AddCommand(serveCmd)
}

// eventLog is what both the broadcaster and the janitor need from the
// configured event store
type eventLog interface {
	broadcast.EventLog
	maintenance.EventLog
}

func openEventLog(ctx context.Context, cfg *config.Config, st *store.Store) (eventLog, func(), error) {
	if cfg.EventLog.Driver != config.EventLogPostgres {
		return st, func() {}, nil
	}
	pg, err := store.OpenPostgresEventLog(ctx, cfg.EventLog.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres event log: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("preparing postgres event log: %w", err)
	}
	return pg, pg.Close, nil
}

func buildProviders(cfg *config.Config, breakers *breaker.Registry, logger *slog.Logger) (*provider.Registry, error) {
	pc := cfg.Provider
	registry := provider.NewRegistry()

	if pc.BaseURL != "" {
		registry.Register(provider.NewRemote(provider.RemoteConfig{
			Name:           config.ProviderRemote,
			BaseURL:        pc.BaseURL,
			Model:          pc.Model,
			RequestTimeout: pc.RequestTimeout.Duration,
			PollInterval:   pc.PollInterval.Duration,
			SessionTimeout: pc.SessionTimeout.Duration,
			RetryAttempts:  pc.RetryAttempts,
		}, breakers.Get(config.ProviderRemote), provider.WithRemoteLogger(logger)))
	}

	var git *gitops.Manager
	if pc.RepoDir != "" {
		git = gitops.New(pc.RepoDir, pc.WorktreeDir)
	}
	registry.Register(provider.NewCLI(provider.CLIConfig{
		Name:           config.ProviderCLI,
		Binary:         pc.ClaudeBinary,
		Model:          pc.Model,
		Push:           pc.Push,
		SessionTimeout: pc.SessionTimeout.Duration,
		Dir:            pc.RepoDir,
	}, git, provider.WithCLILogger(logger)))

	if err := registry.SetDefault(pc.Kind); err != nil {
		return nil, err
	}
	return registry, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	events, closeEvents, err := openEventLog(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer closeEvents()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mt := metrics.MustNew(reg)

	breakers := breaker.NewRegistry(cfg.BreakerSettings(),
		breaker.WithLogger(logger),
		breaker.WithStateChange(func(name string, _, to breaker.State) {
			mt.BreakerState(name, int(to))
		}),
	)
	providers, err := buildProviders(cfg, breakers, logger)
	if err != nil {
		return err
	}

	feed := broadcast.New(events, broadcast.WithLogger(logger), broadcast.WithMetrics(mt))

	oc := cfg.Orchestrator
	sched := scheduler.New(st, feed, scheduler.Config{
		MaxParallel: oc.MaxParallelTasks,
		RetryLimit:  oc.TaskRetryLimit,
		GracePeriod: oc.CancelGracePeriod.Duration,
	}, scheduler.WithLogger(logger), scheduler.WithMetrics(mt))

	var loader *prompts.Loader
	if promptsDir != "" {
		loader = prompts.NewLoader(config.ExpandPath(promptsDir))
	} else {
		loader = prompts.DefaultLoader()
	}
	if watcher, err := prompts.NewWatcher(loader, logger); err != nil {
		logger.Warn("prompt overrides will not reload", "error", err)
	} else {
		go watcher.Run(ctx)
	}
	engine := cycle.New(st, feed, sched, loader, cycle.Config{
		FailureBudget: oc.CycleFailureBudget,
		RetryDelay:    oc.CycleRetryDelay.Duration,
	}, cycle.WithLogger(logger), cycle.WithMetrics(mt))

	managerOpts := []orchestrator.Option{orchestrator.WithLogger(logger), orchestrator.WithMetrics(mt)}
	if nc := cfg.Notify; nc.Enabled() {
		dispatcher := notify.NewDispatcher(notify.Multi{
			notify.NewSlack(nc.SlackWebhookURL, breakers.Get("slack")),
			notify.NewDesktop(nc.Desktop),
		}, notify.WithLogger(logger))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			dispatcher.Close(ctx)
		}()
		managerOpts = append(managerOpts, orchestrator.WithNotifier(dispatcher))
	}

	backoff := breakers.Get(cfg.Provider.Kind)
	manager := orchestrator.New(st, feed, engine, providers, orchestrator.Config{
		MaxCyclesCap:        oc.MaxCyclesCap,
		MaxTimeLimitMinutes: oc.MaxTimeLimitMinutes,
		GracePeriod:         oc.CancelGracePeriod.Duration,
		Backoff:             backoff.BackoffDelay,
	}, managerOpts...)

	if !skipRecover {
		report, err := manager.Recover(ctx, provider.Credentials{Token: cfg.Token()})
		if err != nil {
			return fmt.Errorf("recovering jobs: %w", err)
		}
		logger.Info("recovery finished", "resumed", report.Resumed, "paused", report.Paused, "tasks_reset", report.TasksReset)
	}

	if mc := cfg.Maintenance; mc.PruneCron != "" {
		janitor, err := maintenance.New(st, events, feed, maintenance.Config{
			Cron:      mc.PruneCron,
			Retention: mc.EventRetention.Duration,
		}, maintenance.WithLogger(logger))
		if err != nil {
			return err
		}
		go janitor.Start(ctx)
		defer janitor.Stop()
	}

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(manager, feed, addr,
		api.WithLogger(logger),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	)

	fmt.Printf("Starting orchestrator API at http://%s\n", addr)
	serveErr := server.Start(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), oc.CancelGracePeriod.Duration+10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control loops did not stop in time", "error", err)
	}
	return serveErr
}
