package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/api"
	"github.com/sidequest/sidequest/internal/config"
	"github.com/sidequest/sidequest/internal/doppler"
	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/executor"
	"github.com/sidequest/sidequest/internal/gitflow"
	"github.com/sidequest/sidequest/internal/pipelines"
	"github.com/sidequest/sidequest/internal/registry"
	"github.com/sidequest/sidequest/internal/retry"
	"github.com/sidequest/sidequest/internal/schedule"
	"github.com/sidequest/sidequest/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		if err := serve(); err != nil {
			fmt.Fprintln(os.Stderr, "sidequest:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  sidequest serve")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "configuration comes from SIDEQUEST_* environment variables")
}

func serve() error {
	ctx := context.Background()
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector())

	bus := events.NewBus()
	defer bus.Close()

	reg := registry.New()
	retries := retry.New(cfg.MaxAbsoluteAttempts, bus, log, metrics)
	git := gitflow.New(gitflow.Options{
		RepoPath:     cfg.GitRepoPath,
		BaseBranch:   cfg.GitBaseBranch,
		BranchPrefix: cfg.GitBranchPrefix,
		Remote:       cfg.GitRemote,
		DryRun:       cfg.GitDryRun,
		Excludes:     []string{"**/*.log", "**/node_modules/**", "**/.sidequest-tmp/**"},
	}, log)

	exec := executor.New(executor.Options{
		Registry:          reg,
		Store:             st,
		Retries:           retries,
		Git:               git,
		Bus:               bus,
		Log:               log,
		MaxConcurrent:     cfg.MaxConcurrent,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		PipelineTimeout:   cfg.PipelineTimeout,
		StatsInterval:     cfg.DatabaseSaveInterval,
		Metrics:           metrics,
	})

	sched := schedule.New(loc, exec, st, log)
	if err := pipelines.RegisterBuiltins(reg, sched, cfg, log); err != nil {
		return err
	}
	if err := exec.Start(ctx); err != nil {
		return err
	}
	sched.Start()

	var monitor *doppler.Monitor
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitor = doppler.New(cfg.DopplerCachePath, cfg.DopplerCheckInterval, bus, log)
	go monitor.Run(monitorCtx)

	srv := api.New(api.Options{
		Exec:      exec,
		Store:     st,
		Registry:  reg,
		Bus:       bus,
		Scheduler: sched,
		Health:    monitor,
		Log:       log,
		Port:      cfg.APIPort,
		APIKey:    cfg.APIKey,
		Metrics:   metrics,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shutdown order: stop cron fires, drain the executor within the grace
	// period, then close the HTTP/WS surface.
	sched.Stop()
	stopMonitor()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := exec.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("executor did not drain in time")
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	return nil
}
