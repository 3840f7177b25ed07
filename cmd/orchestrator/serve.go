// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/homie-os/orchestrator/internal/api"
	"github.com/homie-os/orchestrator/internal/backup"
	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/engine"
	"github.com/homie-os/orchestrator/internal/health"
	"github.com/homie-os/orchestrator/internal/observability"
	"github.com/homie-os/orchestrator/internal/process"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/scheduler"
	"github.com/homie-os/orchestrator/internal/supervisor"
	"github.com/homie-os/orchestrator/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor",
	Long: `Serve loads the catalog, reconciles it against the container
runtime, and keeps running: health monitoring, scheduled tasks, and
the control API all live in this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "orchestrator",
	})
	defer logger.Close()
	log := logger.Slog()

	store, err := registry.OpenStore(registry.StoreConfig{
		Dir: filepath.Join(cfg.DataDir, "state"),
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	reg, err := registry.NewRegistry(store, log)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	reg.SetCatalog(cfg.Services)

	metrics := observability.NewMetrics()
	if err := metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eng := engine.NewCLIEngine(process.NewDefaultManager(), cfg.Runtime.Binary,
		cfg.Runtime.OperationTimeout.Std(), log)

	hub := api.NewEventHub(log)

	sup := supervisor.NewManager(supervisor.Options{
		Registry:  reg,
		Engine:    eng,
		Events:    hub,
		Recorder:  metrics,
		Logger:    log,
		Reconcile: cfg.Reconcile,
		Runtime:   cfg.Runtime,
	})

	mon := health.NewMonitor(health.Options{
		Registry: reg,
		Engine:   eng,
		Actions:  sup,
		Recorder: metrics,
		Logger:   log,
		Config:   cfg.Monitor,
	})

	backups := backup.NewManager(backup.Options{
		Registry:    reg,
		Coordinator: sup,
		Config:      cfg.Backup,
		Logger:      log,
		Recorder:    metrics,
	})

	sched, err := scheduler.NewScheduler(scheduler.Options{
		Tasks:    cfg.Tasks,
		Handlers: taskHandlers(mon, backups, reg, eng),
		Budget:   cfg.Scheduler.Budget,
		Logger:   log,
		Recorder: metrics,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	srv := api.NewServer(api.Options{
		Listen:     cfg.API.Listen,
		Registry:   reg,
		Controller: sup,
		Health:     mon,
		Backups:    backups,
		Tasks:      sched,
		Logs:       sup,
		Hub:        hub,
		Logger:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("orchestrator starting",
		"version", Version,
		"config", configPath,
		"services", len(cfg.Services),
		"runtime", cfg.Runtime.Binary)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, configPath, log, func(next *config.Config) {
			reg.SetCatalog(next.Services)
			sup.Kick()
		})
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("orchestrator stopped")
		return nil
	}
	return err
}

// taskHandlers binds the built-in task kinds to their executors.
func taskHandlers(mon *health.Monitor, backups *backup.Manager,
	reg *registry.Registry, eng engine.Engine) map[config.TaskKind]scheduler.TaskFunc {

	return map[config.TaskKind]scheduler.TaskFunc{
		config.TaskHealthSweep: func(ctx context.Context, _ config.TaskSpec) error {
			mon.Sweep(ctx, true)
			return nil
		},
		config.TaskBackup: func(ctx context.Context, spec config.TaskSpec) error {
			_, err := backups.Backup(ctx, spec.Services)
			return err
		},
		config.TaskBackupCleanup: func(ctx context.Context, _ config.TaskSpec) error {
			_, err := backups.CleanOld(ctx)
			return err
		},
		config.TaskImagePull: func(ctx context.Context, spec config.TaskSpec) error {
			names := spec.Services
			if len(names) == 0 {
				names = reg.Names()
			}
			for _, name := range names {
				svc, ok := reg.Spec(name)
				if !ok || !svc.IsEnabled() {
					continue
				}
				if err := eng.Pull(ctx, svc.Image); err != nil {
					return fmt.Errorf("pull %s: %w", svc.Image, err)
				}
			}
			return nil
		},
	}
}
