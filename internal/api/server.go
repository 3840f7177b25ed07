// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package api is the control surface: REST commands and state reads over
gin, a Prometheus /metrics endpoint, and a websocket event stream.

# Description

The write surface is intentionally narrow. Commands are submitted to
the supervisor as requests; the API never mutates service state
itself, which keeps the single-writer property intact. Reads expose
current service states, health summaries, backup records, and task
run-states.
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/homie-os/orchestrator/internal/backup"
	"github.com/homie-os/orchestrator/internal/engine"
	"github.com/homie-os/orchestrator/internal/health"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/scheduler"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Controller is the supervisor's command surface consumed by the API.
type Controller interface {
	Enable(service string) error
	Disable(service string) error
	Restart(service string) error
	Quarantine(service, reason string) error
	MarkGood(service string) error
	ForceReconcile()
}

// HealthReader exposes the monitor's summaries.
type HealthReader interface {
	ServiceSummary(name string) health.Summary
	Overall() health.OverallHealth
}

// BackupRunner exposes on-demand backup and restore.
type BackupRunner interface {
	Backup(ctx context.Context, services []string) (registry.BackupRecord, error)
	Restore(ctx context.Context, backupID string, services []string) error
}

// TaskRunner exposes the scheduler's trigger and listing surface.
type TaskRunner interface {
	Trigger(id string) error
	States() []scheduler.RunState
}

// LogReader fetches container logs for a service.
type LogReader interface {
	ServiceLogs(ctx context.Context, service string, tail int) (string, error)
}

// Options wires a Server.
type Options struct {
	Listen     string
	Registry   *registry.Registry
	Controller Controller
	Health     HealthReader
	Backups    BackupRunner
	Tasks      TaskRunner
	Logs       LogReader
	Hub        *EventHub
	Logger     *slog.Logger
}

// Server owns the HTTP listener.
type Server struct {
	opts Options
	log  *slog.Logger
	srv  *http.Server
}

// NewServer builds the router and listener without starting it.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, log: opts.Logger}
	s.srv = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// router assembles the gin engine. Split out so tests can drive the
// handlers without a listener.
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/services", s.handleListServices)
		v1.GET("/services/:name", s.handleGetService)
		v1.GET("/services/:name/logs", s.handleServiceLogs)
		v1.POST("/services/:name/enable", s.handleEnable)
		v1.POST("/services/:name/disable", s.handleDisable)
		v1.POST("/services/:name/restart", s.handleRestart)
		v1.POST("/services/:name/quarantine", s.handleQuarantine)
		v1.POST("/services/:name/mark-good", s.handleMarkGood)

		v1.GET("/health", s.handleOverallHealth)
		v1.POST("/reconcile", s.handleReconcile)

		v1.GET("/backups", s.handleListBackups)
		v1.POST("/backups", s.handleCreateBackup)
		v1.POST("/backups/:id/restore", s.handleRestore)

		v1.GET("/tasks", s.handleListTasks)
		v1.POST("/tasks/:id/trigger", s.handleTriggerTask)

		if s.opts.Hub != nil {
			v1.GET("/events", s.opts.Hub.handleEvents)
		}
	}
	return r
}

// Run serves until the context dies, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control API listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError maps domain errors onto status codes and the JSON
// envelope.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, registry.ErrUnknownService):
		status, code = http.StatusNotFound, "UNKNOWN_SERVICE"
	case errors.Is(err, registry.ErrBackupNotFound):
		status, code = http.StatusNotFound, "UNKNOWN_BACKUP"
	case errors.Is(err, engine.ErrContainerNotFound):
		status, code = http.StatusNotFound, "NO_CONTAINER"
	case errors.Is(err, scheduler.ErrUnknownTask):
		status, code = http.StatusNotFound, "UNKNOWN_TASK"
	case errors.Is(err, backup.ErrNotCovered), errors.Is(err, backup.ErrNoServices):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
