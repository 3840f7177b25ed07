// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/homie-os/orchestrator/internal/health"
	"github.com/homie-os/orchestrator/internal/registry"
)

// ServiceView is one service's state plus its health summary.
type ServiceView struct {
	State  registry.ServiceState `json:"state"`
	Health health.Summary        `json:"health"`
}

// BackupRequest selects services for a backup or restore. Empty means
// "everything the operation can cover".
type BackupRequest struct {
	Services []string `json:"services,omitempty"`
}

// QuarantineRequest carries the operator's reason.
type QuarantineRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	overall := s.opts.Health.Overall()
	status := http.StatusOK
	if !overall.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, overall)
}

// handleListServices handles GET /api/v1/services.
func (s *Server) handleListServices(c *gin.Context) {
	states := s.opts.Registry.List()
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })

	views := make([]ServiceView, 0, len(states))
	for _, st := range states {
		views = append(views, ServiceView{
			State:  st,
			Health: s.opts.Health.ServiceSummary(st.Name),
		})
	}
	c.JSON(http.StatusOK, views)
}

// handleGetService handles GET /api/v1/services/:name.
func (s *Server) handleGetService(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.opts.Registry.Get(name)
	if !ok {
		writeError(c, registry.ErrUnknownService)
		return
	}
	c.JSON(http.StatusOK, ServiceView{
		State:  st,
		Health: s.opts.Health.ServiceSummary(name),
	})
}

// handleServiceLogs handles GET /api/v1/services/:name/logs?tail=N.
func (s *Server) handleServiceLogs(c *gin.Context) {
	name := c.Param("name")
	tail := 100
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "tail must be a non-negative integer",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		tail = n
	}

	logs, err := s.opts.Logs.ServiceLogs(c.Request.Context(), name, tail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": name, "logs": logs})
}

func (s *Server) handleEnable(c *gin.Context) {
	s.command(c, "enabled", s.opts.Controller.Enable)
}

func (s *Server) handleDisable(c *gin.Context) {
	s.command(c, "disabled", s.opts.Controller.Disable)
}

func (s *Server) handleRestart(c *gin.Context) {
	s.command(c, "restart requested", s.opts.Controller.Restart)
}

// handleQuarantine handles POST /api/v1/services/:name/quarantine.
func (s *Server) handleQuarantine(c *gin.Context) {
	var req QuarantineRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.command(c, "quarantined", func(name string) error {
		return s.opts.Controller.Quarantine(name, req.Reason)
	})
}

func (s *Server) handleMarkGood(c *gin.Context) {
	s.command(c, "cleared", s.opts.Controller.MarkGood)
}

// command runs one service-scoped write and answers with a uniform
// acknowledgement.
func (s *Server) command(c *gin.Context, action string, fn func(name string) error) {
	name := c.Param("name")
	if err := fn(name); err != nil {
		writeError(c, err)
		return
	}
	s.log.Info("api command", "service", name, "action", action)
	c.JSON(http.StatusOK, gin.H{"service": name, "status": action})
}

func (s *Server) handleOverallHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Health.Overall())
}

func (s *Server) handleReconcile(c *gin.Context) {
	s.opts.Controller.ForceReconcile()
	c.JSON(http.StatusAccepted, gin.H{"status": "reconcile scheduled"})
}

// handleListBackups handles GET /api/v1/backups, newest first.
func (s *Server) handleListBackups(c *gin.Context) {
	recs, err := s.opts.Registry.Backups()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// handleCreateBackup handles POST /api/v1/backups. The snapshot runs
// synchronously; clients wanting fire-and-forget use the task trigger
// instead.
func (s *Server) handleCreateBackup(c *gin.Context) {
	var req BackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	rec, err := s.opts.Backups.Backup(c.Request.Context(), req.Services)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// handleRestore handles POST /api/v1/backups/:id/restore.
func (s *Server) handleRestore(c *gin.Context) {
	var req BackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	id := c.Param("id")
	if err := s.opts.Backups.Restore(c.Request.Context(), id, req.Services); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": id, "status": "restored"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Tasks.States())
}

func (s *Server) handleTriggerTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.opts.Tasks.Trigger(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": id, "status": "triggered"})
}
